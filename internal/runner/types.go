// Package runner implements the execution state machine: one
// ProjectRunner per project holding a small set of Slots, each driven by
// a PhaseExecutor through coding → review → merge → teardown.
package runner

import (
	"context"
	"log/slog"
	"time"

	"opensprint/internal/agentproc"
	"opensprint/internal/broker"
	"opensprint/internal/config"
	"opensprint/internal/gitqueue"
	"opensprint/internal/model"
	"opensprint/internal/store"
	"opensprint/internal/workspace"
)

// Project names the repository and settings a ProjectRunner operates
// against.
type Project struct {
	ID       string
	RepoDir  string
	Settings config.ProjectSettings
}

// Spawner abstracts agentproc.Spawn so tests can substitute a fake
// subprocess without touching the filesystem or exec package.
type Spawner interface {
	Spawn(ctx context.Context, spec agentproc.Spec, logger *slog.Logger) AgentHandle
}

// AgentHandle is the subset of *agentproc.Process the runner package
// depends on.
type AgentHandle interface {
	PID() int
	Kill()
	Wait()
}

// agentprocSpawner adapts agentproc.Spawn to the Spawner interface used
// in production.
type agentprocSpawner struct{}

func (agentprocSpawner) Spawn(ctx context.Context, spec agentproc.Spec, logger *slog.Logger) AgentHandle {
	return agentproc.Spawn(ctx, spec, logger)
}

// DefaultSpawner is the production Spawner backed by real subprocesses.
var DefaultSpawner Spawner = agentprocSpawner{}

// AgentCommand is what CommandResolver produces for one spawn: the
// executable and arguments to run for a given role/complexity pairing,
// per the agent type configured in ProjectSettings
// (SimpleComplexityAgent / ComplexComplexityAgent).
type AgentCommand struct {
	Command string
	Args    []string
	Env     []string
}

// CommandResolver turns a role and a task's resolved complexity into the
// concrete subprocess to spawn. Swappable so tests avoid depending on a
// real agent binary, and so operators can plug claude-API, claude-CLI,
// cursor, or a custom executable.
type CommandResolver interface {
	Resolve(role model.AgentRole, complexity model.Complexity, workDir string) (AgentCommand, error)
}

// DeploymentTrigger is the narrow collaborator invoked on epic
// completion when ProjectSettings.Deployment.AutoDeployOnEpicCompletion
// is set.
type DeploymentTrigger interface {
	TriggerDeployment(ctx context.Context, projectID, epicTaskID string) error
}

// FeedbackResolver is the narrow collaborator invoked on task completion
// when AutoResolveFeedbackOnTaskCompletion is set.
type FeedbackResolver interface {
	ResolveFeedback(ctx context.Context, projectID, taskID string) error
}

// FeedbackQueue is the narrow collaborator runLoop polls at the top of
// every pass for the next pending feedback item. Claiming is expected
// to be atomic on the implementation's side so two ProjectRunners (or
// two overlapping passes) never hand the same item to the Analyst
// twice.
type FeedbackQueue interface {
	ClaimNextPending(ctx context.Context, projectID string) (*model.FeedbackItem, error)
}

// Analyst is the external feedback-triage collaborator. runLoop only
// hands a claimed FeedbackItem to it and moves on; it does not interpret
// the outcome.
type Analyst interface {
	AnalyzeFeedback(ctx context.Context, projectID string, item model.FeedbackItem) error
}

// TestRunner is the external test-execution collaborator. When a
// project sets ContainerTestRuntime, PhaseExecutor calls RunTests after
// a successful coding attempt instead of trusting the agent's own
// result.testResults.
type TestRunner interface {
	RunTests(ctx context.Context, workDir, testCommand string) (model.TestResults, error)
}

// Deps bundles every collaborator a ProjectRunner needs. Shared across
// every ProjectRunner in the process except Brokers, which is
// per-project.
type Deps struct {
	Store             store.Store
	GitQueue          *gitqueue.Queue
	Branches          workspace.BranchManager
	Brokers           *broker.Registry
	Spawner           Spawner
	Commands          CommandResolver
	Logger            *slog.Logger
	Notifier          StatusNotifier
	DeploymentTrigger DeploymentTrigger
	FeedbackResolver  FeedbackResolver
	FeedbackQueue     FeedbackQueue
	Analyst           Analyst
	TestRunner        TestRunner
	Now               func() time.Time
}

// StatusNotifier receives the execute.status / agent.completed /
// task.updated broadcasts.
type StatusNotifier interface {
	NotifyStatus(event StatusEvent)
}

// StatusEvent is one broadcastable occurrence.
type StatusEvent struct {
	Kind      string // "execute.status", "agent.completed", "task.updated"
	ProjectID string
	TaskID    string
	Phase     model.Phase
	Status    string
	Detail    string
	At        time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) notify(ev StatusEvent) {
	if d.Notifier != nil {
		d.Notifier.NotifyStatus(ev)
	}
}
