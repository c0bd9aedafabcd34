// Package orchestrator implements the per-process Orchestrator
// singleton: it multiplexes one ProjectRunner per project, runs
// RecoveryCoordinator against each on first use and periodically
// thereafter, and exposes the thin public surface a CLI or HTTP handler
// calls into (ensureRunning/stopProject/getStatus/nudge/getLiveOutput).
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"opensprint/internal/broker"
	"opensprint/internal/config"
	"opensprint/internal/gitqueue"
	"opensprint/internal/metrics"
	"opensprint/internal/recovery"
	"opensprint/internal/runner"
	"opensprint/internal/store"
	"opensprint/internal/telemetry"
)

// SharedDeps bundles the collaborators every ProjectRunner in the
// process shares. Brokers is deliberately excluded: each ProjectRunner
// gets its own broker.Registry, since output subscriptions are scoped
// to one project's slots.
type SharedDeps struct {
	Store store.Store
	GitQueue *gitqueue.Queue
	// Collaborators carries Branches/Spawner/Commands/Notifier/
	// DeploymentTrigger/FeedbackResolver/FeedbackQueue/Analyst/Now; its
	// Store/GitQueue/Brokers/Logger fields are overwritten per project in
	// entryFor. Commands is
	// itself overridden per project when CommandsFactory is set, since
	// agent identity is a per-project setting.
	Collaborators runner.Deps
	// CommandsFactory builds a project's CommandResolver from its own
	// settings, so projects with different simpleComplexityAgent/
	// complexComplexityAgent configs each get the right one. Nil falls
	// back to Collaborators.Commands for every project.
	CommandsFactory  func(config.ProjectSettings) runner.CommandResolver
	Logger           *slog.Logger
	RecoveryInterval time.Duration
}

type projectEntry struct {
	runner     *runner.ProjectRunner
	cancelWatch context.CancelFunc
}

// Orchestrator is the process-wide singleton. Safe for concurrent use.
type Orchestrator struct {
	deps SharedDeps
	rec  *recovery.Coordinator

	mu       sync.Mutex
	projects map[string]*projectEntry

	metrics   *metrics.Bridge
	telemetry *telemetry.Bridge
}

// New constructs an Orchestrator. metricsBridge and telemetryBridge may
// each be nil, in which case that concern is simply not wired: status
// events are not mirrored to Prometheus and/or no trace spans are
// opened. When both are set, every StatusEvent updates Prometheus
// first, then opens/closes its trace span, then reaches the caller's
// own Notifier (e.g. Slack) last.
func New(deps SharedDeps, metricsBridge *metrics.Bridge, telemetryBridge *telemetry.Bridge) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RecoveryInterval <= 0 {
		deps.RecoveryInterval = recovery.DefaultInterval
	}
	return &Orchestrator{
		deps:      deps,
		rec:       recovery.New(deps.Logger),
		projects:  make(map[string]*projectEntry),
		metrics:   metricsBridge,
		telemetry: telemetryBridge,
	}
}

// EnsureRunning is idempotent: the first
// call for a projectID constructs its ProjectRunner, runs one
// RecoveryCoordinator pass against it, starts its periodic watch, then
// nudges it. Later calls for the same projectID are no-ops beyond
// returning the current status.
func (o *Orchestrator) EnsureRunning(ctx context.Context, projectID, repoDir string, settings config.ProjectSettings) runner.StatusSnapshot {
	entry := o.entryFor(projectID, repoDir, settings)
	return entry.runner.Status(ctx)
}

func (o *Orchestrator) entryFor(projectID, repoDir string, settings config.ProjectSettings) *projectEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e, ok := o.projects[projectID]; ok {
		return e
	}

	project := runner.Project{ID: projectID, RepoDir: repoDir, Settings: settings}
	deps := o.deps.Collaborators
	deps.Store = o.deps.Store
	deps.GitQueue = o.deps.GitQueue
	deps.Brokers = broker.NewRegistry()
	deps.Logger = o.deps.Logger
	if o.deps.CommandsFactory != nil {
		deps.Commands = o.deps.CommandsFactory(settings)
	}
	if o.telemetry != nil {
		deps.Notifier = o.telemetry.Wrap(deps.Notifier)
	}
	if o.metrics != nil {
		deps.Notifier = o.metrics.Wrap(deps.Notifier)
	}

	pr := runner.NewProjectRunner(project, deps)

	report := o.rec.Reconcile(context.Background(), pr)
	o.deps.Logger.Info("orchestrator: startup recovery pass", "project", projectID,
		"reattached", report.Reattached, "requeued", report.Requeued, "cleaned", report.Cleaned)

	watchCtx, cancel := context.WithCancel(context.Background())
	go o.rec.Watch(watchCtx, pr, o.deps.RecoveryInterval)
	go watchStuckLoop(watchCtx, pr)

	pr.Nudge()

	e := &projectEntry{runner: pr, cancelWatch: cancel}
	o.projects[projectID] = e
	return e
}

// watchStuckLoop polls WatchForStuckLoop at a fixed cadence so a
// runLoop pass that panics-recovers or hangs never permanently wedges
// the single-flight flag.
func watchStuckLoop(ctx context.Context, pr *runner.ProjectRunner) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pr.WatchForStuckLoop()
		}
	}
}

// StopProject asks projectID's ProjectRunner to stop accepting new
// work and stops its recovery watch; existing slots still drain on
// their own.
func (o *Orchestrator) StopProject(projectID string) {
	o.mu.Lock()
	e, ok := o.projects[projectID]
	o.mu.Unlock()
	if !ok {
		return
	}
	e.runner.Stop()
	e.cancelWatch()
}

// GetStatus composes a StatusSnapshot for projectID, or a zero-value
// snapshot if EnsureRunning was never called for it.
func (o *Orchestrator) GetStatus(ctx context.Context, projectID string) runner.StatusSnapshot {
	o.mu.Lock()
	e, ok := o.projects[projectID]
	o.mu.Unlock()
	if !ok {
		return runner.StatusSnapshot{}
	}
	return e.runner.Status(ctx)
}

// Nudge coalesces into the project's single-flight runLoop signal.
// A no-op if the project was never started.
func (o *Orchestrator) Nudge(projectID string) {
	o.mu.Lock()
	e, ok := o.projects[projectID]
	o.mu.Unlock()
	if !ok {
		return
	}
	e.runner.Nudge()
}

// GetLiveOutput returns the current OutputLog content for taskId (see
// ProjectRunner.LiveOutput), or nil if projectID was never started or
// taskId has neither a slot nor a broker.
func (o *Orchestrator) GetLiveOutput(projectID, taskID string) []byte {
	o.mu.Lock()
	e, ok := o.projects[projectID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	return e.runner.LiveOutput(taskID)
}

// Cancel requests cancellation of taskID's running agent within
// projectID, if a slot exists for it.
func (o *Orchestrator) Cancel(projectID, taskID string) bool {
	o.mu.Lock()
	e, ok := o.projects[projectID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	return e.runner.Cancel(taskID)
}

// Drain blocks until every currently-running PhaseExecutor across every
// started project has returned. Used by graceful shutdown.
func (o *Orchestrator) Drain() {
	o.mu.Lock()
	entries := make([]*projectEntry, 0, len(o.projects))
	for _, e := range o.projects {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *projectEntry) {
			defer wg.Done()
			e.runner.Drain()
		}(e)
	}
	wg.Wait()
}
