package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opensprint/internal/config"
	"opensprint/internal/fsutil"
	"opensprint/internal/gitqueue"
	"opensprint/internal/model"
	"opensprint/internal/runner"
	"opensprint/internal/store"
)

type fakeResolver struct{}

func (fakeResolver) Resolve(role model.AgentRole, complexity model.Complexity, workDir string) (runner.AgentCommand, error) {
	return runner.AgentCommand{Command: "true"}, nil
}

type fakeBranches struct{}

func (fakeBranches) CreateTaskWorktree(ctx context.Context, repoDir, taskID string) (string, error) {
	return repoDir, nil
}
func (fakeBranches) RemoveTaskWorktree(ctx context.Context, repoDir, taskID string) error { return nil }
func (fakeBranches) CreateOrCheckoutBranch(ctx context.Context, repoDir, branch string) error {
	return nil
}
func (fakeBranches) EnsureOnMain(ctx context.Context, repoDir string) error { return nil }
func (fakeBranches) CommitWip(ctx context.Context, dir, taskID string) (bool, error) {
	return false, nil
}
func (fakeBranches) MergeToMain(ctx context.Context, repoDir, branch string) error { return nil }
func (fakeBranches) VerifyMerge(ctx context.Context, repoDir, branch string) (bool, error) {
	return true, nil
}
func (fakeBranches) PushMain(ctx context.Context, repoDir string) error             { return nil }
func (fakeBranches) DeleteBranch(ctx context.Context, repoDir, branch string) error { return nil }
func (fakeBranches) CaptureBranchDiff(ctx context.Context, repoDir, branch string) (string, error) {
	return "", nil
}
func (fakeBranches) GetChangedFiles(ctx context.Context, repoDir, branch string) ([]string, error) {
	return nil, nil
}
func (fakeBranches) GetCommitCountAhead(ctx context.Context, repoDir, branch string) (int, error) {
	return 0, nil
}
func (fakeBranches) WaitForGitReady(ctx context.Context, repoDir string) error           { return nil }
func (fakeBranches) EnsureRepoNodeModules(ctx context.Context, repoDir string) error     { return nil }
func (fakeBranches) SymlinkNodeModules(ctx context.Context, repoDir, worktreePath string) error {
	return nil
}

func newTestOrchestrator() *Orchestrator {
	deps := SharedDeps{
		Store:    store.NewMemoryStore(),
		GitQueue: gitqueue.New(nil),
		Collaborators: runner.Deps{
			Branches: fakeBranches{},
			Spawner:  runner.DefaultSpawner,
			Commands: fakeResolver{},
			Now:      func() time.Time { return time.Now() },
		},
		RecoveryInterval: time.Hour, // don't let the background watch fire mid-test
	}
	return New(deps, nil, nil)
}

func TestEnsureRunningIsIdempotent(t *testing.T) {
	o := newTestOrchestrator()

	snap1 := o.EnsureRunning(context.Background(), "proj", "/tmp/repo", config.Defaults())
	snap2 := o.EnsureRunning(context.Background(), "proj", "/tmp/repo", config.Defaults())

	require.Equal(t, snap1.TotalDone, snap2.TotalDone)
	require.Len(t, o.projects, 1, "a second EnsureRunning must not construct a second ProjectRunner")
}

func TestStopProjectPreventsFurtherNudges(t *testing.T) {
	o := newTestOrchestrator()
	o.EnsureRunning(context.Background(), "proj", "/tmp/repo", config.Defaults())
	o.StopProject("proj")

	// Nudge after Stop must not panic and should be a harmless no-op;
	// the ProjectRunner's own isStopped guard makes runLoop a no-op.
	o.Nudge("proj")
}

func TestGetStatusUnknownProjectReturnsZeroValue(t *testing.T) {
	o := newTestOrchestrator()
	snap := o.GetStatus(context.Background(), "never-started")
	require.Empty(t, snap.ActiveTasks)
	require.Zero(t, snap.TotalDone)
}

func TestGetLiveOutputUnknownProjectReturnsNil(t *testing.T) {
	o := newTestOrchestrator()
	require.Nil(t, o.GetLiveOutput("never-started", "t1"))
}

func TestCancelUnknownProjectReturnsFalse(t *testing.T) {
	o := newTestOrchestrator()
	require.False(t, o.Cancel("never-started", "t1"))
}

// TestEnsureRunningSurvivesUnknownAssignmentRecord exercises that
// EnsureRunning's Reconcile pass observes a pre-existing assignment
// record without erroring, even when the task store knows nothing about
// the task (recovery logs and skips rather than failing startup).
func TestEnsureRunningSurvivesUnknownAssignmentRecord(t *testing.T) {
	o := newTestOrchestrator()
	repoDir := t.TempDir()
	recPath := filepath.Join(repoDir, ".opensprint", "active", "ghost-1", "assignment.json")
	require.NoError(t, fsutil.WriteJSONAtomic(recPath, model.AssignmentRecord{TaskID: "ghost-1", Phase: model.PhaseCoding, Attempt: 1}))
	require.NotPanics(t, func() {
		o.EnsureRunning(context.Background(), "proj", repoDir, config.Defaults())
	})
	require.FileExists(t, recPath, "an assignment for a task the store does not know is skipped, not removed")
}
