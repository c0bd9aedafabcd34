package recovery

import (
	"context"
	"sync"

	"opensprint/internal/model"
	"opensprint/internal/runner"
)

// fakeBranchesForRecovery is a minimal workspace.BranchManager stand-in
// recording which worktrees CommitWip/RemoveTaskWorktree were asked to
// act on, without shelling out to git.
type fakeBranchesForRecovery struct {
	mu              sync.Mutex
	committed       []string
	removedTaskIDs  []string
	diff            string
}

func (f *fakeBranchesForRecovery) CreateTaskWorktree(ctx context.Context, repoDir, taskID string) (string, error) {
	return repoDir + "/.worktrees/" + taskID, nil
}
func (f *fakeBranchesForRecovery) RemoveTaskWorktree(ctx context.Context, repoDir, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedTaskIDs = append(f.removedTaskIDs, taskID)
	return nil
}
func (f *fakeBranchesForRecovery) CreateOrCheckoutBranch(ctx context.Context, repoDir, branch string) error {
	return nil
}
func (f *fakeBranchesForRecovery) EnsureOnMain(ctx context.Context, repoDir string) error { return nil }
func (f *fakeBranchesForRecovery) CommitWip(ctx context.Context, dir, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, taskID)
	return true, nil
}
func (f *fakeBranchesForRecovery) MergeToMain(ctx context.Context, repoDir, branch string) error {
	return nil
}
func (f *fakeBranchesForRecovery) VerifyMerge(ctx context.Context, repoDir, branch string) (bool, error) {
	return false, nil
}
func (f *fakeBranchesForRecovery) PushMain(ctx context.Context, repoDir string) error { return nil }
func (f *fakeBranchesForRecovery) DeleteBranch(ctx context.Context, repoDir, branch string) error {
	return nil
}
func (f *fakeBranchesForRecovery) CaptureBranchDiff(ctx context.Context, repoDir, branch string) (string, error) {
	return f.diff, nil
}
func (f *fakeBranchesForRecovery) GetChangedFiles(ctx context.Context, repoDir, branch string) ([]string, error) {
	return nil, nil
}
func (f *fakeBranchesForRecovery) GetCommitCountAhead(ctx context.Context, repoDir, branch string) (int, error) {
	return 0, nil
}
func (f *fakeBranchesForRecovery) WaitForGitReady(ctx context.Context, repoDir string) error { return nil }
func (f *fakeBranchesForRecovery) EnsureRepoNodeModules(ctx context.Context, repoDir string) error {
	return nil
}
func (f *fakeBranchesForRecovery) SymlinkNodeModules(ctx context.Context, repoDir, worktreePath string) error {
	return nil
}

// fakeResolverForRecovery always succeeds; Reconcile's reattach path
// never calls CommandResolver, but runner.Deps requires a non-nil value
// to match the production wiring shape.
type fakeResolverForRecovery struct{}

func (fakeResolverForRecovery) Resolve(role model.AgentRole, complexity model.Complexity, workDir string) (runner.AgentCommand, error) {
	return runner.AgentCommand{Command: "true"}, nil
}
