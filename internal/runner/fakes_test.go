package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"opensprint/internal/agentproc"
	"opensprint/internal/model"
)

// fakeAgent is a no-op AgentHandle: it never actually spawns a process.
// Tests drive the scripted outcome by calling its OnExit/OnOutput hooks
// directly from fakeSpawner.
type fakeAgent struct {
	mu      sync.Mutex
	killed  bool
	pid     int
}

func (a *fakeAgent) PID() int { return a.pid }
func (a *fakeAgent) Kill() {
	a.mu.Lock()
	a.killed = true
	a.mu.Unlock()
}
func (a *fakeAgent) Wait() {}

// fakeSpawner fires OnExit with a scripted exit code as soon as Spawn is
// called, optionally writing a result.json first via resultWriter.
type fakeSpawner struct {
	mu           sync.Mutex
	exitCode     int
	n            int
	beforeExit   func(spec agentproc.Spec, call int)
}

func (f *fakeSpawner) Spawn(ctx context.Context, spec agentproc.Spec, logger *slog.Logger) AgentHandle {
	f.mu.Lock()
	f.n++
	call := f.n
	f.mu.Unlock()

	if f.beforeExit != nil {
		f.beforeExit(spec, call)
	}
	if spec.OnExit != nil {
		spec.OnExit(f.exitCode)
	}
	return &fakeAgent{pid: 1000 + call}
}

// fakeResolver always succeeds with a fixed command.
type fakeResolver struct{}

func (fakeResolver) Resolve(role model.AgentRole, complexity model.Complexity, workDir string) (AgentCommand, error) {
	return AgentCommand{Command: "true"}, nil
}

// failResolver always fails resolution.
type failResolver struct{}

func (failResolver) Resolve(role model.AgentRole, complexity model.Complexity, workDir string) (AgentCommand, error) {
	return AgentCommand{}, errors.New("no agent configured")
}

// fakeBranches is an in-memory workspace.BranchManager stand-in: no git
// is invoked, every worktree/branch op is a bookkeeping no-op, and the
// scripted fields below drive merge-conflict / commit-count scenarios.
type fakeBranches struct {
	mu             sync.Mutex
	commitsAhead   int
	mergeConflict  bool
	mergeErr       error
	verifyMerged   bool
	pushErr        error
}

func (f *fakeBranches) CreateTaskWorktree(ctx context.Context, repoDir, taskID string) (string, error) {
	return repoDir + "/.worktrees/" + taskID, nil
}
func (f *fakeBranches) RemoveTaskWorktree(ctx context.Context, repoDir, taskID string) error {
	return nil
}
func (f *fakeBranches) CreateOrCheckoutBranch(ctx context.Context, repoDir, branch string) error {
	return nil
}
func (f *fakeBranches) EnsureOnMain(ctx context.Context, repoDir string) error { return nil }
func (f *fakeBranches) CommitWip(ctx context.Context, dir, taskID string) (bool, error) {
	return false, nil
}
func (f *fakeBranches) MergeToMain(ctx context.Context, repoDir, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeConflict {
		return errors.New("merge conflict: dummy")
	}
	return f.mergeErr
}
func (f *fakeBranches) VerifyMerge(ctx context.Context, repoDir, branch string) (bool, error) {
	return f.verifyMerged, nil
}
func (f *fakeBranches) PushMain(ctx context.Context, repoDir string) error { return f.pushErr }
func (f *fakeBranches) DeleteBranch(ctx context.Context, repoDir, branch string) error { return nil }
func (f *fakeBranches) CaptureBranchDiff(ctx context.Context, repoDir, branch string) (string, error) {
	return "", nil
}
func (f *fakeBranches) GetChangedFiles(ctx context.Context, repoDir, branch string) ([]string, error) {
	return nil, nil
}
func (f *fakeBranches) GetCommitCountAhead(ctx context.Context, repoDir, branch string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitsAhead, nil
}
func (f *fakeBranches) WaitForGitReady(ctx context.Context, repoDir string) error { return nil }
func (f *fakeBranches) EnsureRepoNodeModules(ctx context.Context, repoDir string) error { return nil }
func (f *fakeBranches) SymlinkNodeModules(ctx context.Context, repoDir, worktreePath string) error {
	return nil
}

// fakeFeedbackQueue hands out a scripted list of items, one per call, then
// returns nil once drained.
type fakeFeedbackQueue struct {
	mu    sync.Mutex
	items []model.FeedbackItem
}

func (q *fakeFeedbackQueue) ClaimNextPending(ctx context.Context, projectID string) (*model.FeedbackItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return &item, nil
}

// fakeAnalyst records every feedback item it was handed.
type fakeAnalyst struct {
	mu      sync.Mutex
	handled []model.FeedbackItem
}

func (a *fakeAnalyst) AnalyzeFeedback(ctx context.Context, projectID string, item model.FeedbackItem) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handled = append(a.handled, item)
	return nil
}

// recordingNotifier captures every StatusEvent for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (n *recordingNotifier) NotifyStatus(ev StatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) snapshot() []StatusEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]StatusEvent, len(n.events))
	copy(out, n.events)
	return out
}
