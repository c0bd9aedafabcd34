package recovery

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opensprint/internal/broker"
	"opensprint/internal/config"
	"opensprint/internal/fsutil"
	"opensprint/internal/model"
	"opensprint/internal/runner"
	"opensprint/internal/store"
	"opensprint/internal/workspace"
)

func writeAssignment(t *testing.T, dir string, rec model.AssignmentRecord) {
	t.Helper()
	require.NoError(t, fsutil.WriteJSONAtomic(filepath.Join(dir, "assignment.json"), rec))
}

func writeHeartbeat(t *testing.T, dir string, at time.Time, pid int) {
	t.Helper()
	require.NoError(t, fsutil.WriteJSONAtomic(filepath.Join(dir, "heartbeat.json"), model.Heartbeat{PID: pid, UpdatedAt: at}))
}

type recordingNotifier func(runner.StatusEvent)

func (f recordingNotifier) NotifyStatus(ev runner.StatusEvent) { f(ev) }

func baseDeps(t *testing.T, st store.Store) runner.Deps {
	return runner.Deps{
		Store:    st,
		Branches: &fakeBranchesForRecovery{},
		Brokers:  broker.NewRegistry(),
		Spawner:  runner.DefaultSpawner,
		Commands: fakeResolverForRecovery{},
		Now:      func() time.Time { return time.Now() },
	}
}

// TestReconcileRequeuesWhenProcessDead verifies the dead-pid branch of
// reconcileOne: a stale assignment record whose pid is not alive is
// committed-wip, archived, and the task is reopened, regardless of
// heartbeat freshness.
func TestReconcileRequeuesWhenProcessDead(t *testing.T) {
	repoDir := t.TempDir()
	activeDir := filepath.Join(repoDir, ".opensprint", "active", "t1")
	require.NoError(t, os.MkdirAll(activeDir, 0o755))

	assignee := "agent-1"
	st := store.NewMemoryStore()
	st.Seed("proj", &model.Task{
		ID: "t1", Title: "Task One", Status: model.StatusInProgress, Assignee: &assignee,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})

	writeAssignment(t, activeDir, model.AssignmentRecord{
		TaskID: "t1", Phase: model.PhaseCoding, BranchName: "opensprint/t1",
		WorktreePath: repoDir, Attempt: 1, AgentPID: 999999, // very unlikely to be a live pid
		HeartbeatPath: filepath.Join(activeDir, "heartbeat.json"), AgentRole: model.RoleCoder,
		CreatedAt: time.Now(),
	})
	writeHeartbeat(t, activeDir, time.Now(), 999999)

	deps := baseDeps(t, st)
	project := runner.Project{ID: "proj", RepoDir: repoDir, Settings: config.Defaults()}
	pr := runner.NewProjectRunner(project, deps)

	c := New(nil)
	report := c.Reconcile(context.Background(), pr)

	require.Equal(t, 1, report.Requeued)
	require.Equal(t, 0, report.Reattached)

	task, err := st.Show(context.Background(), "proj", "t1")
	require.NoError(t, err)
	require.Equal(t, model.StatusOpen, task.Status)
	require.Nil(t, task.Assignee)

	require.NoFileExists(t, filepath.Join(activeDir, "assignment.json"))
}

// TestReconcileRequeuesWhenHeartbeatStale verifies that a live pid with a
// stale heartbeat is still re-queued: heartbeat freshness is
// authoritative over pid liveness.
func TestReconcileRequeuesWhenHeartbeatStale(t *testing.T) {
	repoDir := t.TempDir()
	activeDir := filepath.Join(repoDir, ".opensprint", "active", "t1")
	require.NoError(t, os.MkdirAll(activeDir, 0o755))

	assignee := "agent-1"
	st := store.NewMemoryStore()
	st.Seed("proj", &model.Task{
		ID: "t1", Title: "Task One", Status: model.StatusInProgress, Assignee: &assignee,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})

	selfPID := os.Getpid() // definitely alive

	writeAssignment(t, activeDir, model.AssignmentRecord{
		TaskID: "t1", Phase: model.PhaseCoding, BranchName: "opensprint/t1",
		WorktreePath: repoDir, Attempt: 1, AgentPID: selfPID,
		HeartbeatPath: filepath.Join(activeDir, "heartbeat.json"), AgentRole: model.RoleCoder,
		CreatedAt: time.Now().Add(-time.Hour),
	})
	writeHeartbeat(t, activeDir, time.Now().Add(-time.Hour), selfPID)

	deps := baseDeps(t, st)
	project := runner.Project{ID: "proj", RepoDir: repoDir, Settings: config.Defaults()}
	pr := runner.NewProjectRunner(project, deps)

	c := New(nil)
	report := c.Reconcile(context.Background(), pr)

	require.Equal(t, 1, report.Requeued)
	require.Equal(t, 0, report.Reattached)
}

// TestReconcileReattachesLiveFreshAssignment verifies the reattach path:
// a live pid with a fresh heartbeat results in a Slot being installed on
// the ProjectRunner without reopening the task.
func TestReconcileReattachesLiveFreshAssignment(t *testing.T) {
	repoDir := t.TempDir()
	activeDir := filepath.Join(repoDir, ".opensprint", "active", "t1")
	require.NoError(t, os.MkdirAll(activeDir, 0o755))

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill(); _, _ = cmd.Process.Wait() }()

	assignee := "agent-1"
	st := store.NewMemoryStore()
	st.Seed("proj", &model.Task{
		ID: "t1", Title: "Task One", Status: model.StatusInProgress, Assignee: &assignee,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})

	writeAssignment(t, activeDir, model.AssignmentRecord{
		TaskID: "t1", Phase: model.PhaseCoding, BranchName: "opensprint/t1",
		WorktreePath: repoDir, Attempt: 1, AgentPID: cmd.Process.Pid,
		HeartbeatPath: filepath.Join(activeDir, "heartbeat.json"), AgentRole: model.RoleCoder,
		CreatedAt: time.Now(),
	})
	writeHeartbeat(t, activeDir, time.Now(), cmd.Process.Pid)

	deps := baseDeps(t, st)
	var notified []runner.StatusEvent
	deps.Notifier = recordingNotifier(func(ev runner.StatusEvent) { notified = append(notified, ev) })
	project := runner.Project{ID: "proj", RepoDir: repoDir, Settings: config.Defaults()}
	pr := runner.NewProjectRunner(project, deps)

	c := New(nil)
	report := c.Reconcile(context.Background(), pr)

	require.Equal(t, 1, report.Reattached)
	require.Equal(t, 0, report.Requeued)
	require.True(t, pr.HasSlot("t1"))
	require.Len(t, notified, 1)
	require.Equal(t, "reattached", notified[0].Status)

	// Task status is left untouched by the reattach path itself; the
	// resumed PhaseExecutor owns any further transition.
	task, err := st.Show(context.Background(), "proj", "t1")
	require.NoError(t, err)
	require.Equal(t, model.StatusInProgress, task.Status)
}

// TestCleanOrphanWorktreesPrunesUnreferencedDirs verifies the cleanup
// branch: a worktree directory with no matching assignment record and
// no live slot is removed, while one whose task has an assignment record
// (passed in as seen) is left alone.
func TestCleanOrphanWorktreesPrunesUnreferencedDirs(t *testing.T) {
	base := workspace.WorktreeBase()
	orphanDir := filepath.Join(base, "orphan-task")
	slottedDir := filepath.Join(base, "slotted-task")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	require.NoError(t, os.MkdirAll(slottedDir, 0o755))
	defer os.RemoveAll(orphanDir)
	defer os.RemoveAll(slottedDir)

	repoDir := t.TempDir()
	st := store.NewMemoryStore()
	deps := baseDeps(t, st)
	fb := deps.Branches.(*fakeBranchesForRecovery)

	project := runner.Project{ID: "proj", RepoDir: repoDir, Settings: config.Defaults()}
	pr := runner.NewProjectRunner(project, deps)

	c := New(nil)
	cleaned := c.cleanOrphanWorktrees(context.Background(), pr, project, deps, map[string]bool{"slotted-task": true})

	require.Equal(t, 1, cleaned)
	require.Equal(t, []string{"orphan-task"}, fb.removedTaskIDs)
}
