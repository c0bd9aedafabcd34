// Package recovery implements the RecoveryCoordinator: at Orchestrator
// startup, and every 60s thereafter, it reconciles a
// ProjectRunner's in-memory Slot set against the durable truth sitting
// on disk (assignment.json / heartbeat.json / output.log) and in the
// task store. A discovered assignment is either reattached (the agent
// is still alive and its heartbeat is fresh), re-queued (preserve
// partial work, hand the task back to the ready set), or — when no
// assignment exists at all for a worktree — cleaned up.
package recovery

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"opensprint/internal/agentproc"
	"opensprint/internal/fsutil"
	"opensprint/internal/model"
	"opensprint/internal/runner"
	"opensprint/internal/workspace"
)

// DefaultInterval is the periodic reconcile cadence.
const DefaultInterval = 60 * time.Second

// Coordinator is stateless aside from its logger: every Reconcile call
// reads its inputs fresh from the ProjectRunner it is handed (in-memory
// slots, assignment records, heartbeat freshness, task-store status).
type Coordinator struct {
	Logger *slog.Logger
}

// New constructs a Coordinator.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{Logger: logger}
}

// Report summarizes one Reconcile pass, for logging/metrics at the call
// site.
type Report struct {
	Reattached int
	Requeued   int
	Cleaned    int
}

type discovered struct {
	record    model.AssignmentRecord
	activeDir string
}

// Reconcile runs one full reconciliation pass for pr's project: every
// on-disk assignment record is reattached, re-queued, or left alone
// (already slotted), and orphaned worktrees with no assignment record
// are pruned. Safe to call concurrently with the runner's own runLoop;
// it never removes a Slot that ResumeSlot/admit already installed this
// pass (HasSlot is checked before acting on each record).
func (c *Coordinator) Reconcile(ctx context.Context, pr *runner.ProjectRunner) Report {
	project := pr.Project()
	deps := pr.Deps()

	records := c.discoverAssignments(project.RepoDir)
	seen := make(map[string]bool, len(records))

	var report Report
	for _, d := range records {
		seen[d.record.TaskID] = true
		if pr.HasSlot(d.record.TaskID) {
			continue
		}
		switch c.reconcileOne(ctx, pr, project, deps, d) {
		case actionReattached:
			report.Reattached++
		case actionRequeued:
			report.Requeued++
		}
	}

	report.Cleaned = c.cleanOrphanWorktrees(ctx, pr, project, deps, seen)
	return report
}

// Watch runs Reconcile on a fixed interval until ctx is cancelled,
// nudging the runner after each pass so any re-queued task is picked up
// immediately rather than waiting for its next unrelated Nudge.
func (c *Coordinator) Watch(ctx context.Context, pr *runner.ProjectRunner, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := c.Reconcile(ctx, pr)
			if report.Reattached+report.Requeued+report.Cleaned > 0 {
				c.Logger.Info("recovery: reconcile pass", "project", pr.Project().ID,
					"reattached", report.Reattached, "requeued", report.Requeued, "cleaned", report.Cleaned)
			}
			pr.Nudge()
		}
	}
}

type action int

const (
	actionNone action = iota
	actionReattached
	actionRequeued
)

// reconcileOne decides one discovered assignment's fate. Heartbeat
// freshness is authoritative: a record whose heartbeat is older than
// 2×heartbeatInterval is re-queued even when the pid is alive, and a
// dead pid is always reaped regardless of heartbeat age.
func (c *Coordinator) reconcileOne(ctx context.Context, pr *runner.ProjectRunner, project runner.Project, deps runner.Deps, d discovered) action {
	rec := d.record
	task, err := deps.Store.Show(ctx, project.ID, rec.TaskID)
	if err != nil {
		c.Logger.Warn("recovery: cannot load task for assignment, leaving for next pass", "task", rec.TaskID, "error", err)
		return actionNone
	}

	if !processAlive(rec.AgentPID) {
		c.requeue(ctx, project, deps, rec, task, d.activeDir, "process not alive")
		return actionRequeued
	}

	interval := project.Settings.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if !heartbeatFresh(rec.HeartbeatPath, 2*interval, nowFrom(deps)) {
		c.requeue(ctx, project, deps, rec, task, d.activeDir, "heartbeat stale")
		return actionRequeued
	}

	c.reattach(ctx, pr, rec, task, d.activeDir, deps)
	return actionReattached
}

// reattach rebuilds a Slot bound to the still-running process and hands
// it to the runner via ResumeSlot; no new agent is spawned.
func (c *Coordinator) reattach(ctx context.Context, pr *runner.ProjectRunner, rec model.AssignmentRecord, task *model.Task, activeDir string, deps runner.Deps) {
	offset := fileSize(filepath.Join(activeDir, "output.log"))

	exitCh := make(chan int, 1)
	spec := agentproc.Spec{
		TaskID:    rec.TaskID,
		Attempt:   rec.Attempt,
		Role:      rec.AgentRole,
		WorkDir:   rec.WorktreePath,
		ActiveDir: activeDir,
		OnOutput: func(chunk []byte) {
			deps.Brokers.For(rec.TaskID).Publish(chunk)
		},
		OnExit: func(code int) { exitCh <- code },
	}
	handle := agentproc.Attach(ctx, spec, rec.AgentPID, offset, c.Logger)

	slot := runner.NewRecoveredSlot(rec.TaskID, task.Title, rec.BranchName, rec.WorktreePath, rec.Attempt, rec.Phase, nowFrom(deps))
	pr.ResumeSlot(ctx, slot, task, handle, exitCh)

	if deps.Notifier != nil {
		deps.Notifier.NotifyStatus(runner.StatusEvent{
			Kind:      "task.updated",
			ProjectID: pr.Project().ID,
			TaskID:    rec.TaskID,
			Phase:     rec.Phase,
			Status:    "reattached",
			At:        nowFrom(deps),
		})
	}

	c.Logger.Info("recovery: reattached running agent", "task", rec.TaskID, "pid", rec.AgentPID, "phase", rec.Phase)
}

// requeue preserves partial work, deletes the assignment record, and
// hands the task back to the ready set.
func (c *Coordinator) requeue(ctx context.Context, project runner.Project, deps runner.Deps, rec model.AssignmentRecord, task *model.Task, activeDir, reason string) {
	if rec.WorktreePath != "" {
		if _, err := deps.Branches.CommitWip(ctx, rec.WorktreePath, rec.TaskID); err != nil {
			c.Logger.Warn("recovery: commitWip failed during requeue", "task", rec.TaskID, "error", err)
		}
	}

	c.archiveInterrupted(ctx, project, deps, rec, activeDir, reason)

	_ = os.Remove(filepath.Join(activeDir, "assignment.json"))
	_ = os.Remove(filepath.Join(activeDir, "heartbeat.json"))

	err := deps.Store.Update(ctx, project.ID, rec.TaskID, func(t *model.Task) error {
		t.Status = model.StatusOpen
		t.Assignee = nil
		return nil
	})
	if err != nil {
		c.Logger.Error("recovery: failed to reopen task during requeue", "task", rec.TaskID, "error", err)
		return
	}

	if deps.Notifier != nil {
		deps.Notifier.NotifyStatus(runner.StatusEvent{
			Kind:      "task.updated",
			ProjectID: project.ID,
			TaskID:    rec.TaskID,
			Phase:     rec.Phase,
			Status:    "requeued",
			Detail:    reason,
			At:        nowFrom(deps),
		})
	}
	c.Logger.Info("recovery: re-queued interrupted task", "task", rec.TaskID, "reason", reason)
}

// archiveInterrupted writes an immutable session folder for the
// attempt that was interrupted by the restart, matching the shape
// PhaseExecutor's own archiveSession produces, so a later `sessions`
// listing sees a uniform history.
func (c *Coordinator) archiveInterrupted(ctx context.Context, project runner.Project, deps runner.Deps, rec model.AssignmentRecord, activeDir, reason string) {
	dest := workspace.SessionDir(project.RepoDir, rec.TaskID, rec.Attempt)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		c.Logger.Warn("recovery: failed to create interrupted session archive dir", "task", rec.TaskID, "error", err)
		return
	}

	copyIfExists(filepath.Join(activeDir, "output.log"), filepath.Join(dest, "output.log"))
	copyIfExists(filepath.Join(activeDir, "result.json"), filepath.Join(dest, "result.json"))

	if diff, err := deps.Branches.CaptureBranchDiff(ctx, project.RepoDir, rec.BranchName); err == nil && diff != "" {
		_ = os.WriteFile(filepath.Join(dest, "diff"), []byte(diff), 0o644)
	}

	meta := model.SessionMetadata{
		TaskID:    rec.TaskID,
		Attempt:   rec.Attempt,
		Phase:     rec.Phase,
		Role:      rec.AgentRole,
		Outcome:   model.ResultFailed,
		StartedAt: rec.CreatedAt,
		EndedAt:   nowFrom(deps),
		Reason:    "interrupted: " + reason,
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(dest, "metadata.json"), meta); err != nil {
		c.Logger.Warn("recovery: failed to write interrupted session metadata", "task", rec.TaskID, "error", err)
	}
}

// cleanOrphanWorktrees prunes worktrees with no surviving assignment
// record and no live agent. seen is the set of task IDs an assignment
// record was just found for (and therefore already handled above).
func (c *Coordinator) cleanOrphanWorktrees(ctx context.Context, pr *runner.ProjectRunner, project runner.Project, deps runner.Deps, seen map[string]bool) int {
	entries, err := os.ReadDir(workspace.WorktreeBase())
	if err != nil {
		return 0
	}

	cleaned := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		taskID := e.Name()
		if seen[taskID] || pr.HasSlot(taskID) {
			continue
		}
		if err := deps.Branches.RemoveTaskWorktree(ctx, project.RepoDir, taskID); err != nil {
			c.Logger.Warn("recovery: failed to prune orphan worktree", "task", taskID, "error", err)
			continue
		}
		cleaned++
		c.Logger.Info("recovery: pruned orphan worktree with no assignment record", "task", taskID)
	}
	return cleaned
}

// discoverAssignments finds every assignment.json in both places one
// can live: the repo's own .opensprint/active (branches mode, or a
// worktree-mode assignment written before CreateTaskWorktree resolved)
// and the worktree base directory (worktree mode's usual home).
func (c *Coordinator) discoverAssignments(repoDir string) []discovered {
	var out []discovered
	patterns := []string{
		filepath.Join(repoDir, ".opensprint", "active", "*", "assignment.json"),
		filepath.Join(workspace.WorktreeBase(), "*", ".opensprint", "active", "*", "assignment.json"),
	}

	seen := make(map[string]bool)
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, path := range matches {
			var rec model.AssignmentRecord
			if err := fsutil.ReadJSON(path, &rec); err != nil {
				c.Logger.Warn("recovery: unreadable assignment record", "path", path, "error", err)
				continue
			}
			if seen[rec.TaskID] {
				continue
			}
			seen[rec.TaskID] = true
			out = append(out, discovered{record: rec, activeDir: filepath.Dir(path)})
		}
	}
	return out
}

func heartbeatFresh(path string, maxAge time.Duration, now time.Time) bool {
	var hb model.Heartbeat
	if err := fsutil.ReadJSON(path, &hb); err != nil {
		return false
	}
	return now.Sub(hb.UpdatedAt) <= maxAge
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func copyIfExists(src, dst string) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer out.Close()
	_, _ = io.Copy(out, in)
}

func nowFrom(deps runner.Deps) time.Time {
	if deps.Now != nil {
		return deps.Now()
	}
	return time.Now()
}
