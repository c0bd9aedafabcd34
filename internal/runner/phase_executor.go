package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"opensprint/internal/config"
	"opensprint/internal/fsutil"
	"opensprint/internal/gitqueue"
	"opensprint/internal/model"
	"opensprint/internal/store"
	"opensprint/internal/workspace"
)

// PhaseExecutor drives one Slot through the coding → review → merge →
// teardown lifecycle.
type PhaseExecutor struct {
	project Project
	deps    Deps
	runner  *ProjectRunner
}

func newPhaseExecutor(project Project, deps Deps, r *ProjectRunner) *PhaseExecutor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &PhaseExecutor{project: project, deps: deps, runner: r}
}

// outcome is the internal classification returned by each phase's
// "done" handler: what the top-level Run loop should do next.
type outcome int

const (
	outcomeRetryCoding outcome = iota
	outcomeProceedToReview
	outcomeProceedToMerge
	outcomeMergeConflict
	outcomeBlocked
	outcomeClosed
)

type phaseResult struct {
	next       outcome
	blockedWhy string
	task       *model.Task
}

// Run is the slot's background task: it owns the Slot for
// its whole lifetime and only returns once the task has reached a
// terminal state (closed or blocked) or was cancelled. The slot is
// always freed from its ProjectRunner's map exactly once, on return.
func (pe *PhaseExecutor) Run(ctx context.Context, slot *Slot) {
	defer pe.runner.freeSlot(slot.TaskID)
	logger := pe.deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	task, err := pe.deps.Store.Show(ctx, pe.project.ID, slot.TaskID)
	if err != nil {
		logger.Error("phaseexecutor: cannot load task, abandoning slot", "task", slot.TaskID, "error", err)
		return
	}

	pe.drive(ctx, slot, task, nil)
}

// ResumeFromAttachment is RecoveryCoordinator's reattach entry point:
// handle already supervises a subprocess that survived a backend
// restart, so no new agent is spawned. Its
// eventual exit is classified exactly as a freshly spawned attempt's
// would be, then the ordinary coding→review→merge→teardown loop
// continues from there. The slot's map entry is freed exactly once, on
// return, same as Run.
func (pe *PhaseExecutor) ResumeFromAttachment(ctx context.Context, slot *Slot, task *model.Task, handle AgentHandle, exitCh <-chan int) {
	defer pe.runner.freeSlot(slot.TaskID)
	slot.setAgent(handle)

	exitCode := pe.awaitInactivityOrExit(ctx, slot, exitCh)
	handle.Wait()

	dir := activeDir(slot.WorktreePath, slot.TaskID)
	var first phaseResult
	if slot.Phase == model.PhaseReview {
		first = pe.handleReviewDone(ctx, slot, task, exitCode, dir)
	} else {
		first = pe.handleCodingDone(ctx, slot, task, exitCode, dir)
	}
	pe.drive(ctx, slot, task, &first)
}

// drive runs the coding → review → merge → teardown state machine.
// When preloaded is non-nil, its
// phaseResult is consumed for the slot's current phase instead of
// invoking runCodingLikePhase/runReviewPhase again — the one case being
// a Slot resumed by ResumeFromAttachment, whose first outcome was
// already produced by an agent that was running before this call.
// Every later iteration spawns normally.
func (pe *PhaseExecutor) drive(ctx context.Context, slot *Slot, task *model.Task, preloaded *phaseResult) {
	logger := pe.deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for {
		if slot.wasKilled() {
			pe.blockAndTeardown(ctx, slot, task, "Cancelled")
			return
		}

		switch slot.Phase {
		case model.PhaseCoding, model.PhaseRebase:
			var res phaseResult
			if preloaded != nil {
				res, preloaded = *preloaded, nil
			} else {
				res = pe.runCodingLikePhase(ctx, slot, task)
			}
			switch res.next {
			case outcomeRetryCoding:
				slot.Phase = model.PhaseCoding
				continue
			case outcomeProceedToReview:
				slot.Phase = model.PhaseReview
				continue
			case outcomeProceedToMerge:
				res = pe.runMerge(ctx, slot, task)
				switch res.next {
				case outcomeMergeConflict:
					slot.Phase = model.PhaseRebase
					continue
				case outcomeBlocked:
					pe.blockAndTeardown(ctx, slot, task, res.blockedWhy)
					return
				case outcomeClosed:
					pe.closeTask(ctx, slot, task)
					pe.teardown(ctx, slot, task, model.ResultSuccess, "")
					return
				}
			case outcomeBlocked:
				pe.blockAndTeardown(ctx, slot, task, res.blockedWhy)
				return
			}
		case model.PhaseReview:
			var res phaseResult
			if preloaded != nil {
				res, preloaded = *preloaded, nil
			} else {
				res = pe.runReviewPhase(ctx, slot, task)
			}
			switch res.next {
			case outcomeRetryCoding:
				slot.Phase = model.PhaseCoding
				continue
			case outcomeProceedToMerge:
				res = pe.runMerge(ctx, slot, task)
				switch res.next {
				case outcomeMergeConflict:
					slot.Phase = model.PhaseRebase
					continue
				case outcomeBlocked:
					pe.blockAndTeardown(ctx, slot, task, res.blockedWhy)
					return
				case outcomeClosed:
					pe.closeTask(ctx, slot, task)
					pe.teardown(ctx, slot, task, model.ResultSuccess, "")
					return
				}
			case outcomeBlocked:
				pe.blockAndTeardown(ctx, slot, task, res.blockedWhy)
				return
			}
		default:
			logger.Error("phaseexecutor: unknown phase", "phase", slot.Phase)
			return
		}
	}
}

// blockAndTeardown is the single exit for every blocked outcome. A kill
// can land mid-attempt: the signalled agent exits -1, classification
// routes that into a retry/block decision, and the blocked outcome
// reaches here without ever passing the loop-top cancellation check. So
// the killed flag is rechecked and a cancelled slot always blocks with
// reason "Cancelled", whatever the phase-level reason was.
func (pe *PhaseExecutor) blockAndTeardown(ctx context.Context, slot *Slot, task *model.Task, why string) {
	if slot.wasKilled() {
		why = "Cancelled"
	}
	pe.blockTask(ctx, slot, task, why)
	pe.teardown(ctx, slot, task, model.ResultFailed, why)
}

// activeDir is <wtPath>/.opensprint/active/<taskId>, the per-task
// scratch directory holding the agent's context and artifacts.
func activeDir(worktreePath, taskID string) string {
	return filepath.Join(worktreePath, ".opensprint", "active", taskID)
}

// selectWorkspace provisions the task's working copy for the configured
// git mode. A failure here (missing executable, bad credentials, git
// error) is reported as a blocked outcome by the caller.
func (pe *PhaseExecutor) selectWorkspace(ctx context.Context, slot *Slot) (string, error) {
	branch := workspace.BranchName(slot.TaskID)
	slot.BranchName = branch

	switch pe.project.Settings.GitWorkingMode {
	case config.GitModeBranches:
		err := pe.deps.GitQueue.EnqueueAndWait(ctx, pe.project.RepoDir, gitqueue.Job{
			Name: "checkout-branch:" + slot.TaskID,
			Run: func(ctx context.Context) error {
				if err := pe.deps.Branches.CreateOrCheckoutBranch(ctx, pe.project.RepoDir, branch); err != nil {
					return err
				}
				return pe.deps.Branches.EnsureRepoNodeModules(ctx, pe.project.RepoDir)
			},
		})
		if err != nil {
			return "", err
		}
		return pe.project.RepoDir, nil
	default:
		var wtPath string
		err := pe.deps.GitQueue.EnqueueAndWait(ctx, pe.project.RepoDir, gitqueue.Job{
			Name: "create-worktree:" + slot.TaskID,
			Run: func(ctx context.Context) error {
				p, err := pe.deps.Branches.CreateTaskWorktree(ctx, pe.project.RepoDir, slot.TaskID)
				if err != nil {
					return err
				}
				wtPath = p
				return pe.deps.Branches.SymlinkNodeModules(ctx, pe.project.RepoDir, p)
			},
		})
		if err != nil {
			return "", err
		}
		return wtPath, nil
	}
}

// writeContext assembles config.json, prompt.md, and per-dependency
// summaries under the task's active directory.
func (pe *PhaseExecutor) writeContext(ctx context.Context, slot *Slot, task *model.Task, prompt string) error {
	dir := activeDir(slot.WorktreePath, slot.TaskID)
	if err := os.MkdirAll(filepath.Join(dir, "context"), 0o755); err != nil {
		return err
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(dir, "config.json"), map[string]any{
		"taskId":     task.ID,
		"title":      task.Title,
		"phase":      slot.Phase,
		"attempt":    slot.Attempt,
		"repo":       pe.project.RepoDir,
		"branchName": slot.BranchName,
	}); err != nil {
		return err
	}
	pe.writeDependencyContext(ctx, dir, task)
	return os.WriteFile(filepath.Join(dir, "prompt.md"), []byte(prompt), 0o644)
}

// writeDependencyContext drops one summary file per blocking dependency
// into context/, plus that dependency's archived diff when its session
// folder still holds one. Best-effort: a missing dep row or diff never
// fails the phase.
func (pe *PhaseExecutor) writeDependencyContext(ctx context.Context, dir string, task *model.Task) {
	for _, dep := range task.Dependencies {
		if dep.Kind != model.DepBlocks {
			continue
		}
		depTask, err := pe.deps.Store.Show(ctx, pe.project.ID, dep.TargetID)
		if err != nil {
			continue
		}
		summary := fmt.Sprintf("# %s — %s\n\nstatus: %s\n\n%s\n", depTask.ID, depTask.Title, depTask.Status, depTask.Description)
		_ = os.WriteFile(filepath.Join(dir, "context", "dep-"+depTask.ID+".md"), []byte(summary), 0o644)

		// Every attempt archives into sessions/<taskId>-<attempt>/, and the
		// attempt number also advances on review rejections and rebases,
		// so the highest-numbered folder holding a diff is the final one.
		matches, _ := filepath.Glob(filepath.Join(workspace.SessionsDir(pe.project.RepoDir), depTask.ID+"-*", "diff"))
		best := -1
		for _, m := range matches {
			n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(filepath.Dir(m)), depTask.ID+"-"))
			if data, rerr := os.ReadFile(m); err == nil && rerr == nil && n > best {
				best = n
				_ = os.WriteFile(filepath.Join(dir, "context", "dep-"+depTask.ID+".diff"), data, 0o644)
			}
		}
	}
}

func (pe *PhaseExecutor) writeAssignment(slot *Slot, pid int, role model.AgentRole) error {
	dir := activeDir(slot.WorktreePath, slot.TaskID)
	return fsutil.WriteJSONAtomic(filepath.Join(dir, "assignment.json"), model.AssignmentRecord{
		TaskID:        slot.TaskID,
		Phase:         slot.Phase,
		BranchName:    slot.BranchName,
		WorktreePath:  slot.WorktreePath,
		Attempt:       slot.Attempt,
		AgentPID:      pid,
		HeartbeatPath: filepath.Join(dir, "heartbeat.json"),
		AgentRole:     role,
		CreatedAt:     pe.deps.now(),
	})
}

func (pe *PhaseExecutor) markInProgress(ctx context.Context, slot *Slot, task *model.Task) {
	placeholder := fmt.Sprintf("agent-%d", slot.Attempt)
	_ = pe.deps.Store.Update(ctx, pe.project.ID, task.ID, func(t *model.Task) error {
		t.Status = model.StatusInProgress
		t.Assignee = &placeholder
		if t.StartedAt == nil {
			now := pe.deps.now()
			t.StartedAt = &now
		}
		return nil
	})
	pe.deps.notify(StatusEvent{Kind: "execute.status", ProjectID: pe.project.ID, TaskID: task.ID, Phase: slot.Phase, Status: "in_progress", At: pe.deps.now()})
}

func (pe *PhaseExecutor) blockTask(ctx context.Context, slot *Slot, task *model.Task, reason string) {
	_ = pe.deps.Store.Update(ctx, pe.project.ID, task.ID, func(t *model.Task) error {
		t.Status = model.StatusBlocked
		t.CloseReason = reason
		t.Assignee = nil
		return nil
	})
	pe.deps.notify(StatusEvent{Kind: "task.updated", ProjectID: pe.project.ID, TaskID: task.ID, Phase: slot.Phase, Status: "blocked", Detail: reason, At: pe.deps.now()})
}

func (pe *PhaseExecutor) closeTask(ctx context.Context, slot *Slot, task *model.Task) {
	_ = pe.deps.Store.RunWrite(ctx, pe.project.ID, func(ctx context.Context, tx store.Store) error {
		if err := tx.Update(ctx, pe.project.ID, task.ID, func(t *model.Task) error {
			t.Assignee = nil
			return nil
		}); err != nil {
			return err
		}
		return tx.Close(ctx, pe.project.ID, task.ID, "merged")
	})
	pe.deps.notify(StatusEvent{Kind: "task.updated", ProjectID: pe.project.ID, TaskID: task.ID, Phase: slot.Phase, Status: "closed", At: pe.deps.now()})

	if pe.project.Settings.Deployment.AutoResolveFeedbackOnTaskCompletion && pe.deps.FeedbackResolver != nil {
		_ = pe.deps.FeedbackResolver.ResolveFeedback(ctx, pe.project.ID, task.ID)
	}
	if pe.project.Settings.Deployment.AutoDeployOnEpicCompletion && pe.deps.DeploymentTrigger != nil {
		if pe.epicFullyClosed(ctx, model.Epic(task.ID)) {
			_ = pe.deps.DeploymentTrigger.TriggerDeployment(ctx, pe.project.ID, model.Epic(task.ID))
		}
	}
}

func (pe *PhaseExecutor) epicFullyClosed(ctx context.Context, epicID string) bool {
	all, err := pe.deps.Store.ListAll(ctx, pe.project.ID)
	if err != nil || len(all) == 0 {
		return false
	}
	found := false
	for _, t := range all {
		if model.Epic(t.ID) != epicID {
			continue
		}
		found = true
		if t.Status != model.StatusClosed {
			return false
		}
	}
	return found
}
