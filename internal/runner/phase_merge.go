package runner

import (
	"context"
	"errors"
	"strings"
	"time"

	"opensprint/internal/gitqueue"
	"opensprint/internal/model"
)

// ErrMergeNotVerified is returned when a merge completed without error
// but the branch is unexpectedly absent from `git branch --merged main`.
var ErrMergeNotVerified = errors.New("gitqueue: merge completed but branch not verified merged")

const mergeJobTimeout = 10 * time.Minute

// runMerge enqueues the one GitQueue job that lands a task: ensure
// main, merge, verify, push (best-effort), delete branch, remove
// worktree.
func (pe *PhaseExecutor) runMerge(ctx context.Context, slot *Slot, task *model.Task) phaseResult {
	var conflict bool

	err := pe.deps.GitQueue.EnqueueAndWait(ctx, pe.project.RepoDir, gitqueue.Job{
		Name:    "merge:" + slot.TaskID,
		Timeout: mergeJobTimeout,
		Run: func(ctx context.Context) error {
			if err := pe.deps.Branches.EnsureOnMain(ctx, pe.project.RepoDir); err != nil {
				return err
			}
			if err := pe.deps.Branches.MergeToMain(ctx, pe.project.RepoDir, slot.BranchName); err != nil {
				if strings.Contains(err.Error(), "merge conflict") {
					conflict = true
					return nil
				}
				return err
			}
			merged, err := pe.deps.Branches.VerifyMerge(ctx, pe.project.RepoDir, slot.BranchName)
			if err != nil {
				return err
			}
			if !merged {
				return ErrMergeNotVerified
			}

			if err := pe.deps.Branches.PushMain(ctx, pe.project.RepoDir); err != nil {
				pe.deps.Logger.Warn("phaseexecutor: push to origin failed, continuing", "task", slot.TaskID, "error", err)
			}

			if err := pe.deps.Branches.DeleteBranch(ctx, pe.project.RepoDir, slot.BranchName); err != nil {
				pe.deps.Logger.Warn("phaseexecutor: branch delete failed", "branch", slot.BranchName, "error", err)
			}
			if slot.WorktreePath != pe.project.RepoDir {
				if err := pe.deps.Branches.RemoveTaskWorktree(ctx, pe.project.RepoDir, slot.TaskID); err != nil {
					pe.deps.Logger.Warn("phaseexecutor: worktree removal failed", "task", slot.TaskID, "error", err)
				}
			}
			return nil
		},
	})

	if err != nil {
		return phaseResult{next: outcomeBlocked, blockedWhy: "Merge Failure: " + err.Error()}
	}
	if conflict {
		return pe.retryRebaseOrBlock(slot)
	}
	return phaseResult{next: outcomeClosed}
}

func (pe *PhaseExecutor) retryRebaseOrBlock(slot *Slot) phaseResult {
	slot.RebaseRound++
	max := pe.project.Settings.MaxCodingAttempts
	if max <= 0 {
		max = 3
	}
	if slot.RebaseRound > max {
		return phaseResult{next: outcomeBlocked, blockedWhy: "Merge Failure"}
	}
	slot.Attempt++
	return phaseResult{next: outcomeMergeConflict}
}
