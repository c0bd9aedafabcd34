package runner

import (
	"context"
	"fmt"

	"opensprint/internal/agentproc"
	"opensprint/internal/fsutil"
	"opensprint/internal/model"
)

// runReviewPhase spawns a reviewer AgentProcess in the same workspace
// and classifies its verdict.
func (pe *PhaseExecutor) runReviewPhase(ctx context.Context, slot *Slot, task *model.Task) phaseResult {
	cmd, err := pe.deps.Commands.Resolve(model.RoleReviewer, model.ResolvedComplexity(task, nil), slot.WorktreePath)
	if err != nil {
		return phaseResult{next: outcomeBlocked, blockedWhy: "Agent Unavailable: " + err.Error()}
	}

	diff, _ := pe.deps.Branches.CaptureBranchDiff(ctx, pe.project.RepoDir, slot.BranchName)
	prompt := fmt.Sprintf("Review task %s (%s). Diff against main:\n\n%s", task.ID, task.Title, diff)
	if err := pe.writeContext(ctx, slot, task, prompt); err != nil {
		return phaseResult{next: outcomeBlocked, blockedWhy: "Context Assembly Failure: " + err.Error()}
	}

	dir := activeDir(slot.WorktreePath, slot.TaskID)
	exitCh := make(chan int, 1)
	spec := agentproc.Spec{
		TaskID:    slot.TaskID,
		Attempt:   slot.Attempt,
		Role:      model.RoleReviewer,
		Command:   cmd.Command,
		Args:      cmd.Args,
		WorkDir:   slot.WorktreePath,
		ActiveDir: dir,
		Env:       cmd.Env,
		OnOutput: func(chunk []byte) {
			slot.touchOutput(pe.deps.now())
			pe.deps.Brokers.For(slot.TaskID).Publish(chunk)
		},
		OnExit: func(code int) { exitCh <- code },
	}

	handle := pe.deps.Spawner.Spawn(ctx, spec, pe.deps.Logger)
	slot.setAgent(handle)
	if err := pe.writeAssignment(slot, handle.PID(), model.RoleReviewer); err != nil {
		pe.deps.Logger.Warn("phaseexecutor: failed to persist review assignment", "task", slot.TaskID, "error", err)
	}

	exitCode := pe.awaitInactivityOrExit(ctx, slot, exitCh)
	handle.Wait()

	return pe.handleReviewDone(ctx, slot, task, exitCode, dir)
}

// handleReviewDone classifies a reviewer's verdict.
func (pe *PhaseExecutor) handleReviewDone(ctx context.Context, slot *Slot, task *model.Task, exitCode int, dir string) phaseResult {
	var result model.ResultDocument
	if err := fsutil.ReadJSON(dir+"/result.json", &result); err != nil || !result.Status.IsTerminal() {
		pe.deps.notify(StatusEvent{Kind: "agent.completed", ProjectID: pe.project.ID, TaskID: slot.TaskID, Phase: slot.Phase, Status: "no verdict", At: pe.deps.now()})
		pe.archiveSession(ctx, slot, task, model.ResultRejected, "reviewer produced no verdict")
		return pe.retryReviewOrBlock(ctx, slot, task, "rejected (no verdict)")
	}
	pe.deps.notify(StatusEvent{Kind: "agent.completed", ProjectID: pe.project.ID, TaskID: slot.TaskID, Phase: slot.Phase, Status: string(result.Status), At: pe.deps.now()})

	if result.Status == model.ResultApproved {
		pe.archiveSession(ctx, slot, task, model.ResultApproved, "")
		return phaseResult{next: outcomeProceedToMerge}
	}

	pe.archiveSession(ctx, slot, task, model.ResultRejected, result.Summary)
	return pe.retryReviewOrBlock(ctx, slot, task, result.Summary)
}

func (pe *PhaseExecutor) retryReviewOrBlock(ctx context.Context, slot *Slot, task *model.Task, feedback string) phaseResult {
	rounds := task.ReviewAttempts() + 1
	_ = pe.deps.Store.Update(ctx, pe.project.ID, task.ID, func(t *model.Task) error {
		t.Labels = model.WithReviewAttempts(t.Labels, rounds)
		return nil
	})
	task.Labels = model.WithReviewAttempts(task.Labels, rounds)

	max := pe.project.Settings.MaxReviewAttempts
	if max <= 0 {
		max = 3
	}
	if rounds >= max {
		return phaseResult{next: outcomeBlocked, blockedWhy: "Review Failure"}
	}

	slot.ReviewRound = rounds
	slot.Attempt++
	task.Description = task.Description + "\n\nReviewer feedback: " + feedback
	return phaseResult{next: outcomeRetryCoding}
}
