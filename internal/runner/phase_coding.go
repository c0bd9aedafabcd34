package runner

import (
	"context"
	"fmt"
	"time"

	"opensprint/internal/agentproc"
	"opensprint/internal/config"
	"opensprint/internal/fsutil"
	"opensprint/internal/model"
)

// runCodingLikePhase spawns one coder agent and classifies its outcome.
// It is shared by model.PhaseCoding and model.PhaseRebase: a rebase is a
// coding-style agent invocation with a merge-conflict prompt instead of
// the implementation prompt.
func (pe *PhaseExecutor) runCodingLikePhase(ctx context.Context, slot *Slot, task *model.Task) phaseResult {
	wtPath, err := pe.selectWorkspace(ctx, slot)
	if err != nil {
		return phaseResult{next: outcomeBlocked, blockedWhy: "Workspace Failure: " + err.Error()}
	}
	slot.WorktreePath = wtPath

	complexity := model.ResolvedComplexity(task, nil)
	cmd, err := pe.deps.Commands.Resolve(model.RoleCoder, complexity, wtPath)
	if err != nil {
		return phaseResult{next: outcomeBlocked, blockedWhy: "Agent Unavailable: " + err.Error()}
	}

	prompt := pe.codingPrompt(slot, task)
	if err := pe.writeContext(ctx, slot, task, prompt); err != nil {
		return phaseResult{next: outcomeBlocked, blockedWhy: "Context Assembly Failure: " + err.Error()}
	}

	dir := activeDir(wtPath, slot.TaskID)
	exitCh := make(chan int, 1)
	spec := agentproc.Spec{
		TaskID:    slot.TaskID,
		Attempt:   slot.Attempt,
		Role:      model.RoleCoder,
		Command:   cmd.Command,
		Args:      cmd.Args,
		WorkDir:   wtPath,
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

	if err := pe.writeAssignment(slot, handle.PID(), model.RoleCoder); err != nil {
		pe.deps.Logger.Warn("phaseexecutor: failed to persist assignment record", "task", slot.TaskID, "error", err)
	}
	pe.markInProgress(ctx, slot, task)

	exitCode := pe.awaitInactivityOrExit(ctx, slot, exitCh)
	handle.Wait()

	return pe.handleCodingDone(ctx, slot, task, exitCode, dir)
}

// awaitInactivityOrExit blocks until the agent exits or the inactivity
// timeout elapses; a timed-out agent gets a WIP commit to preserve
// partial work, then a kill, and is reported as exit code -2.
func (pe *PhaseExecutor) awaitInactivityOrExit(ctx context.Context, slot *Slot, exitCh <-chan int) int {
	timeout := pe.project.Settings.AgentInactivityTimeout
	checkEvery := timeout
	if checkEvery <= 0 || checkEvery > time.Minute {
		checkEvery = time.Minute
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case code := <-exitCh:
			return code
		case <-ticker.C:
			if timeout > 0 && slot.idleSince(pe.deps.now()) >= timeout {
				pe.deps.Logger.Warn("phaseexecutor: agent inactivity timeout, killing", "task", slot.TaskID)
				_, _ = pe.deps.Branches.CommitWip(ctx, slot.WorktreePath, slot.TaskID)
				slot.kill()
				select {
				case <-exitCh:
				case <-time.After(20 * time.Second):
				}
				return -2
			}
		case <-ctx.Done():
			slot.kill()
			return -2
		}
	}
}

func (pe *PhaseExecutor) codingPrompt(slot *Slot, task *model.Task) string {
	if slot.Phase == model.PhaseRebase {
		return fmt.Sprintf("Rebase/resolve merge conflicts for task %s (%s) on branch %s against main.", task.ID, task.Title, slot.BranchName)
	}
	return fmt.Sprintf("Implement task %s: %s\n\n%s", task.ID, task.Title, task.Description)
}

// handleCodingDone classifies the outcome of one coding/rebase attempt.
func (pe *PhaseExecutor) handleCodingDone(ctx context.Context, slot *Slot, task *model.Task, exitCode int, activeDirPath string) phaseResult {
	var result model.ResultDocument
	hasResult := fsutil.ReadJSON(activeDirPath+"/result.json", &result) == nil

	status := string(result.Status)
	if !hasResult {
		status = fmt.Sprintf("exit %d", exitCode)
	}
	pe.deps.notify(StatusEvent{Kind: "agent.completed", ProjectID: pe.project.ID, TaskID: slot.TaskID, Phase: slot.Phase, Status: status, At: pe.deps.now()})

	succeeded := hasResult && result.Status == model.ResultSuccess
	if !hasResult && exitCode == 0 {
		// Agent exited 0 with no result document: treat as an implicit
		// success only if it produced commits; the post-coding gate below
		// settles that.
		succeeded = true
	}

	if !succeeded {
		reason := "agent exited without a result document"
		if hasResult {
			reason = "agent reported failure"
			if result.Summary != "" {
				reason = result.Summary
			}
		}
		pe.archiveSession(ctx, slot, task, model.ResultFailed, reason)
		return pe.retryOrBlock(ctx, slot, task, "Coding Failure")
	}

	ahead, err := pe.deps.Branches.GetCommitCountAhead(ctx, pe.project.RepoDir, slot.BranchName)
	if err != nil || ahead == 0 {
		pe.archiveSession(ctx, slot, task, model.ResultFailed, "no commits produced")
		return pe.retryOrBlock(ctx, slot, task, "Coding Failure")
	}

	if pe.project.Settings.ContainerTestRuntime && pe.project.Settings.TestCommand != "" && pe.deps.TestRunner != nil {
		tr, err := pe.deps.TestRunner.RunTests(ctx, slot.WorktreePath, pe.project.Settings.TestCommand)
		if err != nil {
			pe.deps.Logger.Warn("phaseexecutor: container test run failed", "task", slot.TaskID, "error", err)
		} else if tr.Failed > 0 {
			pe.archiveSession(ctx, slot, task, model.ResultFailed, "container tests failed")
			return pe.retryOrBlock(ctx, slot, task, "Coding Failure")
		}
	}

	pe.archiveSession(ctx, slot, task, model.ResultSuccess, "")

	if slot.Phase == model.PhaseRebase {
		// A rebase attempt already passed review once before the merge
		// conflict; go straight back to merge rather than re-reviewing.
		return phaseResult{next: outcomeProceedToMerge}
	}
	if pe.needsReview(task) {
		return phaseResult{next: outcomeProceedToReview}
	}
	return phaseResult{next: outcomeProceedToMerge}
}

func (pe *PhaseExecutor) needsReview(task *model.Task) bool {
	switch pe.project.Settings.ReviewMode {
	case config.ReviewAlways:
		return true
	case config.ReviewComplexOnly:
		return model.ResolvedComplexity(task, nil) == model.ComplexityComplex
	default:
		return false
	}
}

func (pe *PhaseExecutor) retryOrBlock(ctx context.Context, slot *Slot, task *model.Task, reason string) phaseResult {
	attempts := task.CumulativeAttempts() + 1
	_ = pe.deps.Store.Update(ctx, pe.project.ID, task.ID, func(t *model.Task) error {
		t.Labels = model.WithAttempts(t.Labels, attempts)
		return nil
	})
	task.Labels = model.WithAttempts(task.Labels, attempts)

	max := pe.project.Settings.MaxCodingAttempts
	if max <= 0 {
		max = 3
	}
	if attempts >= max {
		return phaseResult{next: outcomeBlocked, blockedWhy: reason}
	}
	slot.Attempt = attempts + 1
	return phaseResult{next: outcomeRetryCoding}
}
