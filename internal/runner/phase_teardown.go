package runner

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"opensprint/internal/fsutil"
	"opensprint/internal/model"
	"opensprint/internal/workspace"
)

// archiveSession captures one attempt's output/diff/result into an
// immutable folder. Called at the end of every coding/review attempt,
// not just final teardown, so failed attempts keep their history too.
func (pe *PhaseExecutor) archiveSession(ctx context.Context, slot *Slot, task *model.Task, outcome model.ResultStatus, reason string) {
	// Review verdicts archive into the same attempt folder as the code
	// they judged, so sessions/<taskId>-<attempt>/ ends up holding the
	// attempt's final state rather than a parallel numbering.
	round := slot.Attempt
	dest := workspace.SessionDir(pe.project.RepoDir, slot.TaskID, round)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		pe.deps.Logger.Warn("phaseexecutor: failed to create session archive dir", "task", slot.TaskID, "error", err)
		return
	}

	activeDirPath := activeDir(slot.WorktreePath, slot.TaskID)
	copyIfExists(filepath.Join(activeDirPath, "output.log"), filepath.Join(dest, "output.log"))
	copyIfExists(filepath.Join(activeDirPath, "result.json"), filepath.Join(dest, "result.json"))

	diff, _ := pe.deps.Branches.CaptureBranchDiff(ctx, pe.project.RepoDir, slot.BranchName)
	if diff != "" {
		_ = os.WriteFile(filepath.Join(dest, "diff"), []byte(diff), 0o644)
	}

	meta := model.SessionMetadata{
		TaskID:    slot.TaskID,
		Attempt:   round,
		Phase:     slot.Phase,
		Role:      model.RoleCoder,
		Outcome:   outcome,
		StartedAt: slot.StartedAt,
		EndedAt:   pe.deps.now(),
		Reason:    reason,
	}
	if slot.Phase == model.PhaseReview {
		meta.Role = model.RoleReviewer
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(dest, "metadata.json"), meta); err != nil {
		pe.deps.Logger.Warn("phaseexecutor: failed to write session metadata", "task", slot.TaskID, "error", err)
	}
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

// teardown runs on every terminal transition (closed or blocked):
// archive the final session, delete the active directory and
// assignment/heartbeat records, broadcast, and nudge so the freed slot
// is picked back up immediately.
func (pe *PhaseExecutor) teardown(ctx context.Context, slot *Slot, task *model.Task, outcome model.ResultStatus, reason string) {
	pe.archiveSession(ctx, slot, task, outcome, reason)

	if slot.WorktreePath != "" {
		activeDirPath := activeDir(slot.WorktreePath, slot.TaskID)
		_ = os.RemoveAll(activeDirPath)
	}

	pe.deps.Brokers.Remove(slot.TaskID)
	pe.deps.notify(StatusEvent{
		Kind:      "execute.status",
		ProjectID: pe.project.ID,
		TaskID:    slot.TaskID,
		Phase:     slot.Phase,
		Status:    string(outcome),
		Detail:    reason,
		At:        pe.deps.now(),
	})

	if outcome == model.ResultSuccess {
		pe.runner.completed.Add(1)
	} else {
		pe.runner.failed.Add(1)
	}
	pe.runner.Nudge()
}
