package runner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"opensprint/internal/model"
)

// stuckLoopGuard is how long the single-flight runLoop flag may stay set
// before it is forcibly cleared and a fresh nudge issued.
const stuckLoopGuard = 5 * time.Minute

// ProjectRunner admits work for one project and manages its Slots.
type ProjectRunner struct {
	project Project
	deps    Deps

	mu       sync.Mutex
	slots    map[string]*Slot
	stopped  bool

	running    atomic.Bool
	runningAt  atomic.Int64 // unix nanos when the current runLoop pass started
	nudgePend  atomic.Bool
	wg         sync.WaitGroup

	admitted  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewProjectRunner constructs an idle ProjectRunner; callers are
// expected to call Nudge (directly or via Orchestrator.ensureRunning)
// to start the first runLoop pass.
func NewProjectRunner(project Project, deps Deps) *ProjectRunner {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &ProjectRunner{project: project, deps: deps, slots: make(map[string]*Slot)}
}

func (r *ProjectRunner) maxSlots() int { return r.project.Settings.EffectiveMaxSlots() }

// Nudge is the single-shot run-loop signal: concurrent callers
// while a pass is active coalesce into exactly one subsequent
// invocation.
func (r *ProjectRunner) Nudge() {
	if r.running.Load() {
		r.nudgePend.Store(true)
		return
	}
	go r.runLoopOnce()
}

// runLoopOnce executes at most one runLoop pass, honoring the
// single-flight guarantee and re-triggering itself if a Nudge arrived
// while it ran.
func (r *ProjectRunner) runLoopOnce() {
	if !r.running.CompareAndSwap(false, true) {
		r.nudgePend.Store(true)
		return
	}
	r.runningAt.Store(time.Now().UnixNano())
	defer func() {
		r.running.Store(false)
		if r.nudgePend.CompareAndSwap(true, false) {
			go r.runLoopOnce()
		}
	}()

	r.runLoop(context.Background())
}

// WatchForStuckLoop should run once per ProjectRunner (e.g. from
// Orchestrator) to enforce the stuck-loop guard: if the flag has stayed
// set longer than stuckLoopGuard, clear it and nudge, without killing
// outstanding work.
func (r *ProjectRunner) WatchForStuckLoop() {
	if !r.running.Load() {
		return
	}
	startedAt := time.Unix(0, r.runningAt.Load())
	if time.Since(startedAt) < stuckLoopGuard {
		return
	}
	r.deps.Logger.Warn("projectrunner: runLoop guard stuck, clearing and re-nudging", "project", r.project.ID)
	r.running.Store(false)
	r.Nudge()
}

func (r *ProjectRunner) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Stop asks the runner to stop accepting new work; existing slots drain
// naturally.
func (r *ProjectRunner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

// Drain blocks until every currently-running PhaseExecutor has returned.
func (r *ProjectRunner) Drain() {
	r.wg.Wait()
}

// runLoop is one cooperative admission pass: claim pending feedback,
// query the ready set, fill free slots.
func (r *ProjectRunner) runLoop(ctx context.Context) {
	if r.isStopped() {
		return
	}

	r.claimPendingFeedback(ctx)

	free := r.freeSlots()
	if free <= 0 {
		return
	}

	ready, err := r.deps.Store.Ready(ctx, r.project.ID)
	if err != nil {
		r.deps.Logger.Error("projectrunner: failed to query ready set", "project", r.project.ID, "error", err)
		return
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	for _, task := range ready {
		if free <= 0 {
			break
		}
		if r.hasSlot(task.ID) {
			continue
		}
		if !model.IsAgentPlaceholder(task.Assignee) {
			continue
		}
		r.admit(ctx, task)
		free--
	}
}

// claimPendingFeedback claims the next pending feedback item, if any,
// and hands it to the Analyst collaborator before admission. Both
// collaborators are optional; a project with no feedback queue
// configured skips straight to admission.
func (r *ProjectRunner) claimPendingFeedback(ctx context.Context) {
	if r.deps.FeedbackQueue == nil || r.deps.Analyst == nil {
		return
	}

	item, err := r.deps.FeedbackQueue.ClaimNextPending(ctx, r.project.ID)
	if err != nil {
		r.deps.Logger.Error("projectrunner: failed to claim pending feedback", "project", r.project.ID, "error", err)
		return
	}
	if item == nil {
		return
	}

	if err := r.deps.Analyst.AnalyzeFeedback(ctx, r.project.ID, *item); err != nil {
		r.deps.Logger.Error("projectrunner: analyst failed on feedback item", "project", r.project.ID, "feedback", item.ID, "error", err)
	}
}

func (r *ProjectRunner) freeSlots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxSlots() - len(r.slots)
}

func (r *ProjectRunner) hasSlot(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[taskID]
	return ok
}

// admit constructs a Slot for task and hands it to a PhaseExecutor on a
// background goroutine").
func (r *ProjectRunner) admit(ctx context.Context, task *model.Task) {
	attempt := task.CumulativeAttempts() + 1
	slot := newSlot(task.ID, task.Title, "", "", attempt, r.deps.now())

	r.mu.Lock()
	r.slots[task.ID] = slot
	r.mu.Unlock()

	r.admitted.Add(1)
	r.deps.notify(StatusEvent{Kind: "execute.status", ProjectID: r.project.ID, TaskID: task.ID, Phase: model.PhaseCoding, Status: "admitted", At: r.deps.now()})

	r.wg.Add(1)
	pe := newPhaseExecutor(r.project, r.deps, r)
	go func() {
		defer r.wg.Done()
		pe.Run(ctx, slot)
	}()
}

func (r *ProjectRunner) freeSlot(taskID string) {
	r.mu.Lock()
	delete(r.slots, taskID)
	r.mu.Unlock()
}

// AdoptSlot installs slot and runs a PhaseExecutor for it from the
// slot's current phase, which spawns a fresh agent, without going
// through admit's normal attempt bookkeeping. RecoveryCoordinator's
// reattach path uses ResumeSlot instead.
func (r *ProjectRunner) AdoptSlot(ctx context.Context, slot *Slot, task *model.Task) {
	r.mu.Lock()
	r.slots[slot.TaskID] = slot
	r.mu.Unlock()

	r.wg.Add(1)
	pe := newPhaseExecutor(r.project, r.deps, r)
	go func() {
		defer r.wg.Done()
		pe.Run(ctx, slot)
	}()
}

// HasSlot reports whether taskID currently occupies a slot. Used by
// RecoveryCoordinator to decide whether to reattach.
func (r *ProjectRunner) HasSlot(taskID string) bool { return r.hasSlot(taskID) }

// ResumeSlot is RecoveryCoordinator's reattach entry point: it installs
// slot (built by NewRecoveredSlot) into the runner's slot map and
// drives its PhaseExecutor from handle's eventual exit onward, without
// spawning a new agent.
func (r *ProjectRunner) ResumeSlot(ctx context.Context, slot *Slot, task *model.Task, handle AgentHandle, exitCh <-chan int) {
	r.mu.Lock()
	r.slots[slot.TaskID] = slot
	r.mu.Unlock()

	r.wg.Add(1)
	pe := newPhaseExecutor(r.project, r.deps, r)
	go func() {
		defer r.wg.Done()
		pe.ResumeFromAttachment(ctx, slot, task, handle, exitCh)
	}()
}

// Project returns the Project this runner was constructed for, so
// RecoveryCoordinator can read RepoDir/Settings without a second copy
// being threaded through every call.
func (r *ProjectRunner) Project() Project { return r.project }

// Deps exposes the collaborators this runner was constructed with, so
// RecoveryCoordinator can reuse the same Store/Branches/Brokers/Logger
// rather than requiring its own copy wired in lockstep.
func (r *ProjectRunner) Deps() Deps { return r.deps }

// StatusSnapshot is what Orchestrator.getStatus composes.
type StatusSnapshot struct {
	ActiveTasks []Snapshot
	QueueDepth  int
	TotalDone   int64
	TotalFailed int64
}

// Status returns a defensive snapshot of the current slot set, then
// reconciles it against listAll: a slot is removed
// only when a *non-empty* listAll result omits its task; an empty
// listAll never removes slots.
func (r *ProjectRunner) Status(ctx context.Context) StatusSnapshot {
	all, err := r.deps.Store.ListAll(ctx, r.project.ID)
	if err == nil && len(all) > 0 {
		present := make(map[string]bool, len(all))
		for _, t := range all {
			present[t.ID] = true
		}
		r.mu.Lock()
		for id := range r.slots {
			if !present[id] {
				delete(r.slots, id)
			}
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	snaps := make([]Snapshot, 0, len(r.slots))
	for _, s := range r.slots {
		snaps = append(snaps, s.snapshot())
	}
	r.mu.Unlock()

	ready, _ := r.deps.Store.Ready(ctx, r.project.ID)

	return StatusSnapshot{
		ActiveTasks: snaps,
		QueueDepth:  len(ready),
		TotalDone:   r.completed.Load(),
		TotalFailed: r.failed.Load(),
	}
}

// LiveOutput returns the current OutputLog content for taskID while it
// holds a slot. Otherwise (or if the file cannot be read) it returns the
// broker's buffered trailing output, or nil if no broker has ever
// existed for it.
func (r *ProjectRunner) LiveOutput(taskID string) []byte {
	r.mu.Lock()
	slot, ok := r.slots[taskID]
	r.mu.Unlock()
	if ok {
		if wt := slot.snapshot().WorktreePath; wt != "" {
			if data, err := os.ReadFile(filepath.Join(activeDir(wt, taskID), "output.log")); err == nil {
				return data
			}
		}
	}
	return r.deps.Brokers.Snapshot(taskID)
}

// Cancel sends kill to the AgentProcess backing taskID's slot, if any.
// The subsequent onExit(-1)/teardown transitions the task to
// blocked(Cancelled).
func (r *ProjectRunner) Cancel(taskID string) bool {
	r.mu.Lock()
	slot, ok := r.slots[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	slot.kill()
	return true
}
