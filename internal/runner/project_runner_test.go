package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opensprint/internal/agentproc"
	"opensprint/internal/config"
	"opensprint/internal/model"
	"opensprint/internal/store"
)

func TestProjectRunner_AdmitsUpToMaxSlots(t *testing.T) {
	settings := config.Defaults()
	settings.MaxConcurrentCoders = 2
	settings.ReviewMode = config.ReviewNever
	project := newTestProject(t, settings)

	st := store.NewMemoryStore()
	seedTask(st, project.ID, "A-1")
	seedTask(st, project.ID, "A-2")
	seedTask(st, project.ID, "A-3")

	// Park every spawned agent on a gate so no slot can free itself and
	// trigger a follow-up admission pass while we assert.
	gate := make(chan struct{})
	spawner := &fakeSpawner{}
	spawner.beforeExit = func(spec agentproc.Spec, call int) { <-gate }
	deps := newTestDeps(st, &fakeBranches{}, spawner, fakeResolver{}, &recordingNotifier{})
	r := NewProjectRunner(project, deps)

	r.runLoop(context.Background())

	require.Equal(t, int64(2), r.admitted.Load())

	r.Stop()
	close(gate)
	r.Drain()
}

func TestProjectRunner_BranchesModeForcesSingleSlot(t *testing.T) {
	settings := config.Defaults()
	settings.MaxConcurrentCoders = 3
	settings.GitWorkingMode = config.GitModeBranches
	settings.ReviewMode = config.ReviewNever
	project := newTestProject(t, settings)

	st := store.NewMemoryStore()
	seedTask(st, project.ID, "B-1")
	seedTask(st, project.ID, "B-2")

	gate := make(chan struct{})
	spawner := &fakeSpawner{}
	spawner.beforeExit = func(spec agentproc.Spec, call int) { <-gate }
	deps := newTestDeps(st, &fakeBranches{}, spawner, fakeResolver{}, &recordingNotifier{})
	r := NewProjectRunner(project, deps)

	r.runLoop(context.Background())

	require.Equal(t, 1, r.maxSlots())
	require.Equal(t, int64(1), r.admitted.Load())

	r.Stop()
	close(gate)
	r.Drain()
}

func TestProjectRunner_StatusReconcilesAgainstListAll(t *testing.T) {
	project := newTestProject(t, config.Defaults())
	st := store.NewMemoryStore()
	deps := newTestDeps(st, &fakeBranches{}, &fakeSpawner{}, fakeResolver{}, &recordingNotifier{})
	r := NewProjectRunner(project, deps)

	slot := newSlot("gone-1", "Gone", "", "", 1, time.Now())
	r.mu.Lock()
	r.slots["gone-1"] = slot
	r.mu.Unlock()

	// listAll is non-empty and omits gone-1: it must be dropped.
	seedTask(st, project.ID, "present-1")
	snap := r.Status(context.Background())
	require.Empty(t, snap.ActiveTasks)
}

func TestProjectRunner_StatusKeepsSlotsWhenListAllEmpty(t *testing.T) {
	project := newTestProject(t, config.Defaults())
	st := store.NewMemoryStore()
	deps := newTestDeps(st, &fakeBranches{}, &fakeSpawner{}, fakeResolver{}, &recordingNotifier{})
	r := NewProjectRunner(project, deps)

	slot := newSlot("keep-1", "Keep", "", "", 1, time.Now())
	r.mu.Lock()
	r.slots["keep-1"] = slot
	r.mu.Unlock()

	// listAll returns nothing for this project (e.g. a transient store
	// hiccup): slots must not be wiped.
	snap := r.Status(context.Background())
	require.Len(t, snap.ActiveTasks, 1)
}

func TestProjectRunner_CancelKillsSlotAgent(t *testing.T) {
	project := newTestProject(t, config.Defaults())
	st := store.NewMemoryStore()
	deps := newTestDeps(st, &fakeBranches{}, &fakeSpawner{}, fakeResolver{}, &recordingNotifier{})
	r := NewProjectRunner(project, deps)

	slot := newSlot("cancel-1", "Cancel", "", "", 1, time.Now())
	r.mu.Lock()
	r.slots["cancel-1"] = slot
	r.mu.Unlock()

	require.True(t, r.Cancel("cancel-1"))
	require.True(t, slot.wasKilled())
	require.False(t, r.Cancel("nonexistent"))
}

func TestProjectRunner_RespectsStop(t *testing.T) {
	project := newTestProject(t, config.Defaults())
	st := store.NewMemoryStore()
	seedTask(st, project.ID, "B-1")
	deps := newTestDeps(st, &fakeBranches{}, &fakeSpawner{}, fakeResolver{}, &recordingNotifier{})
	r := NewProjectRunner(project, deps)
	r.Stop()

	r.runLoop(context.Background())

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Empty(t, r.slots)
}

func TestProjectRunner_RunLoopClaimsPendingFeedbackFirst(t *testing.T) {
	project := newTestProject(t, config.Defaults())
	st := store.NewMemoryStore()
	deps := newTestDeps(st, &fakeBranches{}, &fakeSpawner{}, fakeResolver{}, &recordingNotifier{})

	queue := &fakeFeedbackQueue{items: []model.FeedbackItem{{ID: "fb-1", ProjectID: project.ID, Content: "button is broken"}}}
	analyst := &fakeAnalyst{}
	deps.FeedbackQueue = queue
	deps.Analyst = analyst

	r := NewProjectRunner(project, deps)
	r.runLoop(context.Background())

	analyst.mu.Lock()
	defer analyst.mu.Unlock()
	require.Len(t, analyst.handled, 1)
	require.Equal(t, "fb-1", analyst.handled[0].ID)

	queue.mu.Lock()
	defer queue.mu.Unlock()
	require.Empty(t, queue.items)
}

func TestProjectRunner_RunLoopSkipsFeedbackClaimWhenCollaboratorsUnset(t *testing.T) {
	project := newTestProject(t, config.Defaults())
	st := store.NewMemoryStore()
	deps := newTestDeps(st, &fakeBranches{}, &fakeSpawner{}, fakeResolver{}, &recordingNotifier{})
	r := NewProjectRunner(project, deps)

	// Must not panic with nil FeedbackQueue/Analyst.
	r.runLoop(context.Background())
}

func TestProjectRunner_SkipsTasksAlreadyAssignedToHuman(t *testing.T) {
	project := newTestProject(t, config.Defaults())
	st := store.NewMemoryStore()
	human := "alice"
	task := &model.Task{ID: "C-1", Title: "human owned", Status: model.StatusOpen, Assignee: &human}
	st.Seed(project.ID, task)

	deps := newTestDeps(st, &fakeBranches{}, &fakeSpawner{}, fakeResolver{}, &recordingNotifier{})
	r := NewProjectRunner(project, deps)
	r.runLoop(context.Background())

	require.False(t, r.HasSlot("C-1"))
}
