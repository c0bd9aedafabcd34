package store

import (
	"context"
	"sort"
	"sync"

	"opensprint/internal/model"
)

// MemoryStore is an in-process Store used by the core's own tests and by
// any caller that does not need durability (e.g. a dry-run CLI). It is
// safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	byProj  map[string]map[string]*model.Task
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byProj: make(map[string]map[string]*model.Task)}
}

// Seed inserts or replaces a task, for use by tests setting up fixtures.
func (m *MemoryStore) Seed(projectID string, t *model.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projectLocked(projectID)[t.ID] = cloneTask(t)
}

func (m *MemoryStore) projectLocked(projectID string) map[string]*model.Task {
	p, ok := m.byProj[projectID]
	if !ok {
		p = make(map[string]*model.Task)
		m.byProj[projectID] = p
	}
	return p
}

func cloneTask(t *model.Task) *model.Task {
	cp := *t
	cp.Labels = append([]string(nil), t.Labels...)
	cp.Dependencies = append([]model.DependencyEdge(nil), t.Dependencies...)
	if t.Assignee != nil {
		a := *t.Assignee
		cp.Assignee = &a
	}
	if t.Complexity != nil {
		c := *t.Complexity
		cp.Complexity = &c
	}
	return &cp
}

func (m *MemoryStore) Ready(ctx context.Context, projectID string) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	proj := m.projectLocked(projectID)
	var out []*model.Task
	for _, t := range proj {
		if t.Status != model.StatusOpen {
			continue
		}
		if !model.IsAgentPlaceholder(t.Assignee) {
			continue
		}
		if !allBlockersClosedLocked(proj, t) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func allBlockersClosedLocked(proj map[string]*model.Task, t *model.Task) bool {
	for _, dep := range t.Dependencies {
		if dep.Kind != model.DepBlocks {
			continue
		}
		blocker, ok := proj[dep.TargetID]
		if !ok {
			// Unknown blocker: conservatively treat as not closed.
			return false
		}
		if blocker.Status != model.StatusClosed {
			return false
		}
	}
	return true
}

func (m *MemoryStore) Show(ctx context.Context, projectID, taskID string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.projectLocked(projectID)[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *MemoryStore) ListAll(ctx context.Context, projectID string) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proj, ok := m.byProj[projectID]
	if !ok {
		return nil, nil
	}
	out := make([]*model.Task, 0, len(proj))
	for _, t := range proj {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, projectID, taskID string, fn func(*model.Task) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	proj := m.projectLocked(projectID)
	t, ok := proj[taskID]
	if !ok {
		return ErrNotFound
	}
	work := cloneTask(t)
	if err := fn(work); err != nil {
		return err
	}
	work.ID = t.ID
	work.CreatedAt = t.CreatedAt
	work.UpdatedAt = now()
	if err := work.Validate(); err != nil {
		return err
	}
	proj[taskID] = work
	return nil
}

func (m *MemoryStore) Close(ctx context.Context, projectID, taskID, reason string) error {
	return m.Update(ctx, projectID, taskID, func(t *model.Task) error {
		t.Status = model.StatusClosed
		t.CloseReason = reason
		ts := now()
		t.CompletedAt = &ts
		return nil
	})
}

func (m *MemoryStore) AddLabel(ctx context.Context, projectID, taskID, label string) error {
	return m.Update(ctx, projectID, taskID, func(t *model.Task) error {
		for _, l := range t.Labels {
			if l == label {
				return nil
			}
		}
		t.Labels = append(t.Labels, label)
		return nil
	})
}

func (m *MemoryStore) RemoveLabel(ctx context.Context, projectID, taskID, label string) error {
	return m.Update(ctx, projectID, taskID, func(t *model.Task) error {
		out := t.Labels[:0]
		for _, l := range t.Labels {
			if l != label {
				out = append(out, l)
			}
		}
		t.Labels = out
		return nil
	})
}

func (m *MemoryStore) GetCumulativeAttempts(ctx context.Context, projectID, taskID string) (int, error) {
	t, err := m.Show(ctx, projectID, taskID)
	if err != nil {
		return 0, err
	}
	return t.CumulativeAttempts(), nil
}

func (m *MemoryStore) SetCumulativeAttempts(ctx context.Context, projectID, taskID string, n int) error {
	return m.Update(ctx, projectID, taskID, func(t *model.Task) error {
		t.Labels = model.WithAttempts(t.Labels, n)
		return nil
	})
}

func (m *MemoryStore) GetReviewAttempts(ctx context.Context, projectID, taskID string) (int, error) {
	t, err := m.Show(ctx, projectID, taskID)
	if err != nil {
		return 0, err
	}
	return t.ReviewAttempts(), nil
}

func (m *MemoryStore) SetReviewAttempts(ctx context.Context, projectID, taskID string, n int) error {
	return m.Update(ctx, projectID, taskID, func(t *model.Task) error {
		t.Labels = model.WithReviewAttempts(t.Labels, n)
		return nil
	})
}

func (m *MemoryStore) AreAllBlockersClosed(ctx context.Context, projectID, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proj := m.projectLocked(projectID)
	t, ok := proj[taskID]
	if !ok {
		return false, ErrNotFound
	}
	return allBlockersClosedLocked(proj, t), nil
}

func (m *MemoryStore) GetStatusMap(ctx context.Context, projectID string) (map[string]model.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proj := m.projectLocked(projectID)
	out := make(map[string]model.Status, len(proj))
	for id, t := range proj {
		out[id] = t.Status
	}
	return out, nil
}

// RunWrite on MemoryStore runs fn against the store itself: each inner
// call locks the store's mutex individually, so fn's operations are
// serialized per call but not atomic as a group. The SQL backends wrap
// fn in a real transaction; tests that need group atomicity should use
// one of those.
func (m *MemoryStore) RunWrite(ctx context.Context, projectID string, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, m)
}

func (m *MemoryStore) Shutdown() error { return nil }

var _ Store = (*MemoryStore)(nil)
