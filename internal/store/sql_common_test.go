package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opensprint/internal/model"
)

// newSQLiteTestStore opens a real SQLite-backed store in a temp dir, so
// these tests exercise the shared sqlStore query/migration/transaction
// code the production backends run on, not the in-memory double.
func newSQLiteTestStore(t *testing.T) *sqlStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s.(*sqlStore)
}

// seedSQL inserts a task row directly through the backend's own upsert,
// the same write path Update persists through.
func seedSQL(t *testing.T, s *sqlStore, projectID string, task *model.Task) {
	t.Helper()
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	require.NoError(t, s.upsert(context.Background(), projectID, task))
}

func TestSQLiteStore_ShowRoundTripsAllFields(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)

	assignee := "agent-1"
	complexity := model.ComplexityComplex
	created := time.Now().Add(-time.Hour).Round(time.Millisecond)
	started := created.Add(time.Minute)

	seedSQL(t, s, "p1", &model.Task{
		ID:          "a.1",
		Title:       "Wire the parser",
		Description: "long form text",
		Priority:    1,
		IssueType:   model.IssueFeature,
		Status:      model.StatusInProgress,
		Assignee:    &assignee,
		Labels:      []string{"attempts:2", "review-attempts:1"},
		Dependencies: []model.DependencyEdge{
			{TargetID: "a.0", Kind: model.DepBlocks},
			{TargetID: "a.9", Kind: model.DepRelated},
		},
		Complexity: &complexity,
		CreatedAt:  created,
		StartedAt:  &started,
	})

	got, err := s.Show(ctx, "p1", "a.1")
	require.NoError(t, err)
	require.Equal(t, "Wire the parser", got.Title)
	require.Equal(t, "long form text", got.Description)
	require.Equal(t, 1, got.Priority)
	require.Equal(t, model.IssueFeature, got.IssueType)
	require.Equal(t, model.StatusInProgress, got.Status)
	require.NotNil(t, got.Assignee)
	require.Equal(t, "agent-1", *got.Assignee)
	require.Equal(t, []string{"attempts:2", "review-attempts:1"}, got.Labels)
	require.Len(t, got.Dependencies, 2)
	require.Equal(t, model.DepBlocks, got.Dependencies[0].Kind)
	require.NotNil(t, got.Complexity)
	require.Equal(t, model.ComplexityComplex, *got.Complexity)
	require.WithinDuration(t, created, got.CreatedAt, time.Second)
	require.NotNil(t, got.StartedAt)
	require.WithinDuration(t, started, *got.StartedAt, time.Second)
	require.Equal(t, 2, got.CumulativeAttempts())

	_, err = s.Show(ctx, "p1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ReadyFiltersBlockersAssigneesAndOrders(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)
	t0 := time.Now().Add(-time.Hour)

	human := "alice"
	seedSQL(t, s, "p1", mustTask("a.1", 2, model.StatusOpen, t0.Add(2*time.Minute)))
	seedSQL(t, s, "p1", mustTask("a.2", 0, model.StatusOpen, t0.Add(3*time.Minute)))
	seedSQL(t, s, "p1", mustTask("a.3", 2, model.StatusOpen, t0.Add(1*time.Minute)))
	seedSQL(t, s, "p1", mustTask("a.4", 0, model.StatusOpen, t0,
		model.DependencyEdge{TargetID: "a.1", Kind: model.DepBlocks}))
	taken := mustTask("a.5", 0, model.StatusOpen, t0)
	taken.Assignee = &human
	seedSQL(t, s, "p1", taken)

	ready, err := s.Ready(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, ready, 3)
	require.Equal(t, "a.2", ready[0].ID, "priority 0 sorts first")
	require.Equal(t, "a.3", ready[1].ID, "equal priority breaks tie on createdAt")
	require.Equal(t, "a.1", ready[2].ID)

	// Closing the blocker makes a.4 eligible.
	require.NoError(t, s.Close(ctx, "p1", "a.1", "done"))
	ready, err = s.Ready(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "a.4", ready[0].ID)

	closed, err := s.AreAllBlockersClosed(ctx, "p1", "a.4")
	require.NoError(t, err)
	require.True(t, closed)
}

func TestSQLiteStore_UpdateValidatesInvariants(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)
	seedSQL(t, s, "p1", mustTask("a.1", 1, model.StatusOpen, time.Now()))

	err := s.Update(ctx, "p1", "a.1", func(task *model.Task) error {
		task.Status = model.StatusBlocked
		return nil
	})
	require.Error(t, err, "blocked without a reason must not persist")

	require.NoError(t, s.Update(ctx, "p1", "a.1", func(task *model.Task) error {
		task.Status = model.StatusBlocked
		task.CloseReason = "Coding Failure"
		return nil
	}))

	got, err := s.Show(ctx, "p1", "a.1")
	require.NoError(t, err)
	require.Equal(t, model.StatusBlocked, got.Status)
	require.Equal(t, "Coding Failure", got.CloseReason)
}

func TestSQLiteStore_CloseSetsCompletedAt(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)
	seedSQL(t, s, "p1", mustTask("a.1", 1, model.StatusOpen, time.Now()))

	require.NoError(t, s.Close(ctx, "p1", "a.1", "merged"))
	got, err := s.Show(ctx, "p1", "a.1")
	require.NoError(t, err)
	require.Equal(t, model.StatusClosed, got.Status)
	require.Equal(t, "merged", got.CloseReason)
	require.NotNil(t, got.CompletedAt)
}

func TestSQLiteStore_AttemptsLabelStaysSingleValued(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)
	seedSQL(t, s, "p1", mustTask("a.1", 1, model.StatusOpen, time.Now()))

	require.NoError(t, s.SetCumulativeAttempts(ctx, "p1", "a.1", 1))
	require.NoError(t, s.SetCumulativeAttempts(ctx, "p1", "a.1", 2))
	require.NoError(t, s.SetReviewAttempts(ctx, "p1", "a.1", 1))

	n, err := s.GetCumulativeAttempts(ctx, "p1", "a.1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	r, err := s.GetReviewAttempts(ctx, "p1", "a.1")
	require.NoError(t, err)
	require.Equal(t, 1, r)

	got, err := s.Show(ctx, "p1", "a.1")
	require.NoError(t, err)
	require.NoError(t, got.Validate())
}

func TestSQLiteStore_RunWriteCommitsAsOneTransaction(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)
	seedSQL(t, s, "p1", mustTask("a.1", 1, model.StatusOpen, time.Now()))

	err := s.RunWrite(ctx, "p1", func(ctx context.Context, tx Store) error {
		if err := tx.AddLabel(ctx, "p1", "a.1", "needs-review"); err != nil {
			return err
		}
		return tx.Close(ctx, "p1", "a.1", "merged")
	})
	require.NoError(t, err)

	got, err := s.Show(ctx, "p1", "a.1")
	require.NoError(t, err)
	require.Equal(t, model.StatusClosed, got.Status)
	require.Contains(t, got.Labels, "needs-review")
}

func TestSQLiteStore_RunWriteRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)
	seedSQL(t, s, "p1", mustTask("a.1", 1, model.StatusOpen, time.Now()))

	boom := errors.New("boom")
	err := s.RunWrite(ctx, "p1", func(ctx context.Context, tx Store) error {
		if err := tx.AddLabel(ctx, "p1", "a.1", "half-done"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Show(ctx, "p1", "a.1")
	require.NoError(t, err)
	require.NotContains(t, got.Labels, "half-done", "failed transaction must leave no trace")
	require.Equal(t, model.StatusOpen, got.Status)
}

func TestSQLiteStore_GetStatusMapAndListAll(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)
	seedSQL(t, s, "p1", mustTask("a.1", 1, model.StatusOpen, time.Now()))
	seedSQL(t, s, "p1", mustTask("a.2", 1, model.StatusClosed, time.Now()))

	statuses, err := s.GetStatusMap(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, map[string]model.Status{"a.1": model.StatusOpen, "a.2": model.StatusClosed}, statuses)

	all, err := s.ListAll(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a.1", all[0].ID, "ListAll orders by id")

	other, err := s.ListAll(ctx, "p2")
	require.NoError(t, err)
	require.Empty(t, other, "projects are isolated")
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.db")

	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	seedSQL(t, s1.(*sqlStore), "p1", mustTask("a.1", 1, model.StatusOpen, time.Now()))
	require.NoError(t, s1.Shutdown())

	// Reopening the same file re-runs migrate over the existing schema
	// and keeps the rows.
	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Shutdown()

	got, err := s2.Show(context.Background(), "p1", "a.1")
	require.NoError(t, err)
	require.Equal(t, "a.1", got.ID)
}

func TestDialects(t *testing.T) {
	require.Equal(t, "?", sqliteDialect{}.placeholder(1))
	require.Equal(t, "?", sqliteDialect{}.placeholder(7))
	require.Equal(t, "$1", postgresDialect{}.placeholder(1))
	require.Equal(t, "$16", postgresDialect{}.placeholder(16))

	require.Equal(t, "?, ?, ?", placeholderList(sqliteDialect{}, 3))
	require.Equal(t, "$1, $2, $3", placeholderList(postgresDialect{}, 3))

	for _, d := range []sqlDialect{sqliteDialect{}, postgresDialect{}} {
		clause := d.upsertTaskClause()
		require.Contains(t, clause, "ON CONFLICT (project_id, id) DO UPDATE SET")
		require.Contains(t, clause, "updated_at=excluded.updated_at")
	}
}
