package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"opensprint/internal/model"
)

// sqlDialect isolates the handful of differences between the SQLite and
// Postgres backends: placeholder syntax and the upsert clause. Both
// backends share every query and the migration set below.
type sqlDialect interface {
	placeholder(n int) string
	upsertTaskClause() string
}

// sqlStore implements Store on top of database/sql for any driver that
// speaks ordinary SQL. NewSQLiteStore and NewPostgresStore are thin
// constructors around this type.
// dbConn is the subset of *sql.DB / *sql.Tx that sqlStore needs, letting
// RunWrite swap in a transaction without changing any query code.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// txBeginner is implemented by *sql.DB but not *sql.Tx, letting RunWrite
// detect whether it is already running inside a transaction.
type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

type sqlStore struct {
	db      dbConn
	closer  interface{ Close() error }
	dialect sqlDialect
}

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	project_id    TEXT NOT NULL,
	id            TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	priority      INTEGER NOT NULL DEFAULT 2,
	issue_type    TEXT NOT NULL DEFAULT 'task',
	status        TEXT NOT NULL DEFAULT 'open',
	close_reason  TEXT NOT NULL DEFAULT '',
	assignee      TEXT,
	labels        TEXT NOT NULL DEFAULT '[]',
	dependencies  TEXT NOT NULL DEFAULT '[]',
	complexity    TEXT,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	completed_at  TIMESTAMP,
	PRIMARY KEY (project_id, id)
);`

const createTasksIndex = `
CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks (project_id, status);`

func (s *sqlStore) migrate() error {
	for _, q := range []string{createTasksTable, createTasksIndex} {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type taskRow struct {
	Title        string
	Description  string
	Priority     int
	IssueType    string
	Status       string
	CloseReason  string
	Assignee     sql.NullString
	Labels       string
	Dependencies string
	Complexity   sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
}

func encodeTask(t *model.Task) (labels, deps string, err error) {
	lb, err := json.Marshal(t.Labels)
	if err != nil {
		return "", "", err
	}
	db, err := json.Marshal(t.Dependencies)
	if err != nil {
		return "", "", err
	}
	return string(lb), string(db), nil
}

func decodeTask(projectID, id string, r taskRow) (*model.Task, error) {
	t := &model.Task{
		ID:          id,
		Title:       r.Title,
		Description: r.Description,
		Priority:    r.Priority,
		IssueType:   model.IssueType(r.IssueType),
		Status:      model.Status(r.Status),
		CloseReason: r.CloseReason,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Assignee.Valid {
		a := r.Assignee.String
		t.Assignee = &a
	}
	if r.Complexity.Valid {
		c := model.Complexity(r.Complexity.String)
		t.Complexity = &c
	}
	if r.StartedAt.Valid {
		st := r.StartedAt.Time
		t.StartedAt = &st
	}
	if r.CompletedAt.Valid {
		ct := r.CompletedAt.Time
		t.CompletedAt = &ct
	}
	if r.Labels != "" {
		if err := json.Unmarshal([]byte(r.Labels), &t.Labels); err != nil {
			return nil, fmt.Errorf("decode labels for %s: %w", id, err)
		}
	}
	if r.Dependencies != "" {
		if err := json.Unmarshal([]byte(r.Dependencies), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies for %s: %w", id, err)
		}
	}
	return t, nil
}

func (s *sqlStore) selectQuery(where string) string {
	cols := "id, title, description, priority, issue_type, status, close_reason, assignee, labels, dependencies, complexity, created_at, updated_at, started_at, completed_at"
	return fmt.Sprintf("SELECT %s FROM tasks WHERE project_id = %s%s", cols, s.dialect.placeholder(1), where)
}

func (s *sqlStore) scanTasks(ctx context.Context, projectID, where string, args ...interface{}) ([]*model.Task, error) {
	query := s.selectQuery(where)
	allArgs := append([]interface{}{projectID}, args...)
	rows, err := s.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var id string
		var r taskRow
		if err := rows.Scan(&id, &r.Title, &r.Description, &r.Priority, &r.IssueType, &r.Status, &r.CloseReason,
			&r.Assignee, &r.Labels, &r.Dependencies, &r.Complexity, &r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t, err := decodeTask(projectID, id, r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) Show(ctx context.Context, projectID, taskID string) (*model.Task, error) {
	ph2 := s.dialect.placeholder(2)
	tasks, err := s.scanTasks(ctx, projectID, fmt.Sprintf(" AND id = %s", ph2), taskID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNotFound
	}
	return tasks[0], nil
}

func (s *sqlStore) ListAll(ctx context.Context, projectID string) ([]*model.Task, error) {
	return s.scanTasks(ctx, projectID, " ORDER BY id ASC")
}

func (s *sqlStore) Ready(ctx context.Context, projectID string) ([]*model.Task, error) {
	all, err := s.scanTasks(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	var out []*model.Task
	for _, t := range all {
		if t.Status != model.StatusOpen {
			continue
		}
		if !model.IsAgentPlaceholder(t.Assignee) {
			continue
		}
		if !blockersClosed(byID, t) {
			continue
		}
		out = append(out, t)
	}
	sortTasksByPriorityThenAge(out)
	return out, nil
}

func blockersClosed(byID map[string]*model.Task, t *model.Task) bool {
	for _, dep := range t.Dependencies {
		if dep.Kind != model.DepBlocks {
			continue
		}
		b, ok := byID[dep.TargetID]
		if !ok || b.Status != model.StatusClosed {
			return false
		}
	}
	return true
}

func sortTasksByPriorityThenAge(tasks []*model.Task) {
	for i := 1; i < len(tasks); i++ {
		j := i
		for j > 0 && less(tasks[j], tasks[j-1]) {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
			j--
		}
	}
}

func less(a, b *model.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *sqlStore) upsert(ctx context.Context, projectID string, t *model.Task) error {
	labels, deps, err := encodeTask(t)
	if err != nil {
		return err
	}
	var complexity interface{}
	if t.Complexity != nil {
		complexity = string(*t.Complexity)
	}
	var assignee interface{}
	if t.Assignee != nil {
		assignee = *t.Assignee
	}
	var started, completed interface{}
	if t.StartedAt != nil {
		started = *t.StartedAt
	}
	if t.CompletedAt != nil {
		completed = *t.CompletedAt
	}

	query := fmt.Sprintf(`INSERT INTO tasks
		(project_id, id, title, description, priority, issue_type, status, close_reason, assignee, labels, dependencies, complexity, created_at, updated_at, started_at, completed_at)
		VALUES (%s)
		%s`,
		placeholderList(s.dialect, 16),
		s.dialect.upsertTaskClause(),
	)
	_, err = s.db.ExecContext(ctx, query,
		projectID, t.ID, t.Title, t.Description, t.Priority, string(t.IssueType), string(t.Status), t.CloseReason,
		assignee, labels, deps, complexity, t.CreatedAt, t.UpdatedAt, started, completed)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

func placeholderList(d sqlDialect, n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ", "
		}
		out += d.placeholder(i)
	}
	return out
}

func (s *sqlStore) Update(ctx context.Context, projectID, taskID string, fn func(*model.Task) error) error {
	t, err := s.Show(ctx, projectID, taskID)
	if err != nil {
		return err
	}
	created := t.CreatedAt
	if err := fn(t); err != nil {
		return err
	}
	t.ID = taskID
	t.CreatedAt = created
	t.UpdatedAt = now()
	if err := t.Validate(); err != nil {
		return err
	}
	return s.upsert(ctx, projectID, t)
}

func (s *sqlStore) Close(ctx context.Context, projectID, taskID, reason string) error {
	return s.Update(ctx, projectID, taskID, func(t *model.Task) error {
		t.Status = model.StatusClosed
		t.CloseReason = reason
		ts := now()
		t.CompletedAt = &ts
		return nil
	})
}

func (s *sqlStore) AddLabel(ctx context.Context, projectID, taskID, label string) error {
	return s.Update(ctx, projectID, taskID, func(t *model.Task) error {
		for _, l := range t.Labels {
			if l == label {
				return nil
			}
		}
		t.Labels = append(t.Labels, label)
		return nil
	})
}

func (s *sqlStore) RemoveLabel(ctx context.Context, projectID, taskID, label string) error {
	return s.Update(ctx, projectID, taskID, func(t *model.Task) error {
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

func (s *sqlStore) GetCumulativeAttempts(ctx context.Context, projectID, taskID string) (int, error) {
	t, err := s.Show(ctx, projectID, taskID)
	if err != nil {
		return 0, err
	}
	return t.CumulativeAttempts(), nil
}

func (s *sqlStore) SetCumulativeAttempts(ctx context.Context, projectID, taskID string, n int) error {
	return s.Update(ctx, projectID, taskID, func(t *model.Task) error {
		t.Labels = model.WithAttempts(t.Labels, n)
		return nil
	})
}

func (s *sqlStore) GetReviewAttempts(ctx context.Context, projectID, taskID string) (int, error) {
	t, err := s.Show(ctx, projectID, taskID)
	if err != nil {
		return 0, err
	}
	return t.ReviewAttempts(), nil
}

func (s *sqlStore) SetReviewAttempts(ctx context.Context, projectID, taskID string, n int) error {
	return s.Update(ctx, projectID, taskID, func(t *model.Task) error {
		t.Labels = model.WithReviewAttempts(t.Labels, n)
		return nil
	})
}

func (s *sqlStore) AreAllBlockersClosed(ctx context.Context, projectID, taskID string) (bool, error) {
	t, err := s.Show(ctx, projectID, taskID)
	if err != nil {
		return false, err
	}
	all, err := s.scanTasks(ctx, projectID, "")
	if err != nil {
		return false, err
	}
	byID := make(map[string]*model.Task, len(all))
	for _, ot := range all {
		byID[ot.ID] = ot
	}
	return blockersClosed(byID, t), nil
}

func (s *sqlStore) GetStatusMap(ctx context.Context, projectID string) (map[string]model.Status, error) {
	all, err := s.scanTasks(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Status, len(all))
	for _, t := range all {
		out[t.ID] = t.Status
	}
	return out, nil
}

// RunWrite wraps fn in a real SQL transaction: fn runs against a second
// sqlStore whose dbConn is the *sql.Tx, so every query it makes goes
// through the transaction, and an error from fn rolls it back. Writers
// are serialized by the database's own locking (SQLite's busy_timeout,
// Postgres's row locks).
func (s *sqlStore) RunWrite(ctx context.Context, projectID string, fn func(ctx context.Context, tx Store) error) error {
	beginner, ok := s.db.(txBeginner)
	if !ok {
		// Already running inside a transaction (nested RunWrite): reuse it.
		return fn(ctx, s)
	}
	sqlTx, err := beginner.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txBacked := &sqlStore{db: sqlTx, dialect: s.dialect}
	if err := fn(ctx, txBacked); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *sqlStore) Shutdown() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
