// Package store is the TaskStore façade the execution core depends on.
// It is deliberately narrow: Ready/Show/ListAll/Update/Close/labels/
// attempts/blockers/status-map/RunWrite. Two real backends are provided
// (SQLite via modernc.org/sqlite, Postgres via lib/pq), plus an
// in-memory implementation used by the core's own unit tests.
package store

import (
	"context"
	"fmt"
	"time"

	"opensprint/internal/model"
)

// ErrNotFound is returned by Show/Update/Close when a task ID does not
// exist in the given project.
var ErrNotFound = fmt.Errorf("task not found")

// Store is the contract the Execute core consumes from the task store.
// All methods are scoped to a single project.
type Store interface {
	// Ready returns tasks eligible for admission now:
	// status=open, all "blocks" dependencies closed, not yet assigned to
	// a real operator, sorted by (priority asc, createdAt asc).
	Ready(ctx context.Context, projectID string) ([]*model.Task, error)

	Show(ctx context.Context, projectID, taskID string) (*model.Task, error)
	ListAll(ctx context.Context, projectID string) ([]*model.Task, error)

	// Update applies fn to the current task row inside a single
	// read-modify-write and persists the result. fn mutating the task's
	// ID or CreatedAt is ignored.
	Update(ctx context.Context, projectID, taskID string, fn func(*model.Task) error) error

	// Close sets status=closed, completedAt=now, and the given reason.
	Close(ctx context.Context, projectID, taskID, reason string) error

	AddLabel(ctx context.Context, projectID, taskID, label string) error
	RemoveLabel(ctx context.Context, projectID, taskID, label string) error

	GetCumulativeAttempts(ctx context.Context, projectID, taskID string) (int, error)
	SetCumulativeAttempts(ctx context.Context, projectID, taskID string, n int) error
	GetReviewAttempts(ctx context.Context, projectID, taskID string) (int, error)
	SetReviewAttempts(ctx context.Context, projectID, taskID string, n int) error

	AreAllBlockersClosed(ctx context.Context, projectID, taskID string) (bool, error)

	GetStatusMap(ctx context.Context, projectID string) (map[string]model.Status, error)

	// RunWrite executes fn inside one database transaction (at the
	// driver's default isolation level) on the SQL backends; MemoryStore
	// runs fn without a transaction. The core treats the store as linearizable for the
	// rows it touches; callers that need several mutations
	// to be atomic (e.g. close-task-and-clear-assignee) use this instead
	// of two separate calls.
	RunWrite(ctx context.Context, projectID string, fn func(ctx context.Context, tx Store) error) error

	Shutdown() error
}

// Config selects and configures a Store backend.
type Config struct {
	Type             string // "sqlite", "postgres", or "memory"
	ConnectionString string
}

// New constructs a Store from Config, defaulting to SQLite when Type is
// empty.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "postgres", "postgresql":
		if cfg.ConnectionString == "" {
			return nil, fmt.Errorf("postgres connection string is required")
		}
		return NewPostgresStore(cfg.ConnectionString)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3", "":
		dsn := cfg.ConnectionString
		if dsn == "" {
			dsn = "opensprint.db"
		}
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

func now() time.Time { return time.Now().UTC() }
