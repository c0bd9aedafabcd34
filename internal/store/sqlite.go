package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

type sqliteDialect struct{}

func (sqliteDialect) placeholder(int) string  { return "?" }
func (sqliteDialect) upsertTaskClause() string {
	return `ON CONFLICT (project_id, id) DO UPDATE SET
		title=excluded.title, description=excluded.description, priority=excluded.priority,
		issue_type=excluded.issue_type, status=excluded.status, close_reason=excluded.close_reason,
		assignee=excluded.assignee, labels=excluded.labels, dependencies=excluded.dependencies,
		complexity=excluded.complexity, updated_at=excluded.updated_at, started_at=excluded.started_at,
		completed_at=excluded.completed_at`
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed Store,
// enabling WAL mode and a busy timeout so concurrent ProjectRunners
// writing to the same file don't immediately collide on SQLITE_BUSY.
func NewSQLiteStore(path string) (Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	s := &sqlStore{db: db, closer: db, dialect: sqliteDialect{}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
