package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type postgresDialect struct{}

func (postgresDialect) placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresDialect) upsertTaskClause() string {
	return `ON CONFLICT (project_id, id) DO UPDATE SET
		title=excluded.title, description=excluded.description, priority=excluded.priority,
		issue_type=excluded.issue_type, status=excluded.status, close_reason=excluded.close_reason,
		assignee=excluded.assignee, labels=excluded.labels, dependencies=excluded.dependencies,
		complexity=excluded.complexity, updated_at=excluded.updated_at, started_at=excluded.started_at,
		completed_at=excluded.completed_at`
}

// NewPostgresStore opens a Postgres-backed Store via lib/pq.
func NewPostgresStore(dsn string) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres store: %w", err)
	}

	s := &sqlStore{db: db, closer: db, dialect: postgresDialect{}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
