package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Dialect is the SQL flavour of a relational sink.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// SQLTable appends events to the attach_history table of a database/sql
// handle. The postgres and sqlite sinks are thin wrappers around it.
type SQLTable struct {
	DB      *sql.DB
	Dialect Dialect
}

func (t SQLTable) timestampType() string {
	if t.Dialect == Postgres {
		return "TIMESTAMPTZ NOT NULL DEFAULT NOW()"
	}
	return "TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP)"
}

// EnsureSchema creates the table and its job and session indexes.
func (t SQLTable) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS attach_history(
			occurred_at %s,
			event TEXT NOT NULL,
			variant TEXT NOT NULL,
			job_id TEXT NOT NULL,
			session_id TEXT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			detail TEXT NULL,
			error TEXT NULL
		)`, t.timestampType()),
		`CREATE INDEX IF NOT EXISTS idx_attach_history_job ON attach_history(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attach_history_session ON attach_history(session_id)`,
	}
	for _, q := range stmts {
		if _, err := t.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("attach_history schema: %w", err)
		}
	}
	return nil
}

var historyColumns = []string{"occurred_at", "event", "variant", "job_id", "session_id", "count", "detail", "error"}

func (t SQLTable) insertStmt() string {
	marks := make([]string, len(historyColumns))
	for i := range marks {
		if t.Dialect == Postgres {
			marks[i] = fmt.Sprintf("$%d", i+1)
		} else {
			marks[i] = "?"
		}
	}
	return "INSERT INTO attach_history(" + strings.Join(historyColumns, ", ") + ") VALUES(" + strings.Join(marks, ", ") + ")"
}

// Insert appends one row for e.
func (t SQLTable) Insert(ctx context.Context, e Event) error {
	_, err := t.DB.ExecContext(ctx, t.insertStmt(),
		e.OccurredAt.UTC(), string(e.Type), e.Variant, e.JobID,
		nullString(e.SessionID), e.Count, nullString(e.Detail), nullString(e.Error))
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
