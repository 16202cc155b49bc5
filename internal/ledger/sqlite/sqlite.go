package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/hpcattach/internal/ledger"
)

// DB implements ledger.Ledger for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS shipped_file(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			dest TEXT NOT NULL,
			digest TEXT NOT NULL,
			size INTEGER NOT NULL,
			package TEXT NOT NULL,
			shipped_at TIMESTAMP NOT NULL,
			UNIQUE(session_id, dest)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_shipped_file_session ON shipped_file(session_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

// Mark records all entries in one transaction.
func (s *DB) Mark(ctx context.Context, entries []ledger.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, e := range entries {
		at := e.ShippedAt
		if at.IsZero() {
			at = time.Now()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO shipped_file(session_id, dest, digest, size, package, shipped_at)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, dest) DO UPDATE SET
				digest=excluded.digest,
				size=excluded.size,
				package=excluded.package,
				shipped_at=excluded.shipped_at;`,
			e.SessionID, e.Dest, e.Digest, e.Size, e.Package, at.UTC())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *DB) Shipped(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, dest, digest, size, package, shipped_at
		FROM shipped_file
		WHERE session_id=?
		ORDER BY id;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (s *DB) Forget(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shipped_file WHERE session_id=?;`, sessionID)
	return err
}

func scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	out := make([]ledger.Entry, 0)
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.SessionID, &e.Dest, &e.Digest, &e.Size, &e.Package, &e.ShippedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
