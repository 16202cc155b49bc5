package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/hpcattach/internal/ledger"
)

// DB implements ledger.Ledger on PostgreSQL through the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS shipped_file(
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			dest TEXT NOT NULL,
			digest TEXT NOT NULL,
			size BIGINT NOT NULL,
			package TEXT NOT NULL,
			shipped_at TIMESTAMPTZ NOT NULL,
			UNIQUE(session_id, dest)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_shipped_file_session ON shipped_file(session_id);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Mark(ctx context.Context, entries []ledger.Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
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
			VALUES($1, $2, $3, $4, $5, $6)
			ON CONFLICT(session_id, dest) DO UPDATE SET
				digest=EXCLUDED.digest,
				size=EXCLUDED.size,
				package=EXCLUDED.package,
				shipped_at=EXCLUDED.shipped_at;`,
			e.SessionID, e.Dest, e.Digest, e.Size, e.Package, at.UTC())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *DB) Shipped(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, dest, digest, size, package, shipped_at
		FROM shipped_file
		WHERE session_id=$1
		ORDER BY id;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

func (p *DB) Forget(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM shipped_file WHERE session_id=$1;`, sessionID)
	return err
}
