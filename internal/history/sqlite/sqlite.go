// Package sqlite keeps attach history in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/hpcattach/internal/history"
)

type Sink struct {
	db    *sql.DB
	table history.SQLTable
}

// New accepts "sqlite:///path/file.db", "sqlite://:memory:", a bare path or
// ":memory:".
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	if len(path) >= len("sqlite://") && strings.EqualFold(path[:len("sqlite://")], "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=3000"); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Sink{db: db, table: history.SQLTable{DB: db, Dialect: history.SQLite}}
	if err := s.table.EnsureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error { return s.table.Insert(ctx, e) }

func (s *Sink) Close() error { return s.db.Close() }
