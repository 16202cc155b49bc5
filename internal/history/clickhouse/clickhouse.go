// Package clickhouse appends attach history to a MergeTree table over the
// native protocol.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/hpcattach/internal/history"
)

// Options addresses the server and table. Zero values fall back to the
// server's default database and user.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, table string) (*Sink, error) {
	return Open(context.Background(), Options{Addr: addr, Table: table})
}

// Open connects, pings and creates the table when missing.
func Open(ctx context.Context, o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "attach_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr:        []string{o.Addr},
		Auth:        clickhouse.Auth{Database: o.Database, Username: o.Username, Password: o.Password},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse %s: %w", o.Addr, err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse %s: %w", o.Addr, err)
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		type LowCardinality(String),
		occurred_at DateTime64(6),
		variant LowCardinality(String),
		job_id String,
		session_id String,
		count UInt32,
		detail String,
		error String
	) ENGINE = MergeTree() ORDER BY (job_id, occurred_at)`
	if err := conn.Exec(ctx, ddl); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse table %s: %w", s.table, err)
	}
	return s, nil
}

// Send appends e as a single-row batch.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("clickhouse batch: %w", err)
	}
	if err := batch.Append(string(e.Type), e.OccurredAt, e.Variant, e.JobID, e.SessionID, uint32(max(e.Count, 0)), e.Detail, e.Error); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("clickhouse append: %w", err)
	}
	return batch.Send()
}

func (s *Sink) Close() error { return s.conn.Close() }
