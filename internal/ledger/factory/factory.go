package factory

import (
	"context"
	"errors"
	"strings"

	"github.com/loykin/hpcattach/internal/ledger"
	pg "github.com/loykin/hpcattach/internal/ledger/postgres"
	sq "github.com/loykin/hpcattach/internal/ledger/sqlite"
)

// NewFromDSN selects a ledger implementation based on DSN and ensures its
// schema.
// Supported:
//   - memory:   "memory://" (process lifetime only)
//   - sqlite:   "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(ctx context.Context, dsn string) (ledger.Ledger, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	var (
		l   ledger.Ledger
		err error
	)
	switch {
	case ld == "memory://" || ld == "memory":
		l = ledger.NewMemory()
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		l, err = pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		l, err = sq.New(d[len("sqlite://"):])
	case strings.Contains(ld, "://"):
		return nil, errors.New("unsupported ledger DSN: " + d)
	default:
		l, err = sq.New(d)
	}
	if err != nil {
		return nil, err
	}
	if err := l.EnsureSchema(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}
