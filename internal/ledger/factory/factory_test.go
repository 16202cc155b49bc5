package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/hpcattach/internal/ledger"
	sq "github.com/loykin/hpcattach/internal/ledger/sqlite"
)

func TestNewFromDSN(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "l.db")

	cases := []struct {
		dsn     string
		wantErr bool
	}{
		{"", true},
		{"redis://localhost", true},
		{"memory://", false},
		{"sqlite://" + file, false},
		{file, false},
		{"sqlite://:memory:", false},
	}
	for _, c := range cases {
		l, err := NewFromDSN(ctx, c.dsn)
		if c.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", c.dsn)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", c.dsn, err)
		}
		if err := l.Mark(ctx, []ledger.Entry{{SessionID: "x", Dest: "a", Digest: "d", Package: "p"}}); err != nil {
			t.Fatalf("%q: mark: %v", c.dsn, err)
		}
		_ = l.Close()
	}

	l, err := NewFromDSN(ctx, "memory")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*ledger.Memory); !ok {
		t.Fatalf("expected memory ledger, got %T", l)
	}
	l, err = NewFromDSN(ctx, file)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(*sq.DB); !ok {
		t.Fatalf("expected sqlite ledger, got %T", l)
	}
	_ = l.Close()
}
