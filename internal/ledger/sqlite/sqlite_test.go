package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/hpcattach/internal/ledger"
)

func TestSQLiteLedger(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	first := []ledger.Entry{
		{SessionID: "s1", Dest: "bin/tool", Digest: "aa", Size: 10, Package: "stage1.tar.gz"},
		{SessionID: "s1", Dest: "lib/libtool.so", Digest: "bb", Size: 20, Package: "stage1.tar.gz"},
	}
	if err := db.Mark(ctx, first); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := db.Mark(ctx, []ledger.Entry{{SessionID: "s1", Dest: "bin/tool", Digest: "aa", Size: 10, Package: "stage2.tar.gz"}}); err != nil {
		t.Fatalf("re-mark: %v", err)
	}

	got, err := db.Shipped(ctx, "s1")
	if err != nil {
		t.Fatalf("shipped: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Dest != "bin/tool" || got[0].Package != "stage2.tar.gz" || got[1].Size != 20 {
		t.Fatalf("unexpected entries: %+v", got)
	}
	if got[0].ShippedAt.IsZero() {
		t.Fatalf("ship time missing")
	}

	if err := db.Forget(ctx, "s1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if got, _ := db.Shipped(ctx, "s1"); len(got) != 0 {
		t.Fatalf("expected empty ledger after forget, got %+v", got)
	}
}

func TestSQLiteLedgerEmptyPath(t *testing.T) {
	if _, err := New(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
