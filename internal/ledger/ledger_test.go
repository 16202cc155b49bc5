package ledger

import (
	"context"
	"testing"
)

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	if err := l.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	err := l.Mark(ctx, []Entry{
		{SessionID: "a", Dest: "bin/tool", Digest: "d1", Package: "cti_daemonX1.tar.gz"},
		{SessionID: "a", Dest: "lib/libx.so", Digest: "d2", Package: "cti_daemonX1.tar.gz"},
		{SessionID: "b", Dest: "bin/tool", Digest: "d1", Package: "cti_daemonY1.tar.gz"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Mark(ctx, []Entry{{SessionID: "a", Dest: "conf", Digest: "d3", Package: "cti_daemonX2.tar.gz"}}); err != nil {
		t.Fatal(err)
	}

	got, _ := l.Shipped(ctx, "a")
	if len(got) != 3 || got[0].Dest != "bin/tool" || got[2].Dest != "conf" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	if got[0].ShippedAt.IsZero() {
		t.Fatalf("ship time not stamped")
	}
	pk := Packages(got)
	if len(pk) != 2 || pk[0] != "cti_daemonX1.tar.gz" || pk[1] != "cti_daemonX2.tar.gz" {
		t.Fatalf("unexpected packages: %v", pk)
	}

	if err := l.Forget(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if got, _ := l.Shipped(ctx, "a"); len(got) != 0 {
		t.Fatalf("forget left %d entries", len(got))
	}
	if got, _ := l.Shipped(ctx, "b"); len(got) != 1 {
		t.Fatalf("forget touched another session: %+v", got)
	}
}
