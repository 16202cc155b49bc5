package mpir

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveELFSelf(t *testing.T) {
	syms, err := ResolveELF(os.Getpid())
	require.NoError(t, err)
	addr, err := syms.Lookup("github.com/loykin/hpcattach/internal/mpir.decodeProcTable")
	if errors.Is(err, ErrSymbolNotFound) {
		t.Skip("test binary built without a symbol table")
	}
	require.NoError(t, err)
	require.Equal(t, reflect.ValueOf(decodeProcTable).Pointer(), addr)

	_, err = syms.Lookup("MPIR_definitely_missing")
	require.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestPtraceSpawnRunsToExit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr, err := NewPtraceBackend().Spawn(ctx, SpawnSpec{Argv: []string{"/bin/true"}})
	if err != nil {
		t.Skipf("ptrace unavailable: %v", err)
	}
	pc, err := tr.PC()
	require.NoError(t, err)
	require.NotZero(t, pc)
	b, err := tr.ReadMemory(pc, 4)
	require.NoError(t, err)
	require.Len(t, b, 4)

	require.NoError(t, tr.Cont(0))
	st, err := tr.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StopExited, st.Kind)
	require.Equal(t, 0, st.Status)
	require.NoError(t, tr.Kill())
}
