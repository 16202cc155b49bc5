package overwatch

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/hpcattach/internal/process"
	"github.com/loykin/hpcattach/internal/wire"
)

const helperEnv = "HPCATTACH_TEST_OVERWATCH"

// TestHelperOverwatch is the overwatch binary when re-executed by tests.
func TestHelperOverwatch(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process")
	}
	err := Serve(context.Background(), os.Stdin, os.Stdout, Config{Grace: 500 * time.Millisecond})
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func startSleep(t *testing.T, script string) *process.Process {
	t.Helper()
	p := process.New(process.Spec{Name: "victim", Path: "sh", Args: []string{"-c", script}})
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Kill() })
	return p
}

func TestGroupTerminate(t *testing.T) {
	g := NewGroup(nil)
	polite := startSleep(t, "exec sleep 30")
	stubborn := startSleep(t, `trap "" TERM; while :; do sleep 0.05; done`)
	// let the trap install before signaling
	time.Sleep(200 * time.Millisecond)

	require.Error(t, g.Add(0))
	require.NoError(t, g.Add(polite.PID()))
	require.NoError(t, g.Add(stubborn.PID()))
	require.NoError(t, g.Add(stubborn.PID()))
	require.Len(t, g.PIDs(), 2)

	killed := g.Terminate(300 * time.Millisecond)
	require.Equal(t, []int{stubborn.PID()}, killed)
	for _, p := range []*process.Process{polite, stubborn} {
		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("pid %d survived terminate", p.PID())
		}
	}
	require.Empty(t, g.PIDs())
	require.Nil(t, g.Terminate(time.Second))
}

func TestGroupRemove(t *testing.T) {
	g := NewGroup(nil)
	p := startSleep(t, "exec sleep 30")
	require.NoError(t, g.Add(p.PID()))
	g.Remove(p.PID())
	g.Remove(12345678)
	g.Terminate(100 * time.Millisecond)
	if !p.DetectAlive() {
		t.Fatalf("deregistered process must not be signaled")
	}
}

func TestServeEOFTerminates(t *testing.T) {
	ctrlR, ctrlW := io.Pipe()
	replyR, replyW := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- Serve(context.Background(), ctrlR, replyW, Config{Grace: 200 * time.Millisecond}) }()

	victim := startSleep(t, "exec sleep 30")
	keep := startSleep(t, "exec sleep 30")

	call := func(kind wire.Kind, v any) wire.Frame {
		t.Helper()
		go func() { _ = wire.Write(ctrlW, kind, v) }()
		f, err := wire.ReadFrame(replyR)
		require.NoError(t, err)
		return f
	}
	require.Equal(t, wire.KindOK, call(wire.KindRegister, wire.Register{PID: victim.PID()}).Header.Kind)
	require.Equal(t, wire.KindOK, call(wire.KindRegister, wire.Register{PID: keep.PID()}).Header.Kind)
	require.Equal(t, wire.KindOK, call(wire.KindDeregister, wire.Deregister{PID: keep.PID()}).Header.Kind)

	f := call(wire.KindRegister, wire.Register{PID: -1})
	require.Equal(t, wire.KindError, f.Header.Kind)
	f = call(wire.KindReady, wire.Ready{Token: "x"})
	var r wire.Reply
	require.NoError(t, f.Decode(&r))
	require.Contains(t, r.Error, "unexpected ready")

	require.NoError(t, ctrlW.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not return on EOF")
	}
	select {
	case <-victim.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("registered process survived")
	}
	require.True(t, keep.DetectAlive())
}

func TestServeContextCancel(t *testing.T) {
	ctrlR, _ := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ctrlR, io.Discard, Config{}) }()
	cancel()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatalf("serve ignored cancellation")
	}
}

func helperClient(t *testing.T) *Client {
	t.Helper()
	c, err := Start(ClientConfig{
		Path:    os.Args[0],
		Args:    []string{"-test.run=^TestHelperOverwatch$"},
		Env:     append(os.Environ(), helperEnv+"=1"),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestClientShutdown(t *testing.T) {
	c := helperClient(t)
	require.Greater(t, c.PID(), 0)
	victim := startSleep(t, "exec sleep 30")

	require.NoError(t, c.Register(victim.PID()))
	require.Error(t, c.Register(0))
	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	require.ErrorIs(t, c.Register(victim.PID()), ErrClosed)

	select {
	case <-victim.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("victim survived overwatch shutdown")
	}
	require.Eventually(t, func() bool { return !process.Alive(c.PID()) || process.IsZombie(c.PID()) },
		3*time.Second, 50*time.Millisecond)
}

func TestClientDetachCleansUp(t *testing.T) {
	c := helperClient(t)
	victim := startSleep(t, "exec sleep 30")
	survivor := startSleep(t, "exec sleep 30")
	require.NoError(t, c.Register(victim.PID()))
	require.NoError(t, c.Register(survivor.PID()))
	require.NoError(t, c.Deregister(survivor.PID()))

	c.Detach()
	select {
	case <-victim.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("victim survived control channel close")
	}
	require.True(t, survivor.DetectAlive())
}

func TestStartWithoutBinary(t *testing.T) {
	if _, err := Start(ClientConfig{}); err == nil {
		t.Fatalf("expected error without binary")
	}
	if _, err := Start(ClientConfig{Path: "/does/not/exist"}); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}
