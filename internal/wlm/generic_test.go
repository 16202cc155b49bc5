package wlm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/hpcattach/internal/proctable"
)

func newGenericFixture(t *testing.T, env map[string]string) (*generic, *fakeDebugger, *fakeShell) {
	t.Helper()
	l := &fakeLauncher{pid: 5150, table: mustTable(t,
		proctable.Entry{Rank: 0, Host: "n0", PID: 10},
		proctable.Entry{Rank: 1, Host: "n1", PID: 11},
	)}
	dbg := &fakeDebugger{launcher: l}
	sh := &fakeShell{}
	opts := Options{Getenv: envMap(env), LookPath: lookPathIdentity, Debugger: dbg, Shell: sh, Runner: &fakeRunner{}, Logger: quietLog()}
	opts.defaults()
	g, err := newGeneric(opts)
	require.NoError(t, err)
	return g, dbg, sh
}

func TestGenericLaunchUsesLauncherOverride(t *testing.T) {
	g, dbg, sh := newGenericFixture(t, map[string]string{EnvLauncherName: "mpirun"})
	ctx := context.Background()

	job, err := g.Launch(ctx, LaunchRequest{Argv: []string{"-np", "2", "./a.out"}, HoldAtBarrier: true})
	require.NoError(t, err)
	require.Equal(t, "5150", job.ID())
	require.Equal(t, 5150, job.LauncherPID())
	require.Equal(t, []string{"/usr/bin/mpirun", "-np", "2", "./a.out"}, dbg.specs[0].Argv)
	require.Equal(t, []bool{true}, dbg.holds)

	require.NoError(t, g.Release(ctx, job))
	require.NoError(t, g.Release(ctx, job))
	rel, _, _ := dbg.launcher.counts()
	require.Equal(t, 1, rel)

	require.NoError(t, g.Ship(ctx, job, "/stage/pkg.tar.gz"))
	_, err = g.SpawnDaemon(ctx, job, []string{"/tmp/hpcattach-daemon"}, []string{"X=1"})
	require.NoError(t, err)
	require.Equal(t, []string{"/stage/pkg.tar.gz->/tmp/pkg.tar.gz"}, sh.copies)
	require.Equal(t, [][]string{{"n0", "n1"}, {"n0", "n1"}}, sh.hosts)
	require.Equal(t, [][]string{{"X=1"}}, sh.envs)

	require.NoError(t, g.Close())
	_, detached, killed := dbg.launcher.counts()
	require.Equal(t, 1, detached)
	require.Zero(t, killed)
}

func TestGenericAttach(t *testing.T) {
	g, dbg, _ := newGenericFixture(t, nil)
	ctx := context.Background()

	_, err := g.Attach(ctx, "mpiexec")
	require.Error(t, err)

	job, err := g.Attach(ctx, "5150")
	require.NoError(t, err)
	require.Equal(t, []int{5150}, dbg.attached)
	again, err := g.Attach(ctx, "5150")
	require.NoError(t, err)
	require.Same(t, job, again)
	require.Len(t, dbg.attached, 1)

	dbg.err = errors.New("ptrace: operation not permitted")
	_, err = g.Attach(ctx, "6000")
	require.ErrorContains(t, err, "not permitted")
}

func TestGenericConcurrentAttachCreatesOneJob(t *testing.T) {
	g, dbg, _ := newGenericFixture(t, nil)
	dbg.gate = make(chan struct{})

	jobs := make([]*Job, 4)
	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := g.Attach(context.Background(), "5150")
			if err == nil {
				jobs[i] = j
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(dbg.gate)
	wg.Wait()

	dbg.mu.Lock()
	attached := len(dbg.attached)
	dbg.mu.Unlock()
	require.Equal(t, 1, attached)
	for _, j := range jobs {
		require.Same(t, jobs[0], j)
	}
	require.False(t, jobs[0].Launched())
}

func TestGenericLaunchCollisionKeepsRegisteredJob(t *testing.T) {
	g, dbg, _ := newGenericFixture(t, nil)
	ctx := context.Background()

	job, err := g.Launch(ctx, LaunchRequest{Argv: []string{"./a.out"}, HoldAtBarrier: true})
	require.NoError(t, err)
	require.True(t, job.Launched())

	_, err = g.Launch(ctx, LaunchRequest{Argv: []string{"./b.out"}})
	require.ErrorContains(t, err, "already registered")
	released, _, killed := dbg.launcher.counts()
	require.Zero(t, released)
	require.Equal(t, 1, killed)
	require.True(t, job.Held())
	cur, ok := g.jobs.get("5150")
	require.True(t, ok)
	require.Same(t, job, cur)
}

func TestGenericKillOfHeldLauncher(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	g, dbg, _ := newGenericFixture(t, nil)
	dbg.launcher.pid = cmd.Process.Pid
	ctx := context.Background()
	job, err := g.Launch(ctx, LaunchRequest{Argv: []string{"./a.out"}, HoldAtBarrier: true})
	require.NoError(t, err)

	// SIGKILL goes through the tracer and leaves the barrier alone
	require.NoError(t, g.Kill(ctx, job, syscall.SIGKILL))
	released, _, killed := dbg.launcher.counts()
	require.Zero(t, released)
	require.Equal(t, 1, killed)
	require.True(t, job.Held())

	require.NoError(t, g.Kill(ctx, job, syscall.SIGTERM))
	released, _, _ = dbg.launcher.counts()
	require.Equal(t, 1, released)
	require.False(t, job.Held())
	select {
	case err := <-exited:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("launcher did not get SIGTERM")
	}
}

func TestGenericKillOfExitedLauncher(t *testing.T) {
	g, _, _ := newGenericFixture(t, nil)
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	job := newJob(Generic, fmt.Sprint(cmd.Process.Pid), nil, false)
	require.NoError(t, g.Kill(context.Background(), job, syscall.SIGTERM))
}

func TestOpenVariants(t *testing.T) {
	_, err := Open(Generic, Options{Getenv: envMap(nil), Logger: quietLog()})
	require.ErrorContains(t, err, "no remote shell")

	c, err := Open(Generic, Options{Getenv: envMap(nil), Shell: &fakeShell{}, Debugger: &fakeDebugger{}, Logger: quietLog()})
	require.NoError(t, err)
	require.Equal(t, Generic, c.Variant())
	require.NoError(t, c.Close())

	c, err = Open(Variant(99), Options{Logger: quietLog()})
	require.Nil(t, c)
	var unknown ErrUnknownVariant
	require.ErrorAs(t, err, &unknown)
}

func TestBestEffort(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	require.NoError(t, bestEffort(log, "kill", nil))
	require.NoError(t, bestEffort(log, "kill", &ExitError{Argv: []string{"scancel"}, Code: 1}))
	require.NoError(t, bestEffort(log, "kill", fmt.Errorf("signal: %w", syscall.ESRCH)))
	require.True(t, strings.Contains(buf.String(), "job assumed finished"))

	boom := errors.New("boom")
	require.ErrorIs(t, bestEffort(log, "kill", boom), boom)
}
