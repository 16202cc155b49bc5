package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/hpcattach/internal/manifest"
	"github.com/loykin/hpcattach/internal/mpir"
	"github.com/loykin/hpcattach/internal/proctable"
	"github.com/loykin/hpcattach/internal/wire"
	"github.com/loykin/hpcattach/internal/wlm"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeLauncher struct{ table *proctable.Table }

func (l *fakeLauncher) PID() int                          { return 4242 }
func (l *fakeLauncher) ProcTable() *proctable.Table       { return l.table }
func (l *fakeLauncher) ReadString(string) (string, error) { return "", nil }
func (l *fakeLauncher) Release() error                    { return nil }
func (l *fakeLauncher) Detach() error                     { return nil }
func (l *fakeLauncher) Kill() error                       { return nil }

type fakeDebugger struct{ l *fakeLauncher }

func (d fakeDebugger) Launch(context.Context, mpir.SpawnSpec, bool) (wlm.Launcher, error) {
	return d.l, nil
}
func (d fakeDebugger) Attach(context.Context, int) (wlm.Launcher, error) { return d.l, nil }

// nodeShell runs a Backend per host in-process, standing in for ssh.
type nodeShell struct {
	start func(ctx context.Context, host string, argv []string) error
	calls atomic.Int32
}

func (s *nodeShell) Run(context.Context, string, []string, []string) (string, error) {
	return "", nil
}

func (s *nodeShell) CopyAll(context.Context, []string, string, string) error { return nil }

func (s *nodeShell) StartAll(ctx context.Context, hosts []string, argv, _ []string) error {
	s.calls.Add(1)
	for _, h := range hosts {
		if err := s.start(ctx, h, argv); err != nil {
			return err
		}
	}
	return nil
}

func runBackend(t *testing.T, wg *sync.WaitGroup, host string, argv []string, mutate func(*Args)) {
	t.Helper()
	a, err := ParseArgs(argv[1:])
	require.NoError(t, err)
	if mutate != nil {
		mutate(&a)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		b := &Backend{Args: a, Hostname: host, Environ: []string{}, Log: quiet,
			Exec: func(string, []string, []string) error { return nil }, Chdir: func(string) error { return nil }}
		_ = b.Run(context.Background())
	}()
}

func genericJob(t *testing.T, sh wlm.Shell, hosts ...string) (wlm.Capability, *wlm.Job) {
	t.Helper()
	var es []proctable.Entry
	for i, h := range hosts {
		es = append(es, proctable.Entry{Rank: uint32(i), Host: h, PID: uint32(100 + i)})
	}
	table, err := proctable.New(es)
	require.NoError(t, err)
	c, err := wlm.Open(wlm.Generic, wlm.Options{
		Shell:    sh,
		Debugger: fakeDebugger{l: &fakeLauncher{table: table}},
		Logger:   quiet,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	job, err := c.Attach(context.Background(), "4242")
	require.NoError(t, err)
	return c, job
}

func stageArgs(path string) Args {
	return Args{APID: "4242", WLM: "generic", Path: path, Directory: "cti_daemonXYZ123", Inst: 1}
}

func TestLaunchAllNodesReady(t *testing.T) {
	var wg sync.WaitGroup
	sh := &nodeShell{}
	sh.start = func(_ context.Context, host string, argv []string) error {
		runBackend(t, &wg, host, argv, nil)
		return nil
	}
	c, job := genericJob(t, sh, "n1", "n1", "n2")
	reg := &recordingRegistrar{}
	l := NewLauncher(c, Config{ListenHost: "127.0.0.1", AdvertiseHost: "127.0.0.1", Timeout: 5 * time.Second, Overwatch: reg, Logger: quiet})

	res, err := l.Launch(context.Background(), job, Request{DaemonPath: "/tmp/cti_daemon", Args: stageArgs(t.TempDir())})
	wg.Wait()
	require.NoError(t, err)
	require.Len(t, res.Ready, 2)
	hosts := map[string]bool{}
	for _, r := range res.Ready {
		hosts[r.Host] = true
	}
	require.Equal(t, map[string]bool{"n1": true, "n2": true}, hosts)
	require.Nil(t, res.Process)
	require.Empty(t, reg.pids)
}

func TestLaunchReportsDaemonFailure(t *testing.T) {
	var wg sync.WaitGroup
	sh := &nodeShell{}
	sh.start = func(_ context.Context, host string, argv []string) error {
		runBackend(t, &wg, host, argv, func(a *Args) { a.WLM = "pbs" })
		return nil
	}
	c, job := genericJob(t, sh, "n1")
	l := NewLauncher(c, Config{ListenHost: "127.0.0.1", AdvertiseHost: "127.0.0.1", Timeout: 5 * time.Second, Logger: quiet})

	_, err := l.Launch(context.Background(), job, Request{DaemonPath: "d", Args: stageArgs(t.TempDir())})
	wg.Wait()
	var de *DaemonError
	require.ErrorAs(t, err, &de)
	require.Equal(t, DaemonFailed, de.Kind)
	require.Equal(t, wire.ReasonUnsupportedWLM, de.Reason)
	require.Equal(t, "n1", de.Host)
	require.Contains(t, de.Error(), "0/1 ready")
}

func TestLaunchTimeoutAndForeignToken(t *testing.T) {
	sh := &nodeShell{}
	sh.start = func(_ context.Context, host string, argv []string) error {
		a, err := ParseArgs(argv[1:])
		require.NoError(t, err)
		conn, err := net.Dial("tcp", a.ReadyAddr)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()
		return wire.Write(conn, wire.KindReady, wire.Ready{Token: "someone-else", Host: host})
	}
	c, job := genericJob(t, sh, "n1")
	l := NewLauncher(c, Config{ListenHost: "127.0.0.1", AdvertiseHost: "127.0.0.1", Timeout: 300 * time.Millisecond, Logger: quiet})

	start := time.Now()
	_, err := l.Launch(context.Background(), job, Request{DaemonPath: "d", Args: stageArgs(t.TempDir())})
	require.ErrorIs(t, err, &DaemonError{Kind: HandshakeTimeout})
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestLaunchSpawnRetry(t *testing.T) {
	var wg sync.WaitGroup
	sh := &nodeShell{}
	sh.start = func(_ context.Context, host string, argv []string) error {
		if sh.calls.Load() < 3 {
			return errors.New("ssh: connection refused")
		}
		runBackend(t, &wg, host, argv, nil)
		return nil
	}
	c, job := genericJob(t, sh, "n1")
	l := NewLauncher(c, Config{ListenHost: "127.0.0.1", AdvertiseHost: "127.0.0.1", Timeout: 10 * time.Second, Logger: quiet})

	_, err := l.Launch(context.Background(), job, Request{DaemonPath: "d", Args: stageArgs(t.TempDir())})
	require.ErrorIs(t, err, &DaemonError{Kind: SpawnFailed})
	require.EqualValues(t, 1, sh.calls.Load())

	res, err := l.Launch(context.Background(), job, Request{DaemonPath: "d", Args: stageArgs(t.TempDir()), Idempotent: true})
	wg.Wait()
	require.NoError(t, err)
	require.Len(t, res.Ready, 1)
	require.EqualValues(t, 3, sh.calls.Load())
}

type recordingRegistrar struct {
	mu   sync.Mutex
	pids []int
}

func (r *recordingRegistrar) Register(pid int) error {
	r.mu.Lock()
	r.pids = append(r.pids, pid)
	r.mu.Unlock()
	return nil
}

func TestArgsRoundTrip(t *testing.T) {
	a := Args{
		APID: "12.0", Binary: "tool", Directory: "stage", Env: []string{"A=1", "B=x=y"},
		Inst: 2, Manifests: []string{"stage1.tar.gz", "stage2.tar.gz"}, Path: "/tmp", APath: "/spool",
		LDLibPath: "lib.1", WLM: "slurm", Debug: true, ReadyAddr: "fe:1234", ReadyToken: "tok",
		ToolArgs: []string{"--verbose", "-x"},
	}
	got, err := ParseArgs(a.Argv())
	require.NoError(t, err)
	require.Equal(t, a, got)

	got, err = ParseArgs([]string{"-a", "7", "-w", "alps", "-p", "/t", "-d", "s", "-c", "-m", "p1", "-e", "X=1"})
	require.NoError(t, err)
	require.True(t, got.Clean)
	require.Equal(t, 1, got.Inst)
	require.Equal(t, []string{"p1"}, got.Manifests)

	_, err = ParseArgs([]string{"--bogus"})
	var ae *ArgError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, wire.ReasonBadArgument, ae.Reason)
}

func TestValidateHasNoSideEffects(t *testing.T) {
	root := t.TempDir()
	cases := []struct {
		name   string
		argv   []string
		reason wire.Reason
	}{
		{"no apid", []string{"-w", "slurm", "-p", root, "-d", "s"}, wire.ReasonBadArgument},
		{"no path", []string{"-a", "1", "-w", "slurm", "-d", "s"}, wire.ReasonBadArgument},
		{"binary without dir", []string{"-a", "1", "-w", "slurm", "-p", root, "-b", "tool"}, wire.ReasonBadArgument},
		{"bad wlm", []string{"-a", "1", "-w", "lsf", "-p", root, "-d", "s"}, wire.ReasonUnsupportedWLM},
		{"bad env", []string{"-a", "1", "-w", "slurm", "-p", root, "-d", "s", "-e", "NOEQUALS"}, wire.ReasonBadArgument},
	}
	for _, c := range cases {
		a, err := ParseArgs(c.argv)
		require.NoError(t, err, c.name)
		b := &Backend{Args: a, Log: quiet}
		err = b.Run(context.Background())
		var ae *ArgError
		require.ErrorAs(t, err, &ae, c.name)
		require.Equal(t, c.reason, ae.Reason, c.name)
	}
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func buildPackage(t *testing.T, dir, stage string, seq int) string {
	t.Helper()
	src := t.TempDir()
	tool := filepath.Join(src, "tool")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755))
	conf := filepath.Join(src, "tool.conf")
	require.NoError(t, os.WriteFile(conf, []byte("k=v"), 0o644))
	name := manifest.PackageName(stage, seq)
	_, err := manifest.WritePackage(filepath.Join(dir, name), stage, []manifest.Entry{
		{Kind: manifest.Binary, Source: tool, Dest: "bin/tool"},
		{Kind: manifest.File, Source: conf, Dest: "tool.conf"},
	})
	require.NoError(t, err)
	return name
}

func TestBackendExtractsAndExecs(t *testing.T) {
	path := t.TempDir()
	stage := "cti_daemonABC123"
	pkg := buildPackage(t, path, stage, 1)

	var (
		gotPath string
		gotArgv []string
		gotEnv  []string
	)
	a := Args{APID: "77", WLM: "slurm", Path: path, Directory: stage, Manifests: []string{pkg},
		Binary: "tool", Env: []string{"TOOL_MODE=fast"}, LDLibPath: "lib.1", ToolArgs: []string{"--x"}}
	b := &Backend{Args: a, Log: quiet, Hostname: "nid0001",
		Environ: []string{"PATH=/usr/bin", "TMPDIR=/scratch", "LD_LIBRARY_PATH=/opt/lib"},
		Chdir:   func(string) error { return nil },
		Exec: func(p string, argv, env []string) error {
			gotPath, gotArgv, gotEnv = p, argv, env
			return nil
		}}
	require.NoError(t, b.Run(context.Background()))

	root := filepath.Join(path, stage)
	require.Equal(t, filepath.Join(root, "bin", "tool"), gotPath)
	require.Equal(t, []string{gotPath, "--x"}, gotArgv)
	for _, d := range []string{"bin", "lib", "tmp"} {
		fi, err := os.Stat(filepath.Join(root, d))
		require.NoError(t, err)
		require.True(t, fi.IsDir())
	}
	b2, err := os.ReadFile(filepath.Join(root, "tool.conf"))
	require.NoError(t, err)
	require.Equal(t, "k=v", string(b2))
	_, err = os.Stat(filepath.Join(path, pkg))
	require.True(t, os.IsNotExist(err), "package should be removed after extraction")
	_, err = os.Stat(filepath.Join(path, ".lock_"+stage+"_1"))
	require.NoError(t, err)

	env := map[string]string{}
	for _, kv := range gotEnv {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	require.Equal(t, "77", env[EnvAPID])
	require.Equal(t, "slurm", env[EnvWLM])
	require.Equal(t, root, env[EnvRootDir])
	require.Equal(t, filepath.Join(root, "bin"), env[EnvBinDir])
	require.Equal(t, filepath.Join(root, "lib"), env[EnvLibDir])
	require.Equal(t, "/scratch", env[EnvOldTmpDir])
	require.Equal(t, filepath.Join(root, "tmp"), env["TMPDIR"])
	require.Equal(t, filepath.Join(root, "bin")+":/usr/bin", env["PATH"])
	require.Equal(t, filepath.Join(root, "lib.1")+":"+filepath.Join(root, "lib")+":/opt/lib", env["LD_LIBRARY_PATH"])
	require.Equal(t, "fast", env["TOOL_MODE"])

	// a second daemon for the same package relies on the marker
	b.Args.Inst = 2
	require.NoError(t, b.Run(context.Background()))
}

func TestBackendFailureFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	frames := make(chan wire.Frame, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			f, err := wire.ReadFrame(c)
			_ = c.Close()
			if err == nil {
				frames <- f
			}
		}
	}()

	path := t.TempDir()
	base := Args{APID: "1", WLM: "flux", Path: path, Directory: "stage", ReadyAddr: ln.Addr().String(), ReadyToken: "tok"}

	a := base
	a.Binary = "missing"
	err = (&Backend{Args: a, Log: quiet, Hostname: "h1"}).Run(context.Background())
	require.Error(t, err)
	f := <-frames
	require.Equal(t, wire.KindFailure, f.Header.Kind)
	var fail wire.Failure
	require.NoError(t, f.Decode(&fail))
	require.Equal(t, wire.ReasonMissingBinary, fail.Reason)
	require.Equal(t, "tok", fail.Token)
	require.Equal(t, "h1", fail.Host)

	a = base
	a.Path = filepath.Join(path, "absent")
	require.Error(t, (&Backend{Args: a, Log: quiet}).Run(context.Background()))
	require.NoError(t, (<-frames).Decode(&fail))
	require.Equal(t, wire.ReasonMissingDirectory, fail.Reason)

	a = base
	a.Manifests = []string{"never-shipped.tar.gz"}
	require.Error(t, (&Backend{Args: a, Log: quiet}).Run(context.Background()))
	require.NoError(t, (<-frames).Decode(&fail))
	require.Equal(t, wire.ReasonInternal, fail.Reason)

	// staging without a binary reports readiness
	a = base
	require.NoError(t, (&Backend{Args: a, Log: quiet, Hostname: "h2"}).Run(context.Background()))
	f = <-frames
	require.Equal(t, wire.KindReady, f.Header.Kind)
	var r wire.Ready
	require.NoError(t, f.Decode(&r))
	require.Equal(t, "h2", r.Host)
	require.Equal(t, 1, r.Inst)
}

func TestBackendClean(t *testing.T) {
	path := t.TempDir()
	stage := "cti_daemonQWE789"
	pkg := buildPackage(t, path, stage, 1)
	a := Args{APID: "1", WLM: "pals", Path: path, Directory: stage, Manifests: []string{pkg}}
	require.NoError(t, (&Backend{Args: a, Log: quiet}).Run(context.Background()))

	a.Clean = true
	require.NoError(t, (&Backend{Args: a, Log: quiet}).Run(context.Background()))
	require.NoError(t, (&Backend{Args: a, Log: quiet}).Run(context.Background()))
	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestBackendWaitsForEarlierInstance(t *testing.T) {
	path := t.TempDir()
	a := Args{APID: "1", WLM: "slurm", Path: path, Directory: "stage", Inst: 2}
	done := make(chan error, 1)
	go func() { done <- (&Backend{Args: a, Log: quiet}).Run(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("instance 2 finished before instance 1: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	a.Inst = 1
	require.NoError(t, (&Backend{Args: a, Log: quiet}).Run(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("instance 2 still waiting")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	a.Inst = 5
	a.Directory = "other"
	require.Error(t, (&Backend{Args: a, Log: quiet}).Run(ctx))
}

func TestBackendGivesUpOnMissingInstance(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	frames := make(chan wire.Frame, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = c.Close() }()
		if f, err := wire.ReadFrame(c); err == nil {
			frames <- f
		}
	}()

	// instance 1 never ran, so instance 2 has no lock file to wait for
	a := Args{APID: "1", WLM: "slurm", Path: t.TempDir(), Directory: "stage", Inst: 2,
		ReadyAddr: ln.Addr().String(), ReadyToken: "tok"}
	start := time.Now()
	err = (&Backend{Args: a, Log: quiet, Hostname: "h1", WaitTimeout: 100 * time.Millisecond}).Run(context.Background())
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)

	select {
	case f := <-frames:
		require.Equal(t, wire.KindFailure, f.Header.Kind)
		var fail wire.Failure
		require.NoError(t, f.Decode(&fail))
		require.Equal(t, wire.ReasonInternal, fail.Reason)
		require.Contains(t, fail.Detail, "instance 1")
	case <-time.After(5 * time.Second):
		t.Fatalf("no failure frame after the wait deadline")
	}
}

func TestExtractRejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "evil.tar.gz")
	src := filepath.Join(dir, "payload")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	_, err := manifest.WritePackage(pkg, "..", []manifest.Entry{{Kind: manifest.File, Source: src, Dest: "payload"}})
	require.NoError(t, err)
	f, err := os.Open(pkg)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	err = extract(f, filepath.Join(dir, "dest"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "escapes")
}
