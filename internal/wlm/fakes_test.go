package wlm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/loykin/hpcattach/internal/mpir"
	"github.com/loykin/hpcattach/internal/process"
	"github.com/loykin/hpcattach/internal/proctable"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func mustTable(t *testing.T, entries ...proctable.Entry) *proctable.Table {
	t.Helper()
	tab, err := proctable.New(entries)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	return tab
}

type fakeLauncher struct {
	mu       sync.Mutex
	pid      int
	table    *proctable.Table
	strs     map[string]string
	released int
	detached int
	killed   int
}

func (l *fakeLauncher) PID() int                    { return l.pid }
func (l *fakeLauncher) ProcTable() *proctable.Table { return l.table }

func (l *fakeLauncher) ReadString(sym string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released > 0 {
		return "", errors.New("not attached")
	}
	v, ok := l.strs[sym]
	if !ok {
		return "", mpir.ErrSymbolNotFound
	}
	return v, nil
}

func (l *fakeLauncher) Release() error {
	l.mu.Lock()
	l.released++
	l.mu.Unlock()
	return nil
}

func (l *fakeLauncher) Detach() error {
	l.mu.Lock()
	l.detached++
	l.mu.Unlock()
	return nil
}

func (l *fakeLauncher) Kill() error {
	l.mu.Lock()
	l.killed++
	l.mu.Unlock()
	return nil
}

func (l *fakeLauncher) counts() (released, detached, killed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released, l.detached, l.killed
}

type fakeDebugger struct {
	mu       sync.Mutex
	gate     chan struct{}
	launcher *fakeLauncher
	err      error
	specs    []mpir.SpawnSpec
	holds    []bool
	attached []int
}

func (d *fakeDebugger) Launch(_ context.Context, spec mpir.SpawnSpec, hold bool) (Launcher, error) {
	d.specs = append(d.specs, spec)
	d.holds = append(d.holds, hold)
	if d.err != nil {
		return nil, d.err
	}
	return d.launcher, nil
}

func (d *fakeDebugger) Attach(_ context.Context, pid int) (Launcher, error) {
	d.mu.Lock()
	d.attached = append(d.attached, pid)
	d.mu.Unlock()
	if d.gate != nil {
		<-d.gate
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.launcher, nil
}

type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	fail    map[string]error
	calls   [][]string
	envs    [][]string
	started []process.Spec
}

func (r *fakeRunner) key(argv []string) string {
	if len(argv) > 1 {
		return argv[0] + " " + argv[1]
	}
	return argv[0]
}

func (r *fakeRunner) Output(_ context.Context, argv, env []string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, argv)
	r.envs = append(r.envs, env)
	k := r.key(argv)
	if err, ok := r.fail[k]; ok {
		return nil, err
	}
	return []byte(r.outputs[k]), nil
}

func (r *fakeRunner) Start(spec process.Spec) (*process.Process, error) {
	r.mu.Lock()
	r.started = append(r.started, spec)
	r.mu.Unlock()
	p := process.New(process.Spec{Name: spec.Name, Path: "true"})
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *fakeRunner) called(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.HasPrefix(strings.Join(c, " "), prefix) {
			return c
		}
	}
	return nil
}

type fakeShell struct {
	mu     sync.Mutex
	copies []string
	starts [][]string
	hosts  [][]string
	envs   [][]string
}

func (s *fakeShell) Run(context.Context, string, []string, []string) (string, error) { return "", nil }

func (s *fakeShell) CopyAll(_ context.Context, hosts []string, local, remote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copies = append(s.copies, local+"->"+remote)
	s.hosts = append(s.hosts, hosts)
	return nil
}

func (s *fakeShell) StartAll(_ context.Context, hosts []string, argv, env []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, argv)
	s.hosts = append(s.hosts, hosts)
	s.envs = append(s.envs, env)
	return nil
}

func lookPathIdentity(name string) (string, error) { return "/usr/bin/" + name, nil }

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}
