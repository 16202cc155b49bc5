package wlm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/loykin/hpcattach/internal/process"
	"github.com/loykin/hpcattach/internal/proctable"
)

// generic launches through any MPIR-capable launcher and reaches the nodes
// over SSH.
type generic struct {
	opts  Options
	log   *slog.Logger
	jobs  registry
	shell Shell
}

func newGeneric(o Options) (*generic, error) {
	sh, err := requireShell(o, Generic)
	if err != nil {
		return nil, err
	}
	return &generic{opts: o, log: o.Logger, shell: sh}, nil
}

func (g *generic) Variant() Variant { return Generic }

func (g *generic) ToolPath(*Job) string { return g.opts.toolDir("/tmp") }

func (g *generic) Launch(ctx context.Context, req LaunchRequest) (*Job, error) {
	name := g.opts.launcherName(mpiexecLauncher)
	path, err := g.opts.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("find launcher %s: %w", name, err)
	}
	l, err := launchHeld(ctx, g.opts, append([]string{path}, req.Argv...), req)
	if err != nil {
		return nil, err
	}
	job := newJob(Generic, strconv.Itoa(l.PID()), l.ProcTable(), req.HoldAtBarrier)
	job.launcher = l
	job.launched = true
	if cur, added := g.jobs.add(job); !added {
		discard(g.log, l)
		return nil, fmt.Errorf("launcher pid %d is already registered as job %s", l.PID(), cur.ID())
	}
	if err := settle(l, req.HoldAtBarrier); err != nil {
		g.jobs.remove(job)
		discard(g.log, l)
		return nil, err
	}
	return job, nil
}

// Attach takes the launcher pid as the native id.
func (g *generic) Attach(ctx context.Context, nativeID string) (*Job, error) {
	pid, err := strconv.Atoi(nativeID)
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("generic job id %q: want a launcher pid", nativeID)
	}
	return g.jobs.attach(nativeID, func() (*Job, error) {
		l, err := g.opts.Debugger.Attach(ctx, pid)
		if err != nil {
			return nil, err
		}
		if err := l.Release(); err != nil {
			return nil, err
		}
		job := newJob(Generic, nativeID, l.ProcTable(), false)
		job.launcher = l
		return job, nil
	})
}

func (g *generic) ProcTable(_ context.Context, job *Job) (*proctable.Table, error) {
	if t := job.ProcTable(); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("job %s: no proctable", job.ID())
}

func (g *generic) Release(_ context.Context, job *Job) error {
	return job.releaseOnce(func() error {
		if job.launcher == nil {
			return nil
		}
		return job.launcher.Release()
	})
}

// Kill signals the launcher, which forwards the signal to its ranks. A
// launcher stopped under MPIR only sees SIGKILL, so a held job is killed
// through its launcher or released before other signals.
func (g *generic) Kill(ctx context.Context, job *Job, sig syscall.Signal) error {
	pid, err := strconv.Atoi(job.ID())
	if err != nil {
		return err
	}
	if job.Held() {
		if sig == syscall.SIGKILL && job.launcher != nil {
			return job.launcher.Kill()
		}
		if err := g.Release(ctx, job); err != nil {
			return fmt.Errorf("release job %s before %s: %w", job.ID(), sig, err)
		}
	}
	err = unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (g *generic) Ship(ctx context.Context, job *Job, localPath string) error {
	dest := filepath.Join(g.ToolPath(job), filepath.Base(localPath))
	return g.shell.CopyAll(ctx, job.Hosts(), localPath, dest)
}

func (g *generic) SpawnDaemon(ctx context.Context, job *Job, argv, extraEnv []string) (*process.Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty daemon argv")
	}
	return nil, g.shell.StartAll(ctx, job.Hosts(), argv, extraEnv)
}

func (g *generic) Close() error {
	closeLaunchers(g.log, g.jobs.all())
	return nil
}
