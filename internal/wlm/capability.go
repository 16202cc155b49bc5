package wlm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"

	"github.com/loykin/hpcattach/internal/mpir"
	"github.com/loykin/hpcattach/internal/plugin"
	"github.com/loykin/hpcattach/internal/process"
	"github.com/loykin/hpcattach/internal/proctable"
)

// EnvLauncherName overrides the launcher binary of the variants that start
// jobs through one (srun, aprun, mpiexec, or the generic launcher).
const EnvLauncherName = "CTI_LAUNCHER_NAME"

// LaunchRequest describes a job to start.
type LaunchRequest struct {
	// Argv holds the launcher arguments, without the launcher itself.
	Argv []string
	Env  []string
	Dir  string
	// InputFile feeds the job's stdin; empty means /dev/null.
	InputFile string
	Stdout    io.Writer
	Stderr    io.Writer
	// HoldAtBarrier keeps the job stopped before user code until Release.
	HoldAtBarrier bool
}

// Capability is the contract every workload manager implements.
type Capability interface {
	Variant() Variant
	Launch(ctx context.Context, req LaunchRequest) (*Job, error)
	// Attach binds to a running job by native id. Attaching twice to the same
	// id returns the same Job.
	Attach(ctx context.Context, nativeID string) (*Job, error)
	ProcTable(ctx context.Context, job *Job) (*proctable.Table, error)
	// Release lets a held job run. It is a no-op when already released or
	// never held.
	Release(ctx context.Context, job *Job) error
	// Kill signals the job. Signalling a job that has exited is not an error.
	Kill(ctx context.Context, job *Job, sig syscall.Signal) error
	// Ship places localPath in ToolPath(job) on every node of the job.
	Ship(ctx context.Context, job *Job, localPath string) error
	// SpawnDaemon starts argv once per node. The returned process is the
	// local helper that carries the launch, or nil when none exists.
	SpawnDaemon(ctx context.Context, job *Job, argv, env []string) (*process.Process, error)
	// ToolPath is the node-local directory shipped files land in.
	ToolPath(job *Job) string
	Close() error
}

// Launcher is a job launcher held under MPIR control.
type Launcher interface {
	PID() int
	ProcTable() *proctable.Table
	ReadString(sym string) (string, error)
	Release() error
	Detach() error
	Kill() error
}

// Debugger starts or attaches launchers under MPIR.
type Debugger interface {
	Launch(ctx context.Context, spec mpir.SpawnSpec, hold bool) (Launcher, error)
	Attach(ctx context.Context, pid int) (Launcher, error)
}

type engineDebugger struct{ e *mpir.Engine }

// NewDebugger adapts an MPIR engine.
func NewDebugger(e *mpir.Engine) Debugger { return engineDebugger{e: e} }

func (d engineDebugger) Launch(ctx context.Context, spec mpir.SpawnSpec, hold bool) (Launcher, error) {
	inst, err := d.e.Launch(ctx, spec, hold)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (d engineDebugger) Attach(ctx context.Context, pid int) (Launcher, error) {
	inst, err := d.e.Attach(ctx, pid)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// Shell copies files to and starts commands on remote hosts.
type Shell interface {
	Run(ctx context.Context, host string, argv, env []string) (string, error)
	CopyAll(ctx context.Context, hosts []string, localPath, remotePath string) error
	StartAll(ctx context.Context, hosts []string, argv, env []string) error
}

// Options carries the collaborators shared by all variants. Zero values
// select the real implementations.
type Options struct {
	Getenv   func(string) string
	LookPath func(string) (string, error)
	Runner   Runner
	Debugger Debugger
	Shell    Shell
	// Open loads the ALPS and Flux libraries.
	Open plugin.Opener
	HTTP *http.Client
	// ToolDir overrides the variant's node-local tool directory.
	ToolDir string
	PALS    PALSConfig
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
	if o.LookPath == nil {
		o.LookPath = lookPath
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Runner == nil {
		o.Runner = ExecRunner{Log: o.Logger}
	}
	if o.Debugger == nil {
		o.Debugger = NewDebugger(mpir.New(mpir.Config{Logger: o.Logger}))
	}
	if o.Open == nil {
		o.Open = plugin.Dlopen
	}
	if o.HTTP == nil {
		o.HTTP = http.DefaultClient
	}
}

func (o *Options) launcherName(def string) string {
	if n := o.Getenv(EnvLauncherName); n != "" {
		return n
	}
	return def
}

func (o *Options) toolDir(def string) string {
	if o.ToolDir != "" {
		return o.ToolDir
	}
	return def
}

// Open returns the capability for v.
func Open(v Variant, opts Options) (Capability, error) {
	opts.defaults()
	log := opts.Logger.With("wlm", v.String())
	opts.Logger = log
	switch v {
	case Slurm:
		return capability(newSlurm(opts))
	case ALPS:
		return capability(newALPS(opts))
	case PALS:
		return capability(newPALS(opts))
	case Flux:
		return capability(newFlux(opts))
	case Generic:
		return capability(newGeneric(opts))
	}
	return nil, ErrUnknownVariant{Token: v.String()}
}

// capability drops the typed nil of a failed constructor.
func capability[T Capability](c T, err error) (Capability, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}

func requireShell(o Options, v Variant) (Shell, error) {
	if o.Shell == nil {
		return nil, fmt.Errorf("%s: no remote shell configured", v)
	}
	return o.Shell, nil
}

// launcherSpec builds the MPIR spawn of a launcher with the request's stdio.
func launcherSpec(argv []string, req LaunchRequest) (mpir.SpawnSpec, func(), error) {
	spec := mpir.SpawnSpec{Argv: argv, Env: req.Env, Dir: req.Dir, Stdout: req.Stdout, Stderr: req.Stderr}
	done := func() {}
	if req.InputFile != "" {
		f, err := os.Open(req.InputFile)
		if err != nil {
			return spec, done, fmt.Errorf("open input file: %w", err)
		}
		spec.Stdin = f
		done = func() { _ = f.Close() }
	}
	return spec, done, nil
}

// bestEffort drops launcher-utility failures of a kill aimed at a job that
// may already be gone.
func bestEffort(log *slog.Logger, op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *ExitError
	if errors.As(err, &ee) || errors.Is(err, syscall.ESRCH) {
		log.Debug(op+" failed, job assumed finished", "error", err)
		return nil
	}
	return err
}
