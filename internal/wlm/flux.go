package wlm

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/hpcattach/internal/process"
	"github.com/loykin/hpcattach/internal/proctable"
)

const (
	fluxLauncher        = "flux"
	fluxProcTableWait   = time.Minute
	fluxStopTasksOption = "stop-tasks-in-exec"
)

type fluxJob struct{ id uint64 }

type flux struct {
	opts  Options
	log   *slog.Logger
	jobs  registry
	api   fluxAPI
	shell Shell
	// wait bounds the poll for a new job's proctable.
	wait time.Duration
}

func newFlux(o Options) (*flux, error) {
	sh, err := requireShell(o, Flux)
	if err != nil {
		return nil, err
	}
	lib := o.Getenv(EnvLibFluxPath)
	if lib == "" {
		lib = libFluxName
	}
	api, err := bindFlux(o.Open, lib, o.Getenv("FLUX_URI"), o.Logger)
	if err != nil {
		return nil, err
	}
	return newFluxWith(o, api, sh), nil
}

func newFluxWith(o Options, api fluxAPI, sh Shell) *flux {
	return &flux{opts: o, log: o.Logger, api: api, shell: sh, wait: fluxProcTableWait}
}

func (f *flux) Variant() Variant { return Flux }

func (f *flux) ToolPath(*Job) string { return f.opts.toolDir("/tmp") }

// Launch submits the job with `flux submit`. A held job is stopped in exec
// by the job shell and continued with SIGCONT on Release.
func (f *flux) Launch(ctx context.Context, req LaunchRequest) (*Job, error) {
	if len(req.Argv) == 0 {
		return nil, fmt.Errorf("empty job argv")
	}
	argv := []string{f.opts.launcherName(fluxLauncher), "submit"}
	if req.HoldAtBarrier {
		argv = append(argv, "-o", fluxStopTasksOption)
	}
	if req.Dir != "" {
		argv = append(argv, "--setattr=system.cwd="+req.Dir)
	}
	if req.InputFile != "" {
		argv = append(argv, "--input="+req.InputFile)
	}
	argv = append(argv, req.Argv...)
	out, err := f.opts.Runner.Output(ctx, argv, req.Env)
	if err != nil {
		return nil, fmt.Errorf("flux submit: %w", err)
	}
	raw := strings.TrimSpace(string(out))
	id, err := f.api.ParseID(raw)
	if err != nil {
		return nil, err
	}
	table, err := f.procTable(ctx, id)
	if err != nil {
		if kerr := f.api.Signal(id, syscall.SIGKILL); kerr != nil {
			f.log.Warn("kill flux job after failed launch", "id", raw, "error", kerr)
		}
		return nil, err
	}
	job := newJob(Flux, strconv.FormatUint(id, 10), table, req.HoldAtBarrier)
	job.launched = true
	job.ext = &fluxJob{id: id}
	job, _ = f.jobs.add(job)
	return job, nil
}

// procTable polls the job shell until it publishes the proctable.
func (f *flux) procTable(ctx context.Context, id uint64) (*proctable.Table, error) {
	var table *proctable.Table
	op := func() error {
		doc, err := f.api.ProcTable(ctx, id)
		if err != nil {
			return err
		}
		t, err := proctable.ParseFlux(doc)
		if err != nil {
			return backoff.Permanent(corrupt(0, "flux proctable", "%v", err))
		}
		table = t
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = f.wait
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("flux job %d proctable: %w", id, err)
	}
	return table, nil
}

func (f *flux) Attach(ctx context.Context, nativeID string) (*Job, error) {
	id, err := f.api.ParseID(nativeID)
	if err != nil {
		return nil, err
	}
	key := strconv.FormatUint(id, 10)
	if j, ok := f.jobs.get(key); ok {
		return j, nil
	}
	table, err := f.procTable(ctx, id)
	if err != nil {
		return nil, err
	}
	job := newJob(Flux, key, table, false)
	job.ext = &fluxJob{id: id}
	job, _ = f.jobs.add(job)
	return job, nil
}

func (f *flux) id(job *Job) (uint64, error) {
	fj, ok := job.ext.(*fluxJob)
	if !ok {
		return 0, fmt.Errorf("job %s was not created by the flux capability", job.ID())
	}
	return fj.id, nil
}

func (f *flux) ProcTable(_ context.Context, job *Job) (*proctable.Table, error) {
	if t := job.ProcTable(); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("flux job %s: no proctable", job.ID())
}

func (f *flux) Release(_ context.Context, job *Job) error {
	id, err := f.id(job)
	if err != nil {
		return err
	}
	return job.releaseOnce(func() error { return f.api.Signal(id, syscall.SIGCONT) })
}

func (f *flux) Kill(_ context.Context, job *Job, sig syscall.Signal) error {
	id, err := f.id(job)
	if err != nil {
		return err
	}
	if err := f.api.Signal(id, sig); err != nil {
		f.log.Debug("flux signal failed, job assumed finished", "id", job.ID(), "error", err)
	}
	return nil
}

func (f *flux) Ship(ctx context.Context, job *Job, localPath string) error {
	dest := filepath.Join(f.ToolPath(job), filepath.Base(localPath))
	return f.shell.CopyAll(ctx, job.Hosts(), localPath, dest)
}

func (f *flux) SpawnDaemon(ctx context.Context, job *Job, argv, extraEnv []string) (*process.Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty daemon argv")
	}
	return nil, f.shell.StartAll(ctx, job.Hosts(), argv, extraEnv)
}

func (f *flux) Close() error { return f.api.Close() }
