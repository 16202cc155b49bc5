package wlm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/loykin/hpcattach/internal/env"
	"github.com/loykin/hpcattach/internal/mpir"
	"github.com/loykin/hpcattach/internal/process"
	"github.com/loykin/hpcattach/internal/proctable"
)

// Environment variables that adjust srun command lines.
const (
	EnvSrunOverrideArgs = "SRUN_OVERRIDE_ARGS"
	EnvSrunAppendArgs   = "SRUN_APPEND_ARGS"
)

const (
	slurmToolDir  = "/tmp"
	probeTimeout  = 30 * time.Second
	srunLauncher  = "srun"
	sattachBinary = "sattach"
)

// srun environment inherited from an allocation that would distort a
// one-task-per-node daemon step. They are blanked for daemon launches.
var slurmEnvBlacklist = []string{
	"SLURM_CHECKPOINT", "SLURM_CONN_TYPE", "SLURM_CPUS_PER_TASK",
	"SLURM_DEPENDENCY", "SLURM_DIST_PLANESIZE", "SLURM_DISTRIBUTION",
	"SLURM_EPILOG", "SLURM_GEOMETRY", "SLURM_NETWORK",
	"SLURM_NPROCS", "SLURM_NTASKS", "SLURM_NTASKS_PER_CORE",
	"SLURM_NTASKS_PER_NODE", "SLURM_NTASKS_PER_SOCKET", "SLURM_PARTITION",
	"SLURM_PROLOG", "SLURM_REMOTE_CWD", "SLURM_REQ_SWITCH",
	"SLURM_RESV_PORTS", "SLURM_TASK_EPILOG", "SLURM_TASK_PROLOG",
	"SLURM_WORKING_DIR",
}

type slurmStep struct {
	jobID  uint64
	stepID uint64
	layout proctable.StepLayout
}

type slurm struct {
	opts       Options
	log        *slog.Logger
	jobs       registry
	launcher   string
	appArgs    []string
	daemonArgs []string
}

func newSlurm(o Options) (*slurm, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	out, err := o.Runner.Output(ctx, []string{srunLauncher, "--version"}, nil)
	if err != nil {
		return nil, fmt.Errorf("srun --version: %w", err)
	}
	major, err := parseSlurmMajor(string(out))
	if err != nil {
		return nil, err
	}
	app, daemon, err := srunArgs(major, o.Getenv)
	if err != nil {
		return nil, err
	}
	o.Logger.Debug("slurm detected", "major", major)
	return &slurm{
		opts:       o,
		log:        o.Logger,
		launcher:   o.launcherName(srunLauncher),
		appArgs:    app,
		daemonArgs: daemon,
	}, nil
}

// parseSlurmMajor takes the major version from `srun --version` output such
// as "slurm 23.02.5".
func parseSlurmMajor(out string) (int, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	_, ver, ok := strings.Cut(line, " ")
	if !ok {
		return 0, fmt.Errorf("srun version: unexpected output %q", line)
	}
	majorStr, _, _ := strings.Cut(strings.TrimSpace(ver), ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return 0, fmt.Errorf("srun version: %q: %w", line, err)
	}
	return major, nil
}

// srunArgs returns the extra srun arguments for application and daemon
// launches. SRUN_OVERRIDE_ARGS replaces both sets, SRUN_APPEND_ARGS extends
// them.
func srunArgs(major int, getenv func(string) string) (app, daemon []string, err error) {
	daemon = []string{
		"--gres=none", "--mem-per-cpu=0", "--ntasks-per-node=1", "--disable-status",
		"--quiet", "--mpi=none", "--output=none", "--error=none",
	}
	if major <= 18 {
		daemon = append(daemon, "--mem_bind=no", "--cpu_bind=no", "--share")
	} else {
		daemon = append(daemon, "--mem-bind=no", "--cpu-bind=no", "--oversubscribe")
	}
	if raw := getenv(EnvSrunOverrideArgs); raw != "" {
		words, err := shellquote.Split(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", EnvSrunOverrideArgs, err)
		}
		app = append([]string(nil), words...)
		daemon = append([]string(nil), words...)
	}
	if raw := getenv(EnvSrunAppendArgs); raw != "" {
		words, err := shellquote.Split(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", EnvSrunAppendArgs, err)
		}
		app = append(app, words...)
		daemon = append(daemon, words...)
	}
	return app, daemon, nil
}

// ParseStepID splits a "jobid.stepid" string.
func ParseStepID(id string) (uint64, uint64, error) {
	js, ss, ok := strings.Cut(id, ".")
	if !ok {
		return 0, 0, fmt.Errorf("slurm id %q: want jobid.stepid", id)
	}
	j, err := strconv.ParseUint(js, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("slurm job id %q: %w", js, err)
	}
	s, err := strconv.ParseUint(ss, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("slurm step id %q: %w", ss, err)
	}
	return j, s, nil
}

func stepID(j, s uint64) string { return fmt.Sprintf("%d.%d", j, s) }

func (s *slurm) Variant() Variant { return Slurm }

func (s *slurm) ToolPath(*Job) string { return s.opts.toolDir(slurmToolDir) }

func (s *slurm) Launch(ctx context.Context, req LaunchRequest) (*Job, error) {
	path, err := s.opts.LookPath(s.launcher)
	if err != nil {
		return nil, fmt.Errorf("find launcher %s: %w", s.launcher, err)
	}
	argv := []string{path}
	if req.InputFile != "" {
		argv = append(argv, "--input="+req.InputFile)
		req.InputFile = ""
	}
	argv = append(argv, s.appArgs...)
	argv = append(argv, req.Argv...)

	l, err := launchHeld(ctx, s.opts, argv, req)
	if err != nil {
		return nil, err
	}
	job, err := s.adopt(ctx, l, req.HoldAtBarrier)
	if err != nil {
		discard(s.log, l)
		return nil, err
	}
	job.markLaunched()
	if err := settle(l, req.HoldAtBarrier); err != nil {
		return nil, err
	}
	return job, nil
}

// adopt reads the step id from a stopped srun and builds its Job.
func (s *slurm) adopt(ctx context.Context, l Launcher, hold bool) (*Job, error) {
	jobID, err := readUint(l, mpir.SymTotalviewJobID)
	if err != nil {
		return nil, err
	}
	step, err := readUint(l, mpir.SymTotalviewStep)
	if err != nil {
		return nil, err
	}
	id := stepID(jobID, step)
	layout, err := s.stepLayout(ctx, id)
	if err != nil {
		return nil, err
	}
	table := l.ProcTable()
	if err := checkPlacement(table, layout.NumPEs, layout.Hosts(), l.PID()); err != nil {
		return nil, err
	}
	job := newJob(Slurm, id, table, hold)
	job.launcher = l
	job.ext = &slurmStep{jobID: jobID, stepID: step, layout: layout}
	if cur, added := s.jobs.add(job); !added {
		return nil, fmt.Errorf("slurm step %s is already registered (pid %d)", id, cur.LauncherPID())
	}
	return job, nil
}

// Attach starts sattach under MPIR to read the proctable of a running step.
func (s *slurm) Attach(ctx context.Context, nativeID string) (*Job, error) {
	jobID, step, err := ParseStepID(nativeID)
	if err != nil {
		return nil, err
	}
	id := stepID(jobID, step)
	if j, ok := s.jobs.get(id); ok {
		return j, nil
	}
	layout, err := s.stepLayout(ctx, id)
	if err != nil {
		return nil, err
	}
	path, err := s.opts.LookPath(sattachBinary)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", sattachBinary, err)
	}
	l, err := s.opts.Debugger.Launch(ctx, mpir.SpawnSpec{Argv: []string{path, "-Q", id}}, true)
	if err != nil {
		return nil, fmt.Errorf("attach to slurm step %s: %w", id, err)
	}
	table := l.ProcTable()
	if err := checkPlacement(table, layout.NumPEs, layout.Hosts(), l.PID()); err != nil {
		discard(s.log, l)
		return nil, err
	}
	if err := l.Release(); err != nil {
		discard(s.log, l)
		return nil, err
	}
	job := newJob(Slurm, id, table, false)
	job.launcher = l
	job.ext = &slurmStep{jobID: jobID, stepID: step, layout: layout}
	if cur, added := s.jobs.add(job); !added {
		discard(s.log, l)
		return cur, nil
	}
	return job, nil
}

// AttachLauncher attaches to a running srun by pid and returns the step it
// launched.
func (s *slurm) AttachLauncher(ctx context.Context, pid int) (*Job, error) {
	l, err := s.opts.Debugger.Attach(ctx, pid)
	if err != nil {
		return nil, err
	}
	jobID, err := readUint(l, mpir.SymTotalviewJobID)
	if err == nil {
		var step uint64
		if step, err = readUint(l, mpir.SymTotalviewStep); err == nil {
			if err = l.Release(); err == nil {
				return s.Attach(ctx, stepID(jobID, step))
			}
		}
	}
	if derr := l.Detach(); derr != nil {
		s.log.Warn("detach srun", "pid", pid, "error", derr)
	}
	return nil, err
}

func (s *slurm) stepLayout(ctx context.Context, id string) (proctable.StepLayout, error) {
	out, err := s.opts.Runner.Output(ctx, []string{sattachBinary, "--layout", "-Q", id}, nil)
	if err != nil {
		return proctable.StepLayout{}, fmt.Errorf("invalid slurm step %s: %w", id, err)
	}
	layout, err := proctable.ParseStepLayout(bytes.NewReader(out))
	if err != nil {
		return proctable.StepLayout{}, err
	}
	if len(layout.Nodes) == 0 {
		return proctable.StepLayout{}, fmt.Errorf("slurm step %s has no nodes", id)
	}
	return layout, nil
}

func (s *slurm) ProcTable(_ context.Context, job *Job) (*proctable.Table, error) {
	if t := job.ProcTable(); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("slurm step %s: no proctable", job.ID())
}

func (s *slurm) Release(_ context.Context, job *Job) error {
	return job.releaseOnce(func() error {
		if job.launcher == nil {
			return nil
		}
		return job.launcher.Release()
	})
}

func (s *slurm) Kill(ctx context.Context, job *Job, sig syscall.Signal) error {
	argv := []string{"scancel", "-Q", "-s", strconv.Itoa(int(sig)), job.ID()}
	_, err := s.opts.Runner.Output(ctx, argv, nil)
	return bestEffort(s.log, "scancel", err)
}

func (s *slurm) step(job *Job) (*slurmStep, error) {
	st, ok := job.ext.(*slurmStep)
	if !ok {
		return nil, fmt.Errorf("job %s was not created by the slurm capability", job.ID())
	}
	return st, nil
}

// Ship broadcasts localPath to every node of the job allocation with sbcast.
func (s *slurm) Ship(ctx context.Context, job *Job, localPath string) error {
	st, err := s.step(job)
	if err != nil {
		return err
	}
	dest := filepath.Join(s.ToolPath(job), filepath.Base(localPath))
	argv := []string{"sbcast", "-C", "-j", strconv.FormatUint(st.jobID, 10), localPath, "--force", dest}
	if _, err := s.opts.Runner.Output(ctx, argv, nil); err != nil {
		return fmt.Errorf("sbcast %s: %w", filepath.Base(localPath), err)
	}
	return nil
}

// SpawnDaemon runs argv as a one-task-per-node step inside the job
// allocation.
func (s *slurm) SpawnDaemon(_ context.Context, job *Job, argv, extraEnv []string) (*process.Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty daemon argv")
	}
	st, err := s.step(job)
	if err != nil {
		return nil, err
	}
	path, err := s.opts.LookPath(s.launcher)
	if err != nil {
		return nil, fmt.Errorf("find launcher %s: %w", s.launcher, err)
	}
	args := []string{
		"--jobid=" + strconv.FormatUint(st.jobID, 10),
		"--nodes=" + strconv.Itoa(len(st.layout.Nodes)),
	}
	args = append(args, s.daemonArgs...)
	args = append(args, "--nodelist="+strings.Join(st.layout.Hosts(), ","))
	args = append(args, argv...)

	e := env.New()
	for _, k := range slurmEnvBlacklist {
		e.Set(k, "")
	}
	return s.opts.Runner.Start(process.Spec{
		Name: "srun-daemon-" + job.ID(),
		Path: path,
		Args: args,
		Env:  e.Merge(extraEnv),
	})
}

func (s *slurm) Close() error {
	closeLaunchers(s.log, s.jobs.all())
	return nil
}
