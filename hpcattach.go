// Package hpcattach launches or attaches to parallel jobs under the local
// workload manager and stages tool binaries and daemons onto their compute
// nodes.
package hpcattach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/hpcattach/internal/config"
	"github.com/loykin/hpcattach/internal/daemon"
	"github.com/loykin/hpcattach/internal/history"
	historyfactory "github.com/loykin/hpcattach/internal/history/factory"
	"github.com/loykin/hpcattach/internal/ledger"
	ledgerfactory "github.com/loykin/hpcattach/internal/ledger/factory"
	"github.com/loykin/hpcattach/internal/logger"
	"github.com/loykin/hpcattach/internal/manifest"
	"github.com/loykin/hpcattach/internal/metrics"
	"github.com/loykin/hpcattach/internal/mpir"
	"github.com/loykin/hpcattach/internal/overwatch"
	"github.com/loykin/hpcattach/internal/proctable"
	"github.com/loykin/hpcattach/internal/remote"
	"github.com/loykin/hpcattach/internal/session"
	"github.com/loykin/hpcattach/internal/staging"
	"github.com/loykin/hpcattach/internal/wlm"
)

// Re-exported types; aliases keep conversions free.

type Config = config.Config

type Variant = wlm.Variant

type Job = wlm.Job

type LaunchRequest = wlm.LaunchRequest

type ProcTable = proctable.Table

type Session = session.Session

type Tool = session.Tool

type DepsPolicy = manifest.DepsPolicy

type HistorySink = history.Sink

const (
	StageDeps  = manifest.StageDeps
	IgnoreDeps = manifest.IgnoreDeps
)

// LoadConfig reads a TOML config file (path may be empty) and the environment.
func LoadConfig(path string) (*Config, error) { return config.Load(path, nil) }

// Options customizes New. Zero values use the configuration.
type Options struct {
	Config *Config
	Logger *slog.Logger
	// Capability replaces workload manager detection.
	Capability wlm.Capability
	// Shell replaces the SSH transport of the generic and Flux variants.
	Shell wlm.Shell
	// History replaces the sink selected by the history DSN.
	History HistorySink
}

// Frontend owns the workload manager binding, the staging directory of this
// process and the sessions created through it.
type Frontend struct {
	cfg        *Config
	log        *slog.Logger
	getenv     func(string) string
	capability wlm.Capability
	area       *staging.Area
	dir        *staging.Dir
	ledger     ledger.Ledger
	history    history.Sink

	daemonPath    string
	overwatchPath string

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

// New prepares the staging area, removes stale directories of dead
// frontends and binds the workload manager.
func New(ctx context.Context, opts Options) (*Frontend, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = LoadConfig(""); err != nil {
			return nil, err
		}
	}
	getenv, err := cfg.Getenv()
	if err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = frontendLogger(cfg)
	}
	f := &Frontend{cfg: cfg, log: log, getenv: getenv, sessions: map[string]*session.Session{}}
	ok := false
	defer func() {
		if !ok {
			f.closeResources()
		}
	}()

	f.area, err = staging.Open(staging.Config{Root: cfg.Staging.Root, Grace: cfg.Staging.Grace, Getenv: getenv, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("staging: %w", err)
	}
	if cfg.Staging.GCOnStart {
		if removed, err := f.area.GC(ctx); err != nil {
			log.Warn("staging gc", "error", err)
		} else if len(removed) > 0 {
			log.Info("removed stale staging directories", "count", len(removed))
		}
	}
	if f.dir, err = f.area.Create(os.Getpid()); err != nil {
		return nil, err
	}

	f.capability = opts.Capability
	if f.capability == nil {
		if f.capability, err = openCapability(cfg, getenv, opts.Shell, log); err != nil {
			return nil, err
		}
	}

	dsn := cfg.Ledger.DSN
	if dsn == "" {
		dsn = "memory://"
	}
	if f.ledger, err = ledgerfactory.NewFromDSN(ctx, dsn); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	f.history = opts.History
	if f.history == nil && cfg.History.DSN != "" {
		if f.history, err = historyfactory.NewSinkFromDSN(cfg.History.DSN); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
	}

	if f.daemonPath, err = cfg.LibexecPath(config.DaemonBinary); err != nil {
		log.Warn("backend daemon unavailable, shipping disabled", "error", err)
	}
	if f.overwatchPath, err = cfg.LibexecPath(config.OverwatchBinary); err != nil {
		log.Warn("overwatch unavailable, helpers are not cleaned up after a crash", "error", err)
	}
	ok = true
	return f, nil
}

func frontendLogger(cfg *Config) *slog.Logger {
	if cfg.DebugLogDir != "" {
		lc := logger.Config{Slog: logger.SlogConfig{Level: logger.LevelDebug}, File: logger.FileConfig{Dir: cfg.DebugLogDir}}
		if l := lc.NewProcessLogger("hpcattach-" + strconv.Itoa(os.Getpid())); l != nil {
			return l
		}
	}
	return cfg.Log.NewSlogger()
}

func openCapability(cfg *Config, getenv func(string) string, shell wlm.Shell, log *slog.Logger) (wlm.Capability, error) {
	var (
		v   wlm.Variant
		err error
	)
	if cfg.WLM != "" {
		v, err = wlm.ParseVariant(cfg.WLM)
	} else {
		v, err = wlm.Detect(log)
	}
	if err != nil {
		return nil, err
	}
	if shell == nil && (v == wlm.Generic || v == wlm.Flux) {
		c, err := remote.New(cfg.SSH, log)
		if err != nil {
			return nil, fmt.Errorf("ssh: %w", err)
		}
		shell = c
	}
	lookup := getenv
	if cfg.LauncherName != "" {
		lookup = func(k string) string {
			if k == wlm.EnvLauncherName {
				return cfg.LauncherName
			}
			return getenv(k)
		}
	}
	return wlm.Open(v, wlm.Options{
		Getenv: lookup,
		Debugger: wlm.NewDebugger(mpir.New(mpir.Config{
			AttachTimeout:    cfg.Timeouts.Attach,
			HandshakeTimeout: cfg.Timeouts.Handshake,
			Logger:           log,
		})),
		Shell:   shell,
		ToolDir: cfg.ToolDir,
		PALS:    cfg.PALS,
		Logger:  log,
	})
}

// Variant is the bound workload manager.
func (f *Frontend) Variant() Variant { return f.capability.Variant() }

// Capability exposes the workload manager binding.
func (f *Frontend) Capability() wlm.Capability { return f.capability }

// StagingDir is this process's local staging directory.
func (f *Frontend) StagingDir() string { return f.dir.Path }

func (f *Frontend) emit(ctx context.Context, t history.EventType, job *Job, detail string, err error) {
	e := history.Event{Type: t, Variant: f.capability.Variant().String(), Detail: detail}
	if job != nil {
		e.JobID = job.ID()
		e.Count = len(job.ProcTable().Entries())
	}
	history.Emit(ctx, f.history, f.log, e, err)
}

// Launch starts a job through the workload manager's launcher.
func (f *Frontend) Launch(ctx context.Context, req LaunchRequest) (*Job, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()
	job, err := f.capability.Launch(ctx, req)
	variant := f.capability.Variant().String()
	metrics.IncAttach(variant, err)
	metrics.ObserveAttachDuration(variant, time.Since(start).Seconds())
	f.emit(ctx, history.EventLaunch, job, "", err)
	return job, err
}

// Attach binds to a running job by its native id.
func (f *Frontend) Attach(ctx context.Context, nativeID string) (*Job, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()
	job, err := f.capability.Attach(ctx, nativeID)
	variant := f.capability.Variant().String()
	metrics.IncAttach(variant, err)
	metrics.ObserveAttachDuration(variant, time.Since(start).Seconds())
	f.emit(ctx, history.EventAttach, job, nativeID, err)
	return job, err
}

// ProcTable returns the job's rank to host and pid mapping.
func (f *Frontend) ProcTable(ctx context.Context, job *Job) (*ProcTable, error) {
	return f.capability.ProcTable(ctx, job)
}

// Release lets a job held at its startup barrier run.
func (f *Frontend) Release(ctx context.Context, job *Job) error {
	err := f.capability.Release(ctx, job)
	f.emit(ctx, history.EventRelease, job, "", err)
	return err
}

// Kill signals every rank of job.
func (f *Frontend) Kill(ctx context.Context, job *Job, sig syscall.Signal) error {
	err := f.capability.Kill(ctx, job, sig)
	f.emit(ctx, history.EventKill, job, sig.String(), err)
	return err
}

func (f *Frontend) checkOpen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("hpcattach: frontend closed")
	}
	return nil
}

// NewSession opens a staging session on job.
func (f *Frontend) NewSession(ctx context.Context, job *Job) (*Session, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	cfg := session.Config{
		Capability:      f.capability,
		Dir:             f.dir,
		Ledger:          f.ledger,
		History:         f.history,
		DaemonPath:      f.daemonPath,
		DaemonName:      f.cfg.DaemonName(),
		PackageMaxBytes: f.cfg.Daemon.PackageMaxBytes,
		Resolver:        &manifest.Resolver{Getenv: f.getenv},
		Getenv:          f.stageEnv,
		Logger:          f.log,
		Launcher: daemon.Config{
			ListenHost:    f.cfg.Daemon.ListenHost,
			AdvertiseHost: f.cfg.Daemon.AdvertiseHost,
			Timeout:       f.cfg.Timeouts.Readiness,
		},
	}
	if f.overwatchPath != "" {
		cfg.Supervisor = f.startOverwatch
	}
	s, err := session.Create(ctx, job, cfg)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sessions[s.ID()] = s
	f.mu.Unlock()
	return s, nil
}

// stageEnv serves the stage name override from the configuration.
func (f *Frontend) stageEnv(k string) string {
	if k == session.EnvStageName && f.cfg.Staging.StageName != "" {
		return f.cfg.Staging.StageName
	}
	return f.getenv(k)
}

func (f *Frontend) startOverwatch(id string) (session.Supervisor, error) {
	args := []string{"--grace", f.cfg.Timeouts.StopGrace.String()}
	if f.cfg.DebugLogDir != "" {
		args = append(args, "--debug")
	}
	return overwatch.Start(overwatch.ClientConfig{
		Path:   f.overwatchPath,
		Args:   args,
		Env:    []string{config.EnvDebugLogDir + "=" + f.cfg.DebugLogDir},
		Log:    logger.FileConfig{Dir: f.cfg.DebugLogDir},
		Logger: f.log.With("session", id),
	})
}

// CloseSession finalizes s and forgets it.
func (f *Frontend) CloseSession(ctx context.Context, s *Session) error {
	err := s.Finalize(ctx)
	f.mu.Lock()
	delete(f.sessions, s.ID())
	f.mu.Unlock()
	return err
}

// Close finalizes every open session and releases the staging directory and
// the workload manager binding.
func (f *Frontend) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	sessions := make([]*session.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.sessions = map[string]*session.Session{}
	f.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Finalize(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, f.closeResources())
	return errors.Join(errs...)
}

func (f *Frontend) closeResources() error {
	var errs []error
	if f.capability != nil {
		errs = append(errs, f.capability.Close())
	}
	if f.ledger != nil {
		errs = append(errs, f.ledger.Close())
	}
	if c, ok := f.history.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if f.dir != nil {
		errs = append(errs, f.dir.Remove())
	}
	return errors.Join(errs...)
}

// RegisterMetrics registers the collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// ServeMetrics registers with the default registry and serves /metrics on
// addr.
func ServeMetrics(addr string) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}
