// Package session ties a job to its staging state: the manifest, the
// shipped-file ledger, daemon launches and the overwatch that cleans up
// after them.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/hpcattach/internal/daemon"
	"github.com/loykin/hpcattach/internal/history"
	"github.com/loykin/hpcattach/internal/ledger"
	"github.com/loykin/hpcattach/internal/manifest"
	"github.com/loykin/hpcattach/internal/metrics"
	"github.com/loykin/hpcattach/internal/staging"
	"github.com/loykin/hpcattach/internal/wlm"
)

const (
	// EnvStageName overrides the generated stage directory name.
	EnvStageName = "CRAY_CTI_STAGE_DIR"

	stagePrefix   = "cti_daemon"
	stageSuffix   = 6
	stageAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Supervisor tracks helper processes of a session for cleanup.
type Supervisor interface {
	Register(pid int) error
	Deregister(pid int) error
	Shutdown() error
	Detach()
}

// Config carries the collaborators of a session.
type Config struct {
	Capability wlm.Capability
	// Dir is the staging directory of this process; sessions live below it.
	Dir     *staging.Dir
	Ledger  ledger.Ledger
	History history.Sink
	// Supervisor is started per session. Nil disables process tracking.
	Supervisor func(sessionID string) (Supervisor, error)
	// DaemonPath is the local backend daemon binary shipped to the nodes.
	DaemonPath string
	// DaemonName is the name the daemon gets on the nodes; defaults to the
	// base name of DaemonPath.
	DaemonName string
	Launcher   daemon.Config
	// PackageMaxBytes splits shipments into several packages.
	PackageMaxBytes int64
	Resolver        *manifest.Resolver
	Getenv          func(string) string
	Logger          *slog.Logger
}

// Tool is a program started by the backend daemon on every node.
type Tool struct {
	// Binary is added to the manifest with its library closure.
	Binary string
	Args   []string
	Env    []string
}

// Session is one attach or launch context. Mutating operations are
// serialized; ID, Job and Stage may be read concurrently.
type Session struct {
	id    string
	job   *wlm.Job
	stage string
	dir   string
	cfg   Config
	log   *slog.Logger

	launcher *daemon.Launcher
	manifest *manifest.Manifest
	sup      Supervisor

	mu            sync.Mutex
	seq           int
	inst          int
	daemonShipped bool
	launched      map[string]*daemon.Result
	finalized     bool

	pidMu sync.Mutex
	pids  []int
}

// Create allocates the staging directory of a new session for job and
// starts its overwatch.
func Create(ctx context.Context, job *wlm.Job, cfg Config) (*Session, error) {
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.NewMemory()
	}
	if cfg.DaemonName == "" {
		cfg.DaemonName = filepath.Base(cfg.DaemonPath)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	log = log.With("session", id, "job", job.ID())

	if cfg.Dir == nil {
		return nil, &SessionError{Kind: StagingDirUnavailable, ID: id, Err: errors.New("no staging directory")}
	}
	dir, err := cfg.Dir.Sub(id)
	if err != nil {
		return nil, &SessionError{Kind: StagingDirUnavailable, ID: id, Err: err}
	}
	stage, err := stageName(cfg.Getenv)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, &SessionError{Kind: StagingDirUnavailable, ID: id, Err: err}
	}

	s := &Session{
		id:       id,
		job:      job,
		stage:    stage,
		dir:      dir,
		cfg:      cfg,
		log:      log,
		manifest: manifest.New(cfg.Resolver, log),
		launched: map[string]*daemon.Result{},
	}
	if cfg.Supervisor != nil {
		sup, err := cfg.Supervisor(id)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("session %s: start overwatch: %w", id, err)
		}
		s.sup = sup
		if pid := job.LauncherPID(); job.Launched() && pid > 0 {
			if err := s.Register(pid); err != nil {
				sup.Detach()
				_ = os.RemoveAll(dir)
				return nil, fmt.Errorf("session %s: track launcher %d: %w", id, pid, err)
			}
		}
	}
	lc := cfg.Launcher
	lc.Overwatch = s
	if lc.Logger == nil {
		lc.Logger = log
	}
	s.launcher = daemon.NewLauncher(cfg.Capability, lc)

	metrics.SessionOpened()
	log.Debug("session created", "stage", stage, "dir", dir)
	return s, nil
}

func stageName(getenv func(string) string) (string, error) {
	if n := getenv(EnvStageName); n != "" {
		if strings.ContainsAny(n, "/ ") {
			return "", fmt.Errorf("%s=%q is not a valid directory name", EnvStageName, n)
		}
		return n, nil
	}
	buf := make([]byte, stageSuffix)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = stageAlphabet[int(b)%len(stageAlphabet)]
	}
	return stagePrefix + string(buf), nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Job() *wlm.Job { return s.job }

// Stage is the directory name the session uses below the node tool path.
func (s *Session) Stage() string { return s.stage }

// Dir is the local directory holding the session's packages.
func (s *Session) Dir() string { return s.dir }

// Manifest exposes the entries added so far.
func (s *Session) Manifest() []manifest.Entry { return s.manifest.Entries() }

// Register tracks a helper pid with the overwatch. It is called by the
// daemon launcher while a launch holds the session lock, and by Create for
// the launcher of a job this process started.
func (s *Session) Register(pid int) error {
	if s.sup == nil {
		return nil
	}
	if err := s.sup.Register(pid); err != nil {
		return err
	}
	s.pidMu.Lock()
	s.pids = append(s.pids, pid)
	s.pidMu.Unlock()
	return nil
}

func (s *Session) emit(ctx context.Context, t history.EventType, count int, detail string, err error) {
	history.Emit(ctx, s.cfg.History, s.log, history.Event{
		Type:      t,
		Variant:   s.job.Variant().String(),
		JobID:     s.job.ID(),
		SessionID: s.id,
		Count:     count,
		Detail:    detail,
	}, err)
}

func (s *Session) checkOpen() error {
	if s.finalized {
		return &SessionError{Kind: Finalized, ID: s.id}
	}
	return nil
}

// AddBinary adds an executable and, under StageDeps, its library closure.
func (s *Session) AddBinary(name string, deps manifest.DepsPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.manifest.AddBinary(name, deps)
}

func (s *Session) AddLibrary(name string, deps manifest.DepsPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.manifest.AddLibrary(name, deps)
}

func (s *Session) AddLibDir(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.manifest.AddLibDir(dir)
}

func (s *Session) AddFile(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.manifest.AddFile(name)
}

// Ship sends the manifest entries the ledger does not list yet and returns
// how many files went out. After a partial failure the ledger holds exactly
// what arrived, so calling Ship again sends only the rest.
func (s *Session) Ship(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n, err := s.shipLocked(ctx)
	s.emit(ctx, history.EventShip, n, "", err)
	return n, err
}

func (s *Session) shipLocked(ctx context.Context) (int, error) {
	shipped, err := s.cfg.Ledger.Shipped(ctx, s.id)
	if err != nil {
		return 0, &SessionError{Kind: LedgerUnavailable, ID: s.id, Err: err}
	}
	if err := s.shipDaemonLocked(ctx, shipped); err != nil {
		return 0, err
	}
	have := make(map[string]string, len(shipped))
	for _, e := range shipped {
		have[e.Dest] = e.Digest
	}
	pending := s.manifest.Pending(have)
	if len(pending) == 0 {
		return 0, nil
	}
	p := manifest.Packer{Dir: s.dir, Stage: s.stage, MaxBytes: s.cfg.PackageMaxBytes}
	send := func(ctx context.Context, pkg string) error {
		return s.cfg.Capability.Ship(ctx, s.job, pkg)
	}
	record := func(ctx context.Context, pkg string, es []manifest.Entry) error {
		return s.cfg.Ledger.Mark(ctx, s.ledgerEntries(pkg, es))
	}
	res, err := p.Ship(ctx, pending, s.seq, send, record)
	s.seq += len(res.Packages)
	metrics.AddShipped(s.job.Variant().String(), res.Files, res.Bytes)
	s.log.Debug("shipped", "files", res.Files, "bytes", res.Bytes, "packages", res.Packages)
	return res.Files, err
}

func (s *Session) ledgerEntries(pkg string, es []manifest.Entry) []ledger.Entry {
	out := make([]ledger.Entry, 0, len(es))
	now := time.Now().UTC()
	for _, e := range es {
		out = append(out, ledger.Entry{
			SessionID: s.id, Dest: e.Dest, Digest: e.Digest, Size: e.Size, Package: pkg, ShippedAt: now,
		})
	}
	return out
}

// daemonDest is the ledger key of the raw daemon binary, outside any package.
func (s *Session) daemonDest() string { return "../" + s.cfg.DaemonName }

// shipDaemonLocked places the backend daemon in the node tool path once.
func (s *Session) shipDaemonLocked(ctx context.Context, shipped []ledger.Entry) error {
	if s.daemonShipped {
		return nil
	}
	for _, e := range shipped {
		if e.Dest == s.daemonDest() {
			s.daemonShipped = true
			return nil
		}
	}
	if s.cfg.DaemonPath == "" {
		return &manifest.ShipError{Kind: manifest.PackageFailed, Err: errors.New("no backend daemon configured")}
	}
	src := s.cfg.DaemonPath
	if filepath.Base(src) != s.cfg.DaemonName {
		// ship under the versioned name
		dst := filepath.Join(s.dir, s.cfg.DaemonName)
		if err := copyFile(src, dst); err != nil {
			return &manifest.ShipError{Kind: manifest.PackageFailed, Package: s.cfg.DaemonName, Err: err}
		}
		src = dst
	}
	if err := s.cfg.Capability.Ship(ctx, s.job, src); err != nil {
		return &manifest.ShipError{Kind: manifest.TransferFailed, Package: s.cfg.DaemonName, Err: err}
	}
	if err := s.cfg.Ledger.Mark(ctx, []ledger.Entry{{SessionID: s.id, Dest: s.daemonDest(), Digest: "-", ShippedAt: time.Now().UTC()}}); err != nil {
		return &manifest.ShipError{Kind: manifest.RecordFailed, Package: s.cfg.DaemonName, Err: err}
	}
	s.daemonShipped = true
	return nil
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0o700)
}

func (s *Session) daemonArgs(ctx context.Context) (daemon.Args, error) {
	shipped, err := s.cfg.Ledger.Shipped(ctx, s.id)
	if err != nil {
		return daemon.Args{}, &SessionError{Kind: LedgerUnavailable, ID: s.id, Err: err}
	}
	return daemon.Args{
		APID:      s.job.ID(),
		WLM:       s.job.Variant().String(),
		Path:      s.cfg.Capability.ToolPath(s.job),
		Directory: s.stage,
		Manifests: ledger.Packages(shipped),
	}, nil
}

func (s *Session) daemonPath() string {
	return filepath.Join(s.cfg.Capability.ToolPath(s.job), s.cfg.DaemonName)
}

// launchKey identifies a daemon launch for double invocation detection.
func launchKey(t Tool, packages []string) string {
	env := append([]string(nil), t.Env...)
	sort.Strings(env)
	return strings.Join([]string{
		t.Binary, strings.Join(t.Args, "\x00"), strings.Join(env, "\x00"), strings.Join(packages, "\x00"),
	}, "\x01")
}

// ExecManifest stages tool.Binary with the pending manifest and starts it on
// every node through the backend daemon. It returns once each node reported
// readiness. Repeating an identical launch returns the first result.
func (s *Session) ExecManifest(ctx context.Context, tool Tool) (*daemon.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	res, err := s.execLocked(ctx, tool)
	count := 0
	if res != nil {
		count = len(res.Ready)
	}
	s.emit(ctx, history.EventDaemon, count, filepath.Base(tool.Binary), err)
	return res, err
}

func (s *Session) execLocked(ctx context.Context, tool Tool) (*daemon.Result, error) {
	if tool.Binary != "" {
		if err := s.manifest.AddBinary(tool.Binary, manifest.StageDeps); err != nil {
			return nil, err
		}
	}
	n, err := s.shipLocked(ctx)
	if n > 0 || err != nil {
		s.emit(ctx, history.EventShip, n, "", err)
	}
	if err != nil {
		return nil, err
	}
	args, err := s.daemonArgs(ctx)
	if err != nil {
		return nil, err
	}
	key := launchKey(tool, args.Manifests)
	if prev, ok := s.launched[key]; ok {
		s.log.Info("daemon already launched for this manifest", "binary", tool.Binary)
		return prev, nil
	}
	// a failed launch leaves no lock file, so its number is reused
	args.Inst = s.inst + 1
	if tool.Binary != "" {
		args.Binary = filepath.Base(tool.Binary)
	}
	args.Env = tool.Env
	args.ToolArgs = tool.Args
	if dirs := s.manifest.OverrideDirs(); len(dirs) > 0 {
		args.LDLibPath = strings.Join(dirs, ":")
	}
	res, err := s.launcher.Launch(ctx, s.job, daemon.Request{DaemonPath: s.daemonPath(), Args: args})
	if err != nil {
		return nil, err
	}
	s.inst = args.Inst
	s.launched[key] = res
	return res, nil
}

// Release lets a job held at its startup barrier run. Releasing twice is a
// no-op.
func (s *Session) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.cfg.Capability.Release(ctx, s.job)
	s.emit(ctx, history.EventRelease, 0, "", err)
	return err
}

// Kill signals the job.
func (s *Session) Kill(ctx context.Context, sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.cfg.Capability.Kill(ctx, s.job, sig)
	s.emit(ctx, history.EventKill, 0, sig.String(), err)
	return err
}

// Cancel terminates every helper process of the session through the
// overwatch. It does not wait for a blocked operation and may be called from
// any goroutine.
func (s *Session) Cancel() error {
	if s.sup == nil {
		return nil
	}
	return s.sup.Shutdown()
}

// Finalize removes the staged files from the nodes and the local staging
// directory and releases the overwatch. Finalizing twice is a no-op.
func (s *Session) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil
	}
	s.finalized = true
	var errs []error
	if s.seq > 0 || s.daemonShipped {
		args, err := s.daemonArgs(ctx)
		if err == nil {
			args.Clean = true
			args.Inst = s.inst + 1
			_, err = s.launcher.Launch(ctx, s.job, daemon.Request{DaemonPath: s.daemonPath(), Args: args, Idempotent: true})
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("clean nodes: %w", err))
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, fmt.Errorf("remove staging dir: %w", err))
	}
	if err := s.cfg.Ledger.Forget(ctx, s.id); err != nil {
		errs = append(errs, fmt.Errorf("forget ledger: %w", err))
	}
	if s.sup != nil {
		s.pidMu.Lock()
		pids := append([]int(nil), s.pids...)
		s.pidMu.Unlock()
		for _, p := range pids {
			if err := s.sup.Deregister(p); err != nil {
				s.log.Debug("overwatch deregister", "pid", p, "error", err)
			}
		}
		s.sup.Detach()
	}
	metrics.SessionClosed()
	err := errors.Join(errs...)
	s.emit(ctx, history.EventFinalize, 0, "", err)
	return err
}
