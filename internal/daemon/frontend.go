// Package daemon launches the per-node backend daemon and waits for every
// node to report readiness. It also holds the backend runtime itself.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/hpcattach/internal/metrics"
	"github.com/loykin/hpcattach/internal/process"
	"github.com/loykin/hpcattach/internal/wire"
	"github.com/loykin/hpcattach/internal/wlm"
)

const (
	DefaultTimeout = 60 * time.Second
	// frameTimeout bounds how long one accepted connection may take to
	// deliver its frame.
	frameTimeout = 10 * time.Second
	// exitDrain is how long failure frames are awaited after the launcher
	// exited with an error.
	exitDrain = 500 * time.Millisecond
)

// Spawner is the part of a workload manager capability the launcher needs.
type Spawner interface {
	Variant() wlm.Variant
	SpawnDaemon(ctx context.Context, job *wlm.Job, argv, env []string) (*process.Process, error)
}

// Registrar tracks spawned helpers for cleanup.
type Registrar interface {
	Register(pid int) error
}

// Config of a Launcher.
type Config struct {
	// ListenHost is the local address the readiness listener binds.
	// Empty binds every interface.
	ListenHost string
	// AdvertiseHost is the name daemons dial back. Defaults to the hostname.
	AdvertiseHost string
	Timeout       time.Duration
	Overwatch     Registrar
	Logger        *slog.Logger
}

// Launcher starts backend daemons through a capability.
type Launcher struct {
	spawner Spawner
	cfg     Config
	log     *slog.Logger
}

func NewLauncher(s Spawner, cfg Config) *Launcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AdvertiseHost == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.AdvertiseHost = h
		} else {
			cfg.AdvertiseHost = "localhost"
		}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{spawner: s, cfg: cfg, log: log}
}

// Request is one daemon launch.
type Request struct {
	// DaemonPath is the daemon binary as seen on the nodes.
	DaemonPath string
	Args       Args
	Env        []string
	// Idempotent launches (staging, cleanup) are retried on spawn failure.
	Idempotent bool
}

// Result of a launch that reached readiness.
type Result struct {
	Ready   []wire.Ready
	Process *process.Process
}

type message struct {
	frame wire.Frame
	err   error
}

// Launch spawns the daemon on every node of job and blocks until each node
// reported readiness, one reported failure, or the timeout expired.
func (l *Launcher) Launch(ctx context.Context, job *wlm.Job, req Request) (res *Result, err error) {
	variant := l.spawner.Variant().String()
	defer func() { metrics.IncDaemonLaunch(variant, err) }()

	want := len(job.Hosts())
	if want == 0 {
		want = 1
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(l.cfg.ListenHost, "0"))
	if err != nil {
		return nil, &DaemonError{Kind: ListenFailed, Want: want, Err: err}
	}
	port := ln.Addr().(*net.TCPAddr).Port

	token := uuid.NewString()
	args := req.Args
	args.ReadyAddr = net.JoinHostPort(l.cfg.AdvertiseHost, strconv.Itoa(port))
	args.ReadyToken = token
	argv := append([]string{req.DaemonPath}, args.Argv()...)

	msgs := make(chan message)
	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error { return l.accept(ln, msgs, stop) })
	defer func() {
		close(stop)
		_ = ln.Close()
		_ = g.Wait()
	}()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	proc, err := l.spawn(ctx, job, argv, req)
	if err != nil {
		return nil, &DaemonError{Kind: SpawnFailed, Want: want, Err: err}
	}
	if proc != nil && l.cfg.Overwatch != nil {
		if err := l.cfg.Overwatch.Register(proc.PID()); err != nil {
			l.log.Warn("overwatch register failed", "pid", proc.PID(), "error", err)
		}
	}
	l.log.Debug("daemon spawned", "job", job.ID(), "want", want, "addr", args.ReadyAddr)

	ready, err := l.collect(ctx, token, want, proc, msgs)
	if err != nil {
		return nil, err
	}
	return &Result{Ready: ready, Process: proc}, nil
}

func (l *Launcher) spawn(ctx context.Context, job *wlm.Job, argv []string, req Request) (*process.Process, error) {
	if !req.Idempotent {
		return l.spawner.SpawnDaemon(ctx, job, argv, req.Env)
	}
	var proc *process.Process
	op := func() error {
		p, err := l.spawner.SpawnDaemon(ctx, job, argv, req.Env)
		if err != nil {
			l.log.Debug("daemon spawn failed, retrying", "error", err)
			return err
		}
		proc = p
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
	return proc, err
}

// accept hands one frame per connection to msgs until stop closes.
func (l *Launcher) accept(ln net.Listener, msgs chan<- message, stop <-chan struct{}) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-stop:
				case <-done:
				}
				_ = conn.Close()
			}()
			_ = conn.SetReadDeadline(time.Now().Add(frameTimeout))
			f, err := wire.ReadFrame(conn)
			select {
			case msgs <- message{frame: f, err: err}:
			case <-stop:
			}
		}()
	}
}

func (l *Launcher) collect(ctx context.Context, token string, want int, proc *process.Process, msgs <-chan message) ([]wire.Ready, error) {
	var (
		ready   []wire.Ready
		seen    = map[string]bool{}
		exited  <-chan struct{}
		exitErr error
		drain   <-chan time.Time
	)
	if proc != nil {
		exited = proc.Done()
	}
	fail := func(kind DaemonErrorKind, err error) *DaemonError {
		return &DaemonError{Kind: kind, Ready: len(ready), Want: want, Err: err}
	}
	for len(ready) < want {
		select {
		case <-ctx.Done():
			return nil, fail(HandshakeTimeout, ctx.Err())
		case <-drain:
			return nil, fail(SpawnFailed, exitErr)
		case <-exited:
			exited = nil
			if err := proc.Snapshot().ExitErr; err != nil {
				exitErr = err
				drain = time.After(exitDrain)
			}
		case m := <-msgs:
			if m.err != nil {
				l.log.Warn("bad readiness connection", "error", m.err)
				continue
			}
			switch m.frame.Header.Kind {
			case wire.KindReady:
				var r wire.Ready
				if err := m.frame.Decode(&r); err != nil {
					return nil, fail(ProtocolError, err)
				}
				if r.Token != token {
					l.log.Warn("readiness with foreign token ignored", "host", r.Host)
					continue
				}
				key := r.Host + "/" + strconv.Itoa(r.Inst) + "/" + strconv.Itoa(r.PID)
				if seen[key] {
					continue
				}
				seen[key] = true
				ready = append(ready, r)
			case wire.KindFailure:
				var f wire.Failure
				if err := m.frame.Decode(&f); err != nil {
					return nil, fail(ProtocolError, err)
				}
				if f.Token != token {
					l.log.Warn("failure with foreign token ignored", "host", f.Host)
					continue
				}
				e := fail(DaemonFailed, errors.New(f.Detail))
				e.Host, e.Reason = f.Host, f.Reason
				return nil, e
			default:
				return nil, fail(ProtocolError, fmt.Errorf("unexpected %s frame", m.frame.Header.Kind))
			}
		}
	}
	return ready, nil
}
