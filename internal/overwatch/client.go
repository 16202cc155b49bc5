package overwatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/hpcattach/internal/logger"
	"github.com/loykin/hpcattach/internal/process"
	"github.com/loykin/hpcattach/internal/wire"
)

// ErrClosed is returned by requests after Shutdown or Detach.
var ErrClosed = errors.New("overwatch: closed")

// ClientConfig describes how to start the overwatch binary.
type ClientConfig struct {
	Path string
	Args []string
	// Env is the full environment of the overwatch; nil inherits ours.
	Env []string
	// Timeout bounds each request round trip.
	Timeout time.Duration
	Log     logger.FileConfig
	Logger  *slog.Logger
}

// Client drives one overwatch process over its stdin and stdout. The
// overwatch runs in its own session and cleans up when our end of its stdin
// closes, including when this process dies.
type Client struct {
	cfg  ClientConfig
	proc *process.Process
	log  *slog.Logger

	mu     sync.Mutex
	ctrl   *os.File
	reply  *os.File
	closed bool
}

// Start spawns the overwatch.
func Start(cfg ClientConfig) (*Client, error) {
	if cfg.Path == "" {
		return nil, errors.New("overwatch: no binary configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ctrlR, ctrlW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	replyR, replyW, err := os.Pipe()
	if err != nil {
		_ = ctrlR.Close()
		_ = ctrlW.Close()
		return nil, err
	}
	// stdout carries replies; only stderr goes to the log files
	var stderr io.WriteCloser
	if cfg.Log.Enabled() {
		if _, stderr, err = cfg.Log.Writers("overwatch"); err != nil {
			_ = ctrlR.Close()
			_ = ctrlW.Close()
			_ = replyR.Close()
			_ = replyW.Close()
			return nil, err
		}
	}
	spec := process.Spec{
		Name:     "overwatch",
		Path:     cfg.Path,
		Args:     cfg.Args,
		Env:      cfg.Env,
		Stdin:    ctrlR,
		Stdout:   replyW,
		Detached: true,
	}
	if stderr != nil {
		spec.Stderr = stderr
	}
	p := process.New(spec)
	err = p.Start()
	_ = ctrlR.Close()
	_ = replyW.Close()
	if err != nil {
		_ = ctrlW.Close()
		_ = replyR.Close()
		return nil, fmt.Errorf("overwatch: %w", err)
	}
	log.Debug("overwatch started", "pid", p.PID())
	return &Client{cfg: cfg, proc: p, log: log, ctrl: ctrlW, reply: replyR}, nil
}

// PID of the overwatch process.
func (c *Client) PID() int { return c.proc.PID() }

// Register asks the overwatch to track the process group led by pid.
func (c *Client) Register(pid int) error {
	return c.request(wire.KindRegister, wire.Register{PID: pid})
}

// Deregister releases pid without signaling it.
func (c *Client) Deregister(pid int) error {
	return c.request(wire.KindDeregister, wire.Deregister{PID: pid})
}

// Shutdown terminates every tracked group and waits for the overwatch to
// exit. Calling it again is a no-op.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	err := c.roundTrip(wire.KindShutdown, nil)
	c.closeLocked()
	c.mu.Unlock()
	c.waitExit()
	return err
}

// Detach closes the control channel. The overwatch treats this like
// Shutdown, so callers Deregister what must survive first.
func (c *Client) Detach() {
	c.mu.Lock()
	if !c.closed {
		c.closeLocked()
	}
	c.mu.Unlock()
	c.waitExit()
}

func (c *Client) waitExit() {
	select {
	case <-c.proc.Done():
	case <-time.After(c.cfg.Timeout + DefaultGrace):
		c.log.Warn("overwatch did not exit, killing", "pid", c.proc.PID())
		_ = c.proc.Kill()
	}
}

func (c *Client) closeLocked() {
	c.closed = true
	_ = c.ctrl.Close()
	_ = c.reply.Close()
}

func (c *Client) request(kind wire.Kind, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.roundTrip(kind, v)
}

func (c *Client) roundTrip(kind wire.Kind, v any) error {
	deadline := time.Now().Add(c.cfg.Timeout)
	_ = c.ctrl.SetWriteDeadline(deadline)
	_ = c.reply.SetReadDeadline(deadline)
	if err := wire.Write(c.ctrl, kind, v); err != nil {
		return fmt.Errorf("overwatch %s: %w", kind, err)
	}
	f, err := wire.ReadFrame(c.reply)
	if err != nil {
		return fmt.Errorf("overwatch %s reply: %w", kind, err)
	}
	var r wire.Reply
	if err := f.Decode(&r); err != nil {
		return fmt.Errorf("overwatch %s reply: %w", kind, err)
	}
	if f.Header.Kind == wire.KindError {
		return fmt.Errorf("overwatch %s: %s", kind, r.Error)
	}
	return nil
}
