// Package mpir drives the MPI debugger attach handshake: it pauses a launcher
// at MPIR_Breakpoint, reads the rank table out of its memory, and holds,
// releases or kills the job.
package mpir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"
)

// State is the attach state of an Instance.
type State int

const (
	Unattached State = iota
	AttachRequested
	StoppedAtHandshake
	ProcTableRead
	HeldAtBarrier
	Released
	Detached
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case AttachRequested:
		return "attach-requested"
	case StoppedAtHandshake:
		return "stopped-at-handshake"
	case ProcTableRead:
		return "proctable-read"
	case HeldAtBarrier:
		return "held-at-barrier"
	case Released:
		return "released"
	case Detached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultAttachTimeout    = 30 * time.Second
	DefaultHandshakeTimeout = 5 * time.Minute
)

// Config wires an Engine to its platform.
type Config struct {
	Backend          Backend
	Resolve          Resolver
	AttachTimeout    time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Engine starts or attaches MPIR instances. It holds no per-job state.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New returns an engine. A nil Backend or Resolver selects the platform
// ptrace tracer and ELF symbol reader.
func New(cfg Config) *Engine {
	if cfg.Backend == nil {
		cfg.Backend = NewPtraceBackend()
	}
	if cfg.Resolve == nil {
		cfg.Resolve = ResolveELF
	}
	if cfg.AttachTimeout <= 0 {
		cfg.AttachTimeout = DefaultAttachTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, log: log.With("component", "mpir")}
}

// Launch starts spec.Argv under the tracer, runs it to MPIR_Breakpoint with
// MPIR_debug_state == SPAWNED and reads the proctable. With hold the launcher
// stays stopped at the breakpoint until Release; otherwise it is released
// before Launch returns. A launcher that fails to reach the handshake is
// killed.
func (e *Engine) Launch(ctx context.Context, spec SpawnSpec, hold bool) (*Instance, error) {
	if len(spec.Argv) == 0 {
		return nil, attachErr(AttachFailed, 0, "launch", errors.New("empty argv"))
	}
	actx, cancel := context.WithTimeout(ctx, e.cfg.AttachTimeout)
	tr, err := e.cfg.Backend.Spawn(actx, spec)
	cancel()
	if err != nil {
		return nil, e.wrap(err, 0, "spawn", AttachFailed)
	}
	inst := newInstance(tr, true, e.log)
	inst.state = AttachRequested

	if err := e.handshake(ctx, inst, true); err != nil {
		inst.abort()
		_ = tr.Kill()
		return nil, err
	}
	if !hold {
		if err := inst.Release(); err != nil {
			return nil, err
		}
		return inst, nil
	}
	inst.setState(HeldAtBarrier)
	return inst, nil
}

// Attach stops a running launcher, continues it until its proctable is
// populated, and reads the table. The launcher stays stopped until Release
// or Detach.
func (e *Engine) Attach(ctx context.Context, pid int) (*Instance, error) {
	if pid <= 0 {
		return nil, attachErr(AttachFailed, pid, "attach", fmt.Errorf("invalid pid %d", pid))
	}
	actx, cancel := context.WithTimeout(ctx, e.cfg.AttachTimeout)
	tr, err := e.cfg.Backend.Attach(actx, pid)
	cancel()
	if err != nil {
		return nil, e.wrap(err, pid, "attach", AttachFailed)
	}
	inst := newInstance(tr, false, e.log)
	inst.state = AttachRequested
	if err := e.handshake(ctx, inst, false); err != nil {
		inst.abort()
		return nil, err
	}
	return inst, nil
}

// handshake sets MPIR_being_debugged, plants the breakpoint and runs the
// inferior until the proctable is final. Launched inferiors wait for
// MPIR_debug_state == SPAWNED; attached ones only for a non-empty table.
func (e *Engine) handshake(ctx context.Context, inst *Instance, launched bool) error {
	pid := inst.tr.PID()
	syms, err := e.cfg.Resolve(pid)
	if err != nil {
		return e.wrap(err, pid, "resolve symbols", SymbolNotFound)
	}
	inst.syms = syms
	for _, name := range []string{SymBeingDebugged, SymBreakpoint, SymDebugState, SymProcTable, SymProcTableSize} {
		if _, err := syms.Lookup(name); err != nil {
			return attachErr(SymbolNotFound, pid, "resolve symbols", err)
		}
	}
	if err := inst.writeFlag(1); err != nil {
		return err
	}
	if err := inst.insertBreakpoint(); err != nil {
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer cancel()

	ready := func() (bool, error) {
		if launched {
			st, err := inst.readVar(SymDebugState)
			return st == DebugStateSpawned, err
		}
		n, err := inst.readVar(SymProcTableSize)
		return n > 0, err
	}
	for {
		ok, err := ready()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if err := inst.runToBreakpoint(hctx); err != nil {
			return err
		}
	}
	inst.setState(StoppedAtHandshake)
	e.log.Debug("mpir handshake reached", "pid", pid)

	tab, err := decodeProcTable(inst.tr, syms, pid)
	if err != nil {
		return err
	}
	inst.table = tab
	inst.setState(ProcTableRead)
	return nil
}

func (e *Engine) wrap(err error, pid int, op string, kind AttachErrorKind) error {
	var ae *AttachError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = Timeout
	}
	return attachErr(kind, pid, op, err)
}

// signalToForward decides whether a stop signal is passed back to the
// inferior when continuing.
func signalToForward(s Stop) syscall.Signal {
	switch s.Signal {
	case syscall.SIGTRAP, syscall.SIGSTOP:
		return 0
	default:
		return s.Signal
	}
}
