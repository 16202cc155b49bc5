package mpir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	"github.com/loykin/hpcattach/internal/proctable"
)

// Instance is one traced launcher.
type Instance struct {
	mu       sync.Mutex
	tr       Tracer
	syms     Symbols
	log      *slog.Logger
	spawned  bool
	state    State
	table    *proctable.Table
	bpAddr   uintptr
	bpOrig   []byte
	bpActive bool
	atBP     bool // stopped on the trap, PC not yet rewound
	exited   bool
}

func newInstance(tr Tracer, spawned bool, log *slog.Logger) *Instance {
	return &Instance{tr: tr, spawned: spawned, log: log}
}

// PID returns the launcher pid.
func (i *Instance) PID() int { return i.tr.PID() }

// State returns the current attach state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// ProcTable returns the table read at the handshake.
func (i *Instance) ProcTable() *proctable.Table { return i.table }

// ReadString reads the char* variable sym (e.g. totalview_jobid). The
// launcher must still be stopped.
func (i *Instance) ReadString(sym string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	pid := i.tr.PID()
	if i.state == Detached || i.exited {
		return "", attachErr(AttachFailed, pid, "read "+sym, errors.New("not attached"))
	}
	addr, err := i.syms.Lookup(sym)
	if err != nil {
		return "", attachErr(SymbolNotFound, pid, "read "+sym, err)
	}
	p, err := readPtr(i.tr, addr)
	if err != nil {
		return "", attachErr(MemoryAccess, pid, "read "+sym, err)
	}
	s, err := readCString(i.tr, p)
	if err != nil {
		return "", attachErr(MemoryAccess, pid, "read "+sym, err)
	}
	return s, nil
}

// Release clears MPIR_being_debugged, removes the breakpoint and detaches,
// letting the job run. Calling it again is a no-op.
func (i *Instance) Release() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == Released || i.state == Detached {
		return nil
	}
	if i.exited {
		i.state = Detached
		return nil
	}
	if err := i.writeFlagLocked(0); err != nil {
		i.log.Warn("clear MPIR_being_debugged failed", "pid", i.tr.PID(), "error", err)
	}
	i.state = Released
	return i.detachLocked()
}

// Detach leaves the launcher running with MPIR state untouched. Detaching an
// exited launcher is a no-op.
func (i *Instance) Detach() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == Detached || i.exited {
		i.state = Detached
		return nil
	}
	return i.detachLocked()
}

// Kill terminates the launcher.
func (i *Instance) Kill() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.exited {
		return nil
	}
	err := i.tr.Kill()
	i.exited = true
	i.state = Detached
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return attachErr(AttachFailed, i.tr.PID(), "kill", err)
	}
	return nil
}

// Wait blocks until a released launcher exits.
func (i *Instance) Wait(ctx context.Context) error {
	if err := i.tr.WaitExit(ctx); err != nil {
		return err
	}
	i.mu.Lock()
	i.exited = true
	i.mu.Unlock()
	return nil
}

func (i *Instance) detachLocked() error {
	pid := i.tr.PID()
	i.removeBreakpointLocked()
	err := i.tr.Detach()
	i.state = Detached
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return attachErr(AttachFailed, pid, "detach", err)
	}
	return nil
}

// abort is the best-effort cleanup after a failed handshake.
func (i *Instance) abort() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.exited || i.state == Detached {
		return
	}
	if err := i.detachLocked(); err != nil {
		i.log.Warn("detach after failed handshake", "pid", i.tr.PID(), "error", err)
	}
}

func (i *Instance) readVar(sym string) (int32, error) {
	pid := i.tr.PID()
	addr, err := i.syms.Lookup(sym)
	if err != nil {
		return 0, attachErr(SymbolNotFound, pid, "read "+sym, err)
	}
	v, err := readInt32(i.tr, addr)
	if err != nil {
		return 0, attachErr(MemoryAccess, pid, "read "+sym, err)
	}
	return v, nil
}

func (i *Instance) writeFlag(v int32) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.writeFlagLocked(v)
}

func (i *Instance) writeFlagLocked(v int32) error {
	pid := i.tr.PID()
	addr, err := i.syms.Lookup(SymBeingDebugged)
	if err != nil {
		return attachErr(SymbolNotFound, pid, "write "+SymBeingDebugged, err)
	}
	if err := writeInt32(i.tr, addr, v); err != nil {
		return attachErr(MemoryAccess, pid, "write "+SymBeingDebugged, err)
	}
	return nil
}

func (i *Instance) insertBreakpoint() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	pid := i.tr.PID()
	if len(trapInstr) == 0 {
		return attachErr(AttachFailed, pid, "breakpoint", errors.New("breakpoints unsupported on this architecture"))
	}
	addr, err := i.syms.Lookup(SymBreakpoint)
	if err != nil {
		return attachErr(SymbolNotFound, pid, "breakpoint", err)
	}
	orig, err := i.tr.ReadMemory(addr, len(trapInstr))
	if err != nil {
		return attachErr(MemoryAccess, pid, "breakpoint", err)
	}
	if err := i.tr.WriteMemory(addr, trapInstr); err != nil {
		return attachErr(MemoryAccess, pid, "breakpoint", err)
	}
	i.bpAddr, i.bpOrig, i.bpActive = addr, orig, true
	return nil
}

// removeBreakpointLocked restores the original instruction and rewinds the PC
// when the inferior is parked on the trap.
func (i *Instance) removeBreakpointLocked() {
	if !i.bpActive {
		return
	}
	if err := i.tr.WriteMemory(i.bpAddr, i.bpOrig); err != nil {
		i.log.Warn("restore breakpoint failed", "pid", i.tr.PID(), "error", err)
	}
	if i.atBP {
		_ = i.tr.SetPC(i.bpAddr)
		i.atBP = false
	}
	i.bpActive = false
}

// runToBreakpoint resumes the inferior until it traps at MPIR_Breakpoint,
// stepping over the breakpoint first when it is parked on it.
func (i *Instance) runToBreakpoint(ctx context.Context) error {
	pid := i.tr.PID()
	if i.atBP {
		if err := i.stepOver(ctx); err != nil {
			return err
		}
	}
	sig := syscall.Signal(0)
	for {
		if err := i.tr.Cont(sig); err != nil {
			return attachErr(AttachFailed, pid, "continue", err)
		}
		st, err := i.tr.Wait(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return attachErr(Timeout, pid, "wait for MPIR_Breakpoint", err)
			}
			return attachErr(AttachFailed, pid, "wait", err)
		}
		if st.terminated() {
			i.exited = true
			return attachErr(Terminated, pid, "wait for MPIR_Breakpoint",
				fmt.Errorf("exit status %d signal %v", st.Status, st.Signal))
		}
		if st.Signal == syscall.SIGTRAP {
			pc, err := i.tr.PC()
			if err != nil {
				return attachErr(AttachFailed, pid, "read pc", err)
			}
			if pc-pcAfterTrap == i.bpAddr {
				i.atBP = true
				return nil
			}
		}
		sig = signalToForward(st)
	}
}

func (i *Instance) stepOver(ctx context.Context) error {
	pid := i.tr.PID()
	if err := i.tr.WriteMemory(i.bpAddr, i.bpOrig); err != nil {
		return attachErr(MemoryAccess, pid, "step over breakpoint", err)
	}
	if err := i.tr.SetPC(i.bpAddr); err != nil {
		return attachErr(AttachFailed, pid, "step over breakpoint", err)
	}
	i.atBP = false
	if err := i.tr.Step(); err != nil {
		return attachErr(AttachFailed, pid, "step over breakpoint", err)
	}
	st, err := i.tr.Wait(ctx)
	if err != nil {
		return attachErr(Timeout, pid, "step over breakpoint", err)
	}
	if st.terminated() {
		i.exited = true
		return attachErr(Terminated, pid, "step over breakpoint", nil)
	}
	if err := i.tr.WriteMemory(i.bpAddr, trapInstr); err != nil {
		return attachErr(MemoryAccess, pid, "step over breakpoint", err)
	}
	return nil
}
