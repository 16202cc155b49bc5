package mpir

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const waitPoll = 5 * time.Millisecond

// ptraceBackend runs every ptrace request of an inferior on one locked OS
// thread, as the kernel requires.
type ptraceBackend struct{}

// NewPtraceBackend returns the Linux ptrace backend.
func NewPtraceBackend() Backend { return ptraceBackend{} }

var errThreadClosed = errors.New("tracer already detached")

type ptraceThread struct {
	mu     sync.Mutex
	reqs   chan func()
	closed bool
}

func newPtraceThread() *ptraceThread {
	t := &ptraceThread{reqs: make(chan func())}
	go func() {
		// The goroutine exits still locked, which retires the thread.
		runtime.LockOSThread()
		for f := range t.reqs {
			f()
		}
	}()
	return t
}

func (t *ptraceThread) do(f func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errThreadClosed
	}
	errc := make(chan error, 1)
	t.reqs <- func() { errc <- f() }
	return <-errc
}

func (t *ptraceThread) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.reqs)
	}
}

type ptracer struct {
	th      *ptraceThread
	pid     int
	cmd     *exec.Cmd // nil when attached
	running bool
	gone    bool
}

func (ptraceBackend) Spawn(ctx context.Context, spec SpawnSpec) (Tracer, error) {
	th := newPtraceThread()
	t := &ptracer{th: th}
	err := th.do(func() error {
		// #nosec G204
		cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
		cmd.Env = spec.Env
		cmd.Dir = spec.Dir
		cmd.Stdin = spec.Stdin
		cmd.Stdout = spec.Stdout
		cmd.Stderr = spec.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}
		if err := cmd.Start(); err != nil {
			return err
		}
		t.cmd = cmd
		t.pid = cmd.Process.Pid
		return nil
	})
	if err != nil {
		th.close()
		return nil, err
	}
	t.running = true
	st, err := t.Wait(ctx)
	if err != nil {
		_ = t.Kill()
		return nil, err
	}
	if st.terminated() {
		th.close()
		return nil, fmt.Errorf("%s exited before exec stop", spec.Argv[0])
	}
	// kill the launcher if this process dies while it is traced
	_ = th.do(func() error { return unix.PtraceSetOptions(t.pid, unix.PTRACE_O_EXITKILL) })
	return t, nil
}

func (ptraceBackend) Attach(ctx context.Context, pid int) (Tracer, error) {
	th := newPtraceThread()
	t := &ptracer{th: th, pid: pid}
	if err := th.do(func() error { return unix.PtraceAttach(pid) }); err != nil {
		th.close()
		return nil, err
	}
	t.running = true
	for {
		st, err := t.Wait(ctx)
		if err != nil {
			_ = t.Detach()
			return nil, err
		}
		if st.terminated() {
			th.close()
			return nil, fmt.Errorf("pid %d exited during attach", pid)
		}
		if st.Signal == syscall.SIGSTOP {
			return t, nil
		}
		if err := t.Cont(st.Signal); err != nil {
			return nil, err
		}
	}
}

func (t *ptracer) PID() int { return t.pid }

func (t *ptracer) ReadMemory(addr uintptr, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(n)
	remote := []unix.RemoteIovec{{Base: addr, Len: n}}
	if got, err := unix.ProcessVMReadv(t.pid, local, remote, 0); err == nil && got == n {
		return buf, nil
	}
	err := t.th.do(func() error {
		got, err := unix.PtracePeekData(t.pid, addr, buf)
		if err == nil && got != n {
			err = fmt.Errorf("short read %d of %d at %#x", got, n, addr)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *ptracer) WriteMemory(addr uintptr, b []byte) error {
	return t.th.do(func() error {
		n, err := unix.PtracePokeData(t.pid, addr, b)
		if err == nil && n != len(b) {
			err = fmt.Errorf("short write %d of %d at %#x", n, len(b), addr)
		}
		return err
	})
}

func (t *ptracer) PC() (uintptr, error) {
	var pc uintptr
	err := t.th.do(func() error {
		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
			return err
		}
		pc = uintptr(regs.PC())
		return nil
	})
	return pc, err
}

func (t *ptracer) SetPC(pc uintptr) error {
	return t.th.do(func() error {
		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(t.pid, &regs); err != nil {
			return err
		}
		regs.SetPC(uint64(pc))
		return unix.PtraceSetRegs(t.pid, &regs)
	})
}

func (t *ptracer) Cont(sig syscall.Signal) error {
	err := t.th.do(func() error { return unix.PtraceCont(t.pid, int(sig)) })
	if err == nil {
		t.running = true
	}
	return err
}

func (t *ptracer) Step() error {
	err := t.th.do(func() error { return unix.PtraceSingleStep(t.pid) })
	if err == nil {
		t.running = true
	}
	return err
}

func (t *ptracer) Wait(ctx context.Context) (Stop, error) {
	for {
		var ws unix.WaitStatus
		var wpid int
		err := t.th.do(func() error {
			var err error
			wpid, err = unix.Wait4(t.pid, &ws, unix.WALL|unix.WNOHANG, nil)
			return err
		})
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return Stop{}, err
		}
		if wpid == t.pid {
			t.running = false
			switch {
			case ws.Exited():
				t.gone = true
				return Stop{Kind: StopExited, Status: ws.ExitStatus()}, nil
			case ws.Signaled():
				t.gone = true
				return Stop{Kind: StopKilled, Signal: syscall.Signal(ws.Signal())}, nil
			case ws.Stopped():
				return Stop{Kind: StopSignal, Signal: syscall.Signal(ws.StopSignal())}, nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return Stop{}, ctx.Err()
		case <-time.After(waitPoll):
		}
	}
}

// Detach stops a running inferior first; PTRACE_DETACH needs a tracee in
// ptrace-stop.
func (t *ptracer) Detach() error {
	if t.gone {
		t.th.close()
		return nil
	}
	if t.running {
		_ = unix.Kill(t.pid, unix.SIGSTOP)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		st, err := t.Wait(ctx)
		cancel()
		if err == nil && st.terminated() {
			t.th.close()
			return nil
		}
	}
	err := t.th.do(func() error { return unix.PtraceDetach(t.pid) })
	t.th.close()
	if t.running {
		// a SIGSTOP may still be pending if another stop was reported first
		_ = unix.Kill(t.pid, unix.SIGCONT)
	}
	return err
}

func (t *ptracer) Kill() error {
	if t.gone {
		t.th.close()
		return nil
	}
	err := unix.Kill(t.pid, unix.SIGKILL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if t.cmd != nil {
		_ = t.WaitExit(ctx)
	} else {
		for !t.gone {
			if _, werr := t.Wait(ctx); werr != nil {
				break
			}
		}
	}
	t.th.close()
	return err
}

// WaitExit reaps a spawned launcher or polls an attached one.
func (t *ptracer) WaitExit(ctx context.Context) error {
	if t.gone {
		return nil
	}
	if t.cmd != nil {
		done := make(chan error, 1)
		go func() { done <- t.cmd.Wait() }()
		select {
		case <-done:
			t.gone = true
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		if err := unix.Kill(t.pid, 0); errors.Is(err, unix.ESRCH) {
			t.gone = true
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
