package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrNotStarted is returned by operations that need a running child.
var ErrNotStarted = errors.New("process not started")

// killReapWait bounds how long Kill waits for the child to be reaped.
const killReapWait = 200 * time.Millisecond

// Process owns one helper child. A single goroutine waits on the child; every
// other caller observes exit through Done.
type Process struct {
	spec      Spec
	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	waitDone  chan struct{}
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// Start launches the child and begins waiting on it.
func (r *Process) Start() error {
	r.mu.Lock()
	if r.cmd != nil {
		r.mu.Unlock()
		return fmt.Errorf("process %s already started", r.spec.Name)
	}
	spec := r.spec
	r.mu.Unlock()

	cmd := spec.BuildCommand()
	if cmd.Stdout == nil && cmd.Stderr == nil && spec.Log.Enabled() {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		outW, errW, err := spec.Log.Writers(spec.Name)
		if err != nil {
			return err
		}
		if outW != nil {
			cmd.Stdout = outW
		}
		if errW != nil {
			cmd.Stderr = errW
		}
		r.mu.Lock()
		r.outCloser, r.errCloser = outW, errW
		r.mu.Unlock()
	}
	if err := cmd.Start(); err != nil {
		r.closeWriters()
		return fmt.Errorf("start %s: %w", spec.Path, err)
	}

	r.mu.Lock()
	r.cmd = cmd
	r.waitDone = make(chan struct{})
	r.status = Status{Name: spec.Name, Running: true, PID: cmd.Process.Pid, StartedAt: time.Now(), ExitCode: -1}
	done := r.waitDone
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		r.status.Running = false
		r.status.StoppedAt = time.Now()
		r.status.ExitErr = err
		r.status.ExitCode = exitCode(err)
		r.mu.Unlock()
		r.closeWriters()
		close(done)
	}()
	return nil
}

// Done is closed once the child has been reaped. It is nil before Start.
func (r *Process) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitDone
}

// Wait blocks until the child exits and returns its exit error.
func (r *Process) Wait() error {
	done := r.Done()
	if done == nil {
		return ErrNotStarted
	}
	<-done
	return r.Snapshot().ExitErr
}

// PID returns the child's pid or 0 before Start.
func (r *Process) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.PID
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	s := r.status
	r.mu.Unlock()
	return s
}

// DetectAlive reports whether the child is still running. A zombie that has
// not yet been reaped counts as exited.
func (r *Process) DetectAlive() bool {
	done := r.Done()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	pid := r.PID()
	if IsZombie(pid) {
		return false
	}
	return Alive(pid)
}

// Signal delivers sig to the child's process group.
func (r *Process) Signal(sig syscall.Signal) error {
	pid := r.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	if !r.DetectAlive() {
		return nil
	}
	return signalGroup(pid, sig)
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL when the
// child has not exited within wait.
func (r *Process) Stop(wait time.Duration) error {
	if !r.DetectAlive() {
		return r.Snapshot().ExitErr
	}
	pid := r.PID()
	done := r.Done()
	_ = signalGroup(pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(wait):
		_ = signalGroup(pid, syscall.SIGKILL)
		select {
		case <-done:
		case <-time.After(killReapWait):
		}
	}
	return r.Snapshot().ExitErr
}

// Kill sends SIGKILL to the process group and attempts to reap promptly.
func (r *Process) Kill() error {
	pid := r.PID()
	if pid == 0 {
		return nil
	}
	done := r.Done()
	_ = signalGroup(pid, syscall.SIGKILL)
	select {
	case <-done:
	case <-time.After(killReapWait):
	}
	return r.Snapshot().ExitErr
}

func (r *Process) closeWriters() {
	r.mu.Lock()
	if r.outCloser != nil {
		_ = r.outCloser.Close()
		r.outCloser = nil
	}
	if r.errCloser != nil {
		_ = r.errCloser.Close()
		r.errCloser = nil
	}
	r.mu.Unlock()
}
