package mpir

import (
	"context"
	"io"
	"syscall"
)

// StopKind classifies what Tracer.Wait observed.
type StopKind int

const (
	StopSignal StopKind = iota
	StopExited
	StopKilled
)

// Stop describes the next state change of a traced process.
type Stop struct {
	Kind   StopKind
	Signal syscall.Signal // stop or termination signal
	Status int            // exit status when Kind is StopExited
}

func (s Stop) terminated() bool { return s.Kind != StopSignal }

// Tracer controls one stopped or running inferior. Implementations serialize
// all calls; the engine never calls a Tracer concurrently.
type Tracer interface {
	PID() int
	ReadMemory(addr uintptr, n int) ([]byte, error)
	WriteMemory(addr uintptr, b []byte) error
	PC() (uintptr, error)
	SetPC(pc uintptr) error
	// Cont resumes the inferior, delivering sig when non-zero.
	Cont(sig syscall.Signal) error
	Step() error
	// Wait blocks until the next stop or termination or until ctx is done.
	Wait(ctx context.Context) (Stop, error)
	// Detach releases the inferior, stopping it first when it is running.
	Detach() error
	Kill() error
	// WaitExit blocks until the (detached) inferior exits.
	WaitExit(ctx context.Context) error
}

// SpawnSpec is the launcher command started under the tracer.
type SpawnSpec struct {
	Argv   []string
	Env    []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Backend creates tracers. Spawn returns the child stopped at its first
// instruction after exec; Attach returns the target stopped.
type Backend interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Tracer, error)
	Attach(ctx context.Context, pid int) (Tracer, error)
}

// Symbols resolves global symbol names to addresses in the inferior.
type Symbols interface {
	Lookup(name string) (uintptr, error)
}

// Resolver builds the symbol view of a stopped inferior.
type Resolver func(pid int) (Symbols, error)
