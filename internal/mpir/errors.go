package mpir

import "fmt"

// AttachErrorKind is the closed set of attach failures.
type AttachErrorKind int

const (
	AttachFailed AttachErrorKind = iota + 1
	SymbolNotFound
	MemoryAccess
	Terminated
	Timeout
	CorruptProcTable
)

func (k AttachErrorKind) String() string {
	switch k {
	case AttachFailed:
		return "attach failed"
	case SymbolNotFound:
		return "symbol not found"
	case MemoryAccess:
		return "memory access failed"
	case Terminated:
		return "target terminated"
	case Timeout:
		return "timeout"
	case CorruptProcTable:
		return "corrupt proctable"
	default:
		return "unknown"
	}
}

// AttachError is returned by the engine and by Instance operations.
// Match kinds with errors.Is(err, &AttachError{Kind: Timeout}).
type AttachError struct {
	Kind AttachErrorKind
	PID  int
	Op   string
	Err  error
}

func (e *AttachError) Error() string {
	msg := fmt.Sprintf("mpir %s pid %d: %s", e.Op, e.PID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AttachError) Unwrap() error { return e.Err }

func (e *AttachError) Is(target error) bool {
	t, ok := target.(*AttachError)
	return ok && t.Kind == e.Kind
}

func attachErr(kind AttachErrorKind, pid int, op string, err error) *AttachError {
	return &AttachError{Kind: kind, PID: pid, Op: op, Err: err}
}
