package session

import "fmt"

// SessionErrorKind is the closed set of session failures.
type SessionErrorKind int

const (
	StagingDirUnavailable SessionErrorKind = iota + 1
	Finalized
	LedgerUnavailable
)

func (k SessionErrorKind) String() string {
	switch k {
	case StagingDirUnavailable:
		return "staging directory unavailable"
	case Finalized:
		return "session finalized"
	case LedgerUnavailable:
		return "ledger unavailable"
	default:
		return "unknown"
	}
}

type SessionError struct {
	Kind SessionErrorKind
	ID   string
	Err  error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("session %s: %s", e.ID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() error { return e.Err }

func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	return ok && t.Kind == e.Kind
}
