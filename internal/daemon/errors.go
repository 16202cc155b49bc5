package daemon

import (
	"fmt"

	"github.com/loykin/hpcattach/internal/wire"
)

// DaemonErrorKind is the closed set of daemon launch failures.
type DaemonErrorKind int

const (
	ListenFailed DaemonErrorKind = iota + 1
	SpawnFailed
	DaemonFailed
	HandshakeTimeout
	ProtocolError
)

func (k DaemonErrorKind) String() string {
	switch k {
	case ListenFailed:
		return "readiness listener failed"
	case SpawnFailed:
		return "spawn failed"
	case DaemonFailed:
		return "daemon failed"
	case HandshakeTimeout:
		return "readiness timeout"
	case ProtocolError:
		return "protocol error"
	default:
		return "unknown"
	}
}

// DaemonError reports a launch that did not reach readiness on every node.
// Reason and Host are set for DaemonFailed.
type DaemonError struct {
	Kind   DaemonErrorKind
	Host   string
	Reason wire.Reason
	// Ready and Want count the nodes that reported readiness and the nodes
	// expected to.
	Ready, Want int
	Err         error
}

func (e *DaemonError) Error() string {
	msg := fmt.Sprintf("daemon launch: %s (%d/%d ready)", e.Kind, e.Ready, e.Want)
	if e.Host != "" {
		msg += " on " + e.Host
	}
	if e.Reason != "" {
		msg += ": " + string(e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DaemonError) Unwrap() error { return e.Err }

func (e *DaemonError) Is(target error) bool {
	t, ok := target.(*DaemonError)
	return ok && t.Kind == e.Kind
}
