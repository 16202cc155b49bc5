package manifest

import "fmt"

// ManifestErrorKind is the closed set of reasons an add can be refused.
type ManifestErrorKind int

const (
	Missing ManifestErrorKind = iota + 1
	NotExecutable
	Conflict
	Unresolved
	Unreadable
)

func (k ManifestErrorKind) String() string {
	switch k {
	case Missing:
		return "not found"
	case NotExecutable:
		return "not executable"
	case Conflict:
		return "conflicting entry"
	case Unresolved:
		return "unresolved dependency"
	case Unreadable:
		return "unreadable"
	default:
		return "unknown"
	}
}

// ManifestError reports a refused add. Nothing from the refused call is
// recorded in the manifest.
type ManifestError struct {
	Kind ManifestErrorKind
	Path string
	// Dest is the staged name involved in a conflict, or the library name
	// that could not be resolved.
	Dest string
	Err  error
}

func (e *ManifestError) Error() string {
	msg := fmt.Sprintf("manifest %s: %s", e.Path, e.Kind)
	if e.Dest != "" {
		msg += " " + e.Dest
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ManifestError) Unwrap() error { return e.Err }

func (e *ManifestError) Is(target error) bool {
	t, ok := target.(*ManifestError)
	return ok && t.Kind == e.Kind
}

// ShipErrorKind is the closed set of shipment failures.
type ShipErrorKind int

const (
	PackageFailed ShipErrorKind = iota + 1
	TransferFailed
	RecordFailed
)

func (k ShipErrorKind) String() string {
	switch k {
	case PackageFailed:
		return "packaging failed"
	case TransferFailed:
		return "transfer failed"
	case RecordFailed:
		return "ledger update failed"
	default:
		return "unknown"
	}
}

// ShipError reports a shipment that stopped part way. Shipped counts the
// files delivered and recorded before the failure.
type ShipError struct {
	Kind    ShipErrorKind
	Package string
	Shipped int
	Err     error
}

func (e *ShipError) Error() string {
	msg := fmt.Sprintf("ship %s: %s after %d files", e.Package, e.Kind, e.Shipped)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ShipError) Unwrap() error { return e.Err }

func (e *ShipError) Is(target error) bool {
	t, ok := target.(*ShipError)
	return ok && t.Kind == e.Kind
}
