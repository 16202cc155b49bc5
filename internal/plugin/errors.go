package plugin

import "fmt"

// BindErrorKind is the closed set of reasons a binding can fail.
type BindErrorKind int

const (
	LoadFailed BindErrorKind = iota + 1
	MissingSymbol
	VersionTooOld
	IncompatibleMajor
	AbiDrift
)

func (k BindErrorKind) String() string {
	switch k {
	case LoadFailed:
		return "load failed"
	case MissingSymbol:
		return "missing symbol"
	case VersionTooOld:
		return "version too old"
	case IncompatibleMajor:
		return "incompatible major version"
	case AbiDrift:
		return "ABI drift"
	default:
		return "unknown"
	}
}

// BindError reports why a library could not be bound. Match kinds with
// errors.Is(err, &BindError{Kind: VersionTooOld}).
type BindError struct {
	Kind    BindErrorKind
	Library string
	Name    string // symbol, enum or version involved
	Err     error
}

func (e *BindError) Error() string {
	msg := fmt.Sprintf("bind %s: %s", e.Library, e.Kind)
	if e.Name != "" {
		msg += " " + e.Name
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BindError) Unwrap() error { return e.Err }

func (e *BindError) Is(target error) bool {
	t, ok := target.(*BindError)
	return ok && t.Kind == e.Kind
}
