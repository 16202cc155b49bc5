// Package plugin binds WLM client libraries that are only available as shared
// objects. A Binding is produced only after every symbol, the library version
// and all enum values have been verified; it is immutable afterwards.
package plugin

import (
	"fmt"
	"log/slog"
)

// Version is a major/minor pair.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// Symbols resolves exported names to addresses.
type Symbols interface {
	Lookup(name string) (uintptr, error)
}

// Library is an opened shared object.
type Library interface {
	Symbols
	Close() error
}

// Opener opens a library by path or soname.
type Opener func(path string) (Library, error)

// Enum is a named constant whose value is compiled into the caller.
type Enum struct {
	Name string
	Want int64
}

// Requirement describes what a caller needs from a library.
type Requirement struct {
	Library string
	// Want is the version the caller was built against.
	Want Version
	// AcceptNewerMajor declares the interface backward compatible across
	// major versions.
	AcceptNewerMajor bool
	Functions        []string
	// Version reads the library's version through already resolved symbols.
	// Nil skips the version check.
	Version func(Symbols) (Version, error)
	Enums   []Enum
	// Lookup reads the library's value for an enum.
	Lookup func(Symbols, Enum) (int64, error)
}

// Binding is a verified, immutable function table.
type Binding struct {
	lib     Library
	name    string
	funcs   map[string]uintptr
	version Version
}

// Bind opens req.Library with dlopen and verifies it.
func Bind(req Requirement) (*Binding, error) {
	return BindWith(Dlopen, req, nil)
}

// BindWith verifies a library opened through open. On any failure the library
// is closed and no Binding is returned.
func BindWith(open Opener, req Requirement, log *slog.Logger) (*Binding, error) {
	if log == nil {
		log = slog.Default()
	}
	lib, err := open(req.Library)
	if err != nil {
		return nil, &BindError{Kind: LoadFailed, Library: req.Library, Err: err}
	}
	b, err := verify(lib, req, log)
	if err != nil {
		_ = lib.Close()
		return nil, err
	}
	return b, nil
}

func verify(lib Library, req Requirement, log *slog.Logger) (*Binding, error) {
	funcs := make(map[string]uintptr, len(req.Functions))
	for _, name := range req.Functions {
		addr, err := lib.Lookup(name)
		if err != nil || addr == 0 {
			return nil, &BindError{Kind: MissingSymbol, Library: req.Library, Name: name, Err: err}
		}
		funcs[name] = addr
	}
	resolved := tableSymbols(funcs)

	var ver Version
	if req.Version != nil {
		v, err := req.Version(resolved)
		if err != nil {
			return nil, &BindError{Kind: LoadFailed, Library: req.Library, Name: "version", Err: err}
		}
		ver = v
		switch {
		case v.Major > req.Want.Major && !req.AcceptNewerMajor:
			return nil, &BindError{Kind: IncompatibleMajor, Library: req.Library, Name: v.String(),
				Err: fmt.Errorf("built against %s", req.Want)}
		case v.Less(req.Want):
			return nil, &BindError{Kind: VersionTooOld, Library: req.Library, Name: v.String(),
				Err: fmt.Errorf("need at least %s", req.Want)}
		}
	}

	for _, e := range req.Enums {
		if req.Lookup == nil {
			break
		}
		got, err := req.Lookup(resolved, e)
		if err != nil {
			return nil, &BindError{Kind: AbiDrift, Library: req.Library, Name: e.Name, Err: err}
		}
		if got != e.Want {
			log.Error("plugin enum value drifted", "library", req.Library, "enum", e.Name, "want", e.Want, "got", got)
			return nil, &BindError{Kind: AbiDrift, Library: req.Library, Name: e.Name,
				Err: fmt.Errorf("library value %d, expected %d", got, e.Want)}
		}
	}
	return &Binding{lib: lib, name: req.Library, funcs: funcs, version: ver}, nil
}

// Library returns the path or soname the binding was opened from.
func (b *Binding) Library() string { return b.name }

// Version returns the verified library version (zero when unchecked).
func (b *Binding) Version() Version { return b.version }

// Func returns the address of a bound function, or 0 when it is not part of
// the table.
func (b *Binding) Func(name string) uintptr { return b.funcs[name] }

// Close unloads the library.
func (b *Binding) Close() error {
	if b == nil || b.lib == nil {
		return nil
	}
	return b.lib.Close()
}

type tableSymbols map[string]uintptr

func (t tableSymbols) Lookup(name string) (uintptr, error) {
	if a, ok := t[name]; ok {
		return a, nil
	}
	return 0, fmt.Errorf("symbol %s is not in the bound table", name)
}
