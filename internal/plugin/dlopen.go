//go:build linux || darwin || freebsd

package plugin

import (
	"fmt"

	"github.com/ebitengine/purego"
)

type dlLibrary struct {
	handle uintptr
}

// Dlopen opens a shared object with RTLD_NOW so unresolved references fail
// here rather than at first call.
func Dlopen(path string) (Library, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, err
	}
	return &dlLibrary{handle: h}, nil
}

func (l *dlLibrary) Lookup(name string) (uintptr, error) {
	addr, err := purego.Dlsym(l.handle, name)
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		return 0, fmt.Errorf("dlsym %s: nil address", name)
	}
	return addr, nil
}

func (l *dlLibrary) Close() error {
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}

// Register binds fptr, a pointer to a Go func variable, to the named function
// of the table.
func (b *Binding) Register(fptr any, name string) error {
	addr := b.funcs[name]
	if addr == 0 {
		return &BindError{Kind: MissingSymbol, Library: b.name, Name: name}
	}
	purego.RegisterFunc(fptr, addr)
	return nil
}

// RegisterSymbol binds fptr to an already resolved address.
func RegisterSymbol(fptr any, syms Symbols, name string) error {
	addr, err := syms.Lookup(name)
	if err != nil {
		return err
	}
	purego.RegisterFunc(fptr, addr)
	return nil
}
