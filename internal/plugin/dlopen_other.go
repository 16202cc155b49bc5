//go:build !linux && !darwin && !freebsd

package plugin

import "errors"

var errNoDlopen = errors.New("plugin: dynamic loading is not supported on this platform")

func Dlopen(string) (Library, error) { return nil, errNoDlopen }

func (b *Binding) Register(any, string) error { return errNoDlopen }

func RegisterSymbol(any, Symbols, string) error { return errNoDlopen }
