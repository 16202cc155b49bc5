//go:build !linux

package mpir

import (
	"context"
	"errors"
)

var errNoPtrace = errors.New("mpir: process tracing is only supported on linux")

type unsupportedBackend struct{}

// NewPtraceBackend returns a backend that always fails on this platform.
func NewPtraceBackend() Backend { return unsupportedBackend{} }

func (unsupportedBackend) Spawn(context.Context, SpawnSpec) (Tracer, error) { return nil, errNoPtrace }
func (unsupportedBackend) Attach(context.Context, int) (Tracer, error)      { return nil, errNoPtrace }
