package wlm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/loykin/hpcattach/internal/process"
)

// Runner executes launcher utilities such as sattach, scancel, sbcast,
// apkill and flux.
type Runner interface {
	// Output runs argv to completion and returns its stdout. A nil env
	// inherits the caller's environment.
	Output(ctx context.Context, argv, env []string) ([]byte, error)
	// Start runs spec in the background.
	Start(spec process.Spec) (*process.Process, error)
}

// ExitError is a utility that ran and exited nonzero.
type ExitError struct {
	Argv   []string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", strings.Join(e.Argv, " "), e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// ExecRunner runs utilities as local child processes.
type ExecRunner struct {
	Log *slog.Logger
}

func (r ExecRunner) Output(ctx context.Context, argv, env []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty argv")
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if env != nil {
		cmd.Env = env
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if r.Log != nil {
		r.Log.Debug("ran utility", "argv", argv, "error", err)
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return out, &ExitError{Argv: argv, Code: ee.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
	}
	return out, err
}

func (r ExecRunner) Start(spec process.Spec) (*process.Process, error) {
	p := process.New(spec)
	if err := p.Start(); err != nil {
		return nil, err
	}
	if r.Log != nil {
		r.Log.Debug("started utility", "name", spec.Name, "pid", p.PID())
	}
	return p, nil
}

func lookPath(name string) (string, error) { return exec.LookPath(name) }
