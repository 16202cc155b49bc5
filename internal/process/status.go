package process

import (
	"errors"
	"os/exec"
	"time"
)

// Status is a point-in-time copy of a helper process state.
type Status struct {
	Name      string
	PID       int
	Running   bool
	StartedAt time.Time
	StoppedAt time.Time
	// ExitCode is -1 while running or when the child died from a signal.
	ExitCode int
	ExitErr  error
}

// Uptime is the time between start and exit, or until now while running.
func (s Status) Uptime() time.Duration {
	switch {
	case s.StartedAt.IsZero():
		return 0
	case s.Running || s.StoppedAt.IsZero():
		return time.Since(s.StartedAt)
	default:
		return s.StoppedAt.Sub(s.StartedAt)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
