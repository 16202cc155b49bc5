package process

import (
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/loykin/hpcattach/internal/logger"
)

// Spec describes a helper process: a launcher utility (srun, sbcast, scancel,
// aprun), the overwatch, or a backend daemon started on the local host.
type Spec struct {
	Name string   // diagnostic name, also used for log file names
	Path string   // executable, resolved through PATH when not absolute
	Args []string // arguments without argv[0]
	Env  []string // full environment; nil inherits the caller's
	Dir  string   // optional working dir

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Log    logger.FileConfig // used for stdout/stderr when the writers above are nil

	// Detached starts the child in its own session instead of its own process group.
	Detached bool
	// Pdeathsig is delivered to the child when the parent thread exits (Linux only).
	Pdeathsig syscall.Signal
	// ExtraFiles are inherited as fd 3 onward.
	ExtraFiles []*os.File
}

// BuildCommand constructs an *exec.Cmd for the spec. No shell is involved.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204
	cmd := exec.Command(s.Path, s.Args...)
	if s.Dir != "" {
		cmd.Dir = s.Dir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	cmd.Stdin = s.Stdin
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.ExtraFiles = append(cmd.ExtraFiles, s.ExtraFiles...)
	configureSysProcAttr(cmd, *s)
	return cmd
}

// Argv returns the full argument vector including argv[0].
func (s *Spec) Argv() []string {
	return append([]string{s.Path}, s.Args...)
}
