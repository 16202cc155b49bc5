//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr isolates the child so signalGroup reaches it and its
// descendants: a new session for detached helpers such as the overwatch, a
// new process group for everything else.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	attrs := &syscall.SysProcAttr{Setsid: spec.Detached, Setpgid: !spec.Detached}
	if spec.Pdeathsig != 0 {
		setPdeathsig(attrs, spec.Pdeathsig)
	}
	cmd.SysProcAttr = attrs
}
