package process

import "syscall"

func setPdeathsig(attrs *syscall.SysProcAttr, sig syscall.Signal) {
	attrs.Pdeathsig = sig
}
