package main

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/hpcattach/internal/process"
	"github.com/loykin/hpcattach/internal/wire"
)

func TestEOFTerminatesRegistered(t *testing.T) {
	victim := exec.Command("sleep", "30")
	victim.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := victim.Start(); err != nil {
		t.Fatalf("start victim: %v", err)
	}
	done := make(chan struct{})
	go func() { _ = victim.Wait(); close(done) }()

	var in bytes.Buffer
	if err := wire.Write(&in, wire.KindRegister, wire.Register{PID: victim.Process.Pid}); err != nil {
		t.Fatalf("frame: %v", err)
	}
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--grace", "200ms"})
	cmd.SetIn(&in)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("serve: %v (%s)", err, errOut.String())
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("victim %s still running", strconv.Itoa(victim.Process.Pid))
	}
	if process.Alive(victim.Process.Pid) {
		t.Fatalf("victim alive after EOF")
	}
	if out.Len() == 0 {
		t.Fatalf("no reply written")
	}
}

func TestRejectsArguments(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"extra"})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for positional argument")
	}
}
