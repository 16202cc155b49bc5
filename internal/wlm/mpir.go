package wlm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/loykin/hpcattach/internal/mpir"
	"github.com/loykin/hpcattach/internal/proctable"
)

// launchHeld starts argv under MPIR and leaves it stopped at the handshake
// so launcher variables can still be read.
func launchHeld(ctx context.Context, o Options, argv []string, req LaunchRequest) (Launcher, error) {
	spec, done, err := launcherSpec(argv, req)
	if err != nil {
		return nil, err
	}
	defer done()
	return o.Debugger.Launch(ctx, spec, true)
}

// readUint reads a numeric char* variable of a stopped launcher.
func readUint(l Launcher, sym string) (uint64, error) {
	s, err := l.ReadString(sym)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", sym, s, err)
	}
	return v, nil
}

// settle releases a freshly launched launcher unless the caller asked to
// hold it.
func settle(l Launcher, hold bool) error {
	if hold {
		return nil
	}
	return l.Release()
}

// discard kills a launcher whose job could not be set up.
func discard(log *slog.Logger, l Launcher) {
	if err := l.Kill(); err != nil {
		log.Warn("kill launcher after failed setup", "pid", l.PID(), "error", err)
	}
}

func corrupt(pid int, op string, format string, args ...any) error {
	return &mpir.AttachError{Kind: mpir.CorruptProcTable, PID: pid, Op: op, Err: fmt.Errorf(format, args...)}
}

// checkPlacement verifies an MPIR table against the scheduler's view of the
// job: the same number of ranks, all on allocated hosts.
func checkPlacement(t *proctable.Table, numPEs int, hosts []string, pid int) error {
	if t.Len() != numPEs {
		return corrupt(pid, "placement", "proctable has %d ranks, job has %d tasks", t.Len(), numPEs)
	}
	alloc := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		alloc[h] = true
	}
	for _, e := range t.Entries() {
		if !alloc[e.Host] {
			return corrupt(pid, "placement", "rank %d runs on %s outside the allocation", e.Rank, e.Host)
		}
	}
	return nil
}

// closeLaunchers tears down launchers still owned by jobs: held ones are
// killed, the rest detached.
func closeLaunchers(log *slog.Logger, jobs []*Job) {
	for _, j := range jobs {
		j.mu.Lock()
		l, held := j.launcher, j.held && !j.released
		j.mu.Unlock()
		if l == nil {
			continue
		}
		var err error
		if held {
			err = l.Kill()
		} else {
			err = l.Detach()
		}
		if err != nil {
			log.Warn("close launcher", "job", j.id, "error", err)
		}
	}
}
