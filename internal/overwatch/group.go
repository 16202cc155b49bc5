// Package overwatch runs the supervisor that outlives a frontend and tears
// down every process group registered for a session.
package overwatch

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/hpcattach/internal/process"
)

// DefaultGrace is the wait between SIGTERM and SIGKILL.
const DefaultGrace = 3 * time.Second

const pollInterval = 50 * time.Millisecond

// Group is the set of process groups tracked for one session.
type Group struct {
	log *slog.Logger

	mu   sync.Mutex
	pids map[int]struct{}
}

func NewGroup(log *slog.Logger) *Group {
	if log == nil {
		log = slog.Default()
	}
	return &Group{log: log, pids: map[int]struct{}{}}
}

// Add tracks the group led by pid.
func (g *Group) Add(pid int) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	g.mu.Lock()
	g.pids[pid] = struct{}{}
	g.mu.Unlock()
	return nil
}

// Remove stops tracking pid. Unknown pids are ignored.
func (g *Group) Remove(pid int) {
	g.mu.Lock()
	delete(g.pids, pid)
	g.mu.Unlock()
}

// PIDs returns the tracked pids in ascending order.
func (g *Group) PIDs() []int {
	g.mu.Lock()
	out := make([]int, 0, len(g.pids))
	for p := range g.pids {
		out = append(out, p)
	}
	g.mu.Unlock()
	sort.Ints(out)
	return out
}

// Terminate sends SIGTERM to every tracked group, waits up to grace for them
// to exit and SIGKILLs the rest. It returns the pids that needed SIGKILL.
// The group is empty afterwards.
func (g *Group) Terminate(grace time.Duration) []int {
	pids := g.PIDs()
	g.mu.Lock()
	g.pids = map[int]struct{}{}
	g.mu.Unlock()
	if len(pids) == 0 {
		return nil
	}
	for _, p := range pids {
		if err := process.SignalGroup(p, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			g.log.Warn("SIGTERM failed", "pid", p, "error", err)
		}
	}
	deadline := time.Now().Add(grace)
	for {
		left := alive(pids)
		if len(left) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			for _, p := range left {
				g.log.Info("escalating to SIGKILL", "pid", p)
				_ = process.SignalGroup(p, syscall.SIGKILL)
			}
			return left
		}
		time.Sleep(pollInterval)
	}
}

func alive(pids []int) []int {
	var out []int
	for _, p := range pids {
		if process.Alive(p) && !process.IsZombie(p) {
			out = append(out, p)
		}
	}
	return out
}
