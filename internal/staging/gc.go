package staging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/hpcattach/internal/metrics"
	"github.com/loykin/hpcattach/internal/process"
)

// GC removes staging directories whose owner is gone and that are older than
// the grace window. The caller's own directory is never touched. It returns
// the removed paths.
func (a *Area) GC(ctx context.Context) ([]string, error) {
	ents, err := os.ReadDir(a.path)
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	now := time.Now()
	var removed []string
	for _, e := range ents {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 || pid == self {
			continue
		}
		p := filepath.Join(a.path, e.Name())
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) < a.grace {
			continue
		}
		if ownerAlive(p, pid, fi.ModTime()) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			a.log.Warn("staging gc failed", "dir", p, "error", err)
			continue
		}
		a.log.Info("removed stale staging dir", "dir", p, "pid", pid)
		removed = append(removed, p)
	}
	metrics.AddStagingRemoved(len(removed))
	return removed, nil
}

// ownerAlive reports whether pid still belongs to the process that created
// dir. A live pid whose start time differs from the recorded one (or, with no
// marker, started after the directory was last modified) has been reused.
func ownerAlive(dir string, pid int, mtime time.Time) bool {
	if !process.Alive(pid) || process.IsZombie(pid) {
		return false
	}
	cur := process.StartTime(pid)
	if cur.IsZero() {
		return true
	}
	if b, err := os.ReadFile(filepath.Join(dir, ownerFile)); err == nil {
		var m ownerMeta
		if json.Unmarshal(b, &m) == nil && m.StartUnix > 0 {
			return cur.Unix() == m.StartUnix
		}
	}
	return !cur.After(mtime)
}
