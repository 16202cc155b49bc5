//go:build !windows

package process

import (
	"runtime"
	"time"

	"github.com/prometheus/procfs"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// StartTime returns the wall clock start time of pid. The zero time is
// returned when it cannot be determined.
func StartTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	if runtime.GOOS == "linux" {
		if t, ok := startTimeLinux(pid); ok {
			return t
		}
	}
	// Darwin/BSD and procfs failures go through gopsutil (sysctl under the hood).
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// startTimeLinux combines the starttime field of /proc/<pid>/stat with btime
// from /proc/stat, scaled by the clock tick rate.
func startTimeLinux(pid int) (time.Time, bool) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return time.Time{}, false
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return time.Time{}, false
	}
	st, err := p.Stat()
	if err != nil || st.Starttime == 0 {
		return time.Time{}, false
	}
	ks, err := fs.Stat()
	if err != nil || ks.BootTime == 0 {
		return time.Time{}, false
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	ticks := int64(st.Starttime)
	sec := int64(ks.BootTime) + ticks/clk
	nsec := (ticks % clk) * int64(time.Second) / clk
	return time.Unix(sec, nsec), true
}
