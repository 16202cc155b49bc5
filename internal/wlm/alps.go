package wlm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/procfs"

	"github.com/loykin/hpcattach/internal/process"
	"github.com/loykin/hpcattach/internal/proctable"
)

// EnvAprunPath overrides the location of aprun.
const EnvAprunPath = "CRAY_APRUN_PATH"

const (
	aprunLauncher   = "aprun"
	alpsLibName     = "libalps.so"
	alpsToolDirFmt  = "/var/opt/cray/alps/spool/%d/toolhelper%d"
	alpsHostnameFmt = "nid%05d"
)

// alpsAPI is the part of libalps the capability uses.
type alpsAPI interface {
	// Apid maps an aprun pid on login node nid to its application id.
	Apid(nid, aprunPID int) (uint64, error)
	// ToolHelper transfers or executes args on every node of apid.
	ToolHelper(apid uint64, pe0Node int, transfer, execute bool, args []string) error
	Close() error
}

type alpsApp struct {
	apid    uint64
	pe0Node int
}

type alps struct {
	opts Options
	log  *slog.Logger
	jobs registry
	api  alpsAPI
	nid  int
	// procRoot is the procfs mount scanned for aprun processes.
	procRoot string
}

func newALPS(o Options) (*alps, error) {
	nid, err := readNid(alpsNidFile)
	if err != nil {
		return nil, err
	}
	lib := alpsLibName
	if dir := o.Getenv("CTI_INSTALL_DIR"); dir != "" {
		lib = filepath.Join(dir, "lib", alpsLibName)
	}
	api, err := bindALPS(o.Open, lib, o.Logger)
	if err != nil {
		return nil, err
	}
	return newALPSWith(o, api, nid), nil
}

func newALPSWith(o Options, api alpsAPI, nid int) *alps {
	return &alps{opts: o, log: o.Logger, api: api, nid: nid, procRoot: procfs.DefaultMountPoint}
}

func readNid(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read node id: %w", err)
	}
	nid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse node id %s: %w", path, err)
	}
	return nid, nil
}

// nidOf extracts the node number from an "nid00012" host name.
func nidOf(host string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(host, alpsHostnameFmt, &n); err != nil {
		return 0, fmt.Errorf("host %q is not an ALPS nid: %w", host, err)
	}
	return n, nil
}

func (a *alps) Variant() Variant { return ALPS }

func (a *alps) ToolPath(job *Job) string {
	if app, ok := job.ext.(*alpsApp); ok && a.opts.ToolDir == "" {
		return fmt.Sprintf(alpsToolDirFmt, app.apid, app.apid)
	}
	return a.opts.toolDir("/tmp")
}

func (a *alps) launcherPath() (string, error) {
	if p := a.opts.Getenv(EnvAprunPath); p != "" {
		return p, nil
	}
	name := a.opts.launcherName(aprunLauncher)
	p, err := a.opts.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("find launcher %s: %w", name, err)
	}
	return p, nil
}

func (a *alps) Launch(ctx context.Context, req LaunchRequest) (*Job, error) {
	path, err := a.launcherPath()
	if err != nil {
		return nil, err
	}
	l, err := launchHeld(ctx, a.opts, append([]string{path}, req.Argv...), req)
	if err != nil {
		return nil, err
	}
	job, err := a.adopt(l, req.HoldAtBarrier)
	if err != nil {
		discard(a.log, l)
		return nil, err
	}
	job.markLaunched()
	if err := settle(l, req.HoldAtBarrier); err != nil {
		return nil, err
	}
	return job, nil
}

func (a *alps) adopt(l Launcher, hold bool) (*Job, error) {
	apid, err := a.api.Apid(a.nid, l.PID())
	if err != nil {
		return nil, err
	}
	table := l.ProcTable()
	first, ok := table.At(0)
	if !ok {
		return nil, corrupt(l.PID(), "alps", "empty proctable")
	}
	pe0, err := nidOf(first.Host)
	if err != nil {
		return nil, err
	}
	job := newJob(ALPS, strconv.FormatUint(apid, 10), table, hold)
	job.launcher = l
	job.ext = &alpsApp{apid: apid, pe0Node: pe0}
	if cur, added := a.jobs.add(job); !added {
		return cur, nil
	}
	return job, nil
}

// Attach finds the local aprun that owns apid and reads its proctable.
func (a *alps) Attach(ctx context.Context, nativeID string) (*Job, error) {
	apid, err := strconv.ParseUint(nativeID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("alps apid %q: %w", nativeID, err)
	}
	if j, ok := a.jobs.get(nativeID); ok {
		return j, nil
	}
	pid, err := a.findAprun(apid)
	if err != nil {
		return nil, err
	}
	l, err := a.opts.Debugger.Attach(ctx, pid)
	if err != nil {
		return nil, err
	}
	if err := l.Release(); err != nil {
		discard(a.log, l)
		return nil, err
	}
	return a.adopt(l, false)
}

func (a *alps) findAprun(apid uint64) (int, error) {
	fs, err := procfs.NewFS(a.procRoot)
	if err != nil {
		return 0, err
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return 0, err
	}
	for _, p := range procs {
		comm, err := p.Comm()
		if err != nil || comm != aprunLauncher {
			continue
		}
		if got, err := a.api.Apid(a.nid, p.PID); err == nil && got == apid {
			return p.PID, nil
		}
	}
	return 0, fmt.Errorf("no aprun for apid %d on this node", apid)
}

func (a *alps) app(job *Job) (*alpsApp, error) {
	app, ok := job.ext.(*alpsApp)
	if !ok {
		return nil, fmt.Errorf("job %s was not created by the alps capability", job.ID())
	}
	return app, nil
}

func (a *alps) ProcTable(_ context.Context, job *Job) (*proctable.Table, error) {
	if t := job.ProcTable(); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("alps application %s: no proctable", job.ID())
}

func (a *alps) Release(_ context.Context, job *Job) error {
	return job.releaseOnce(func() error {
		if job.launcher == nil {
			return nil
		}
		return job.launcher.Release()
	})
}

func (a *alps) Kill(ctx context.Context, job *Job, sig syscall.Signal) error {
	argv := []string{"apkill", "-" + strconv.Itoa(int(sig)), job.ID()}
	_, err := a.opts.Runner.Output(ctx, argv, nil)
	return bestEffort(a.log, "apkill", err)
}

func (a *alps) Ship(_ context.Context, job *Job, localPath string) error {
	app, err := a.app(job)
	if err != nil {
		return err
	}
	if err := a.api.ToolHelper(app.apid, app.pe0Node, true, false, []string{localPath}); err != nil {
		return fmt.Errorf("alps transfer %s: %w", filepath.Base(localPath), err)
	}
	return nil
}

// SpawnDaemon runs argv through the ALPS tool helper. The environment is
// passed on the command line through env(1).
func (a *alps) SpawnDaemon(_ context.Context, job *Job, argv, extraEnv []string) (*process.Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty daemon argv")
	}
	app, err := a.app(job)
	if err != nil {
		return nil, err
	}
	cmd := argv
	if len(extraEnv) > 0 {
		cmd = append(append([]string{"env"}, extraEnv...), argv...)
	}
	if err := a.api.ToolHelper(app.apid, app.pe0Node, false, true, cmd); err != nil {
		return nil, fmt.Errorf("alps tool helper: %w", err)
	}
	return nil, nil
}

func (a *alps) Close() error {
	closeLaunchers(a.log, a.jobs.all())
	return a.api.Close()
}
