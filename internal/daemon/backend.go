package daemon

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sys/unix"

	"github.com/loykin/hpcattach/internal/env"
	"github.com/loykin/hpcattach/internal/wire"
)

// Environment exported to the tool.
const (
	EnvAPID      = "CRAYTOOL_APID"
	EnvWLM       = "CRAYTOOL_WLM"
	EnvRootDir   = "CRAYTOOL_ROOT_DIR"
	EnvBinDir    = "CRAYTOOL_BIN_DIR"
	EnvLibDir    = "CRAYTOOL_LIB_DIR"
	EnvOldTmpDir = "CRAYTOOL_OLD_TMPDIR"
)

const lockPoll = 10 * time.Millisecond

// Backend is the node side of a daemon launch.
type Backend struct {
	Args Args
	// Environ is the inherited environment; nil uses os.Environ.
	Environ  []string
	Hostname string
	// Exec replaces the daemon with the tool. Defaults to execve.
	Exec  func(path string, argv, env []string) error
	Chdir func(dir string) error
	Dial  func(ctx context.Context, network, addr string) (net.Conn, error)
	// WaitTimeout bounds the wait for earlier instances. Defaults to
	// DefaultTimeout, the frontend's readiness timeout.
	WaitTimeout time.Duration
	Log         *slog.Logger
}

func (b *Backend) defaults() {
	if b.Environ == nil {
		b.Environ = os.Environ()
	}
	if b.Hostname == "" {
		b.Hostname, _ = os.Hostname()
	}
	if b.Exec == nil {
		b.Exec = unix.Exec
	}
	if b.Chdir == nil {
		b.Chdir = os.Chdir
	}
	if b.Dial == nil {
		d := &net.Dialer{Timeout: frameTimeout}
		b.Dial = d.DialContext
	}
	if b.WaitTimeout <= 0 {
		b.WaitTimeout = DefaultTimeout
	}
	if b.Log == nil {
		b.Log = slog.Default()
	}
}

// Run validates the arguments, prepares the stage and executes the tool. It
// only returns on failure or when there is nothing to exec. Invalid
// arguments are rejected before anything is created on disk.
func (b *Backend) Run(ctx context.Context) error {
	b.defaults()
	if b.Args.Inst == 0 {
		b.Args.Inst = 1
	}
	a := b.Args
	if err := a.Validate(); err != nil {
		return b.fail(ctx, err)
	}
	if fi, err := os.Stat(a.Path); err != nil || !fi.IsDir() {
		return b.fail(ctx, &ArgError{Reason: wire.ReasonMissingDirectory, Err: fmt.Errorf("tool path %s: %v", a.Path, statErr(err))})
	}
	root := filepath.Join(a.Path, a.Directory)

	if a.Clean {
		b.clean(root)
		return b.ready(ctx)
	}

	pkgDir := a.Path
	if a.APath != "" {
		pkgDir = a.APath
	}
	for _, m := range a.Manifests {
		if err := b.extractOnce(filepath.Join(pkgDir, m), a.Path); err != nil {
			return b.fail(ctx, err)
		}
	}
	for _, sub := range []string{"", "bin", "lib", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			return b.fail(ctx, &ArgError{Reason: wire.ReasonMissingDirectory, Err: err})
		}
	}
	if err := os.WriteFile(lockPath(a.Path, a.Directory, a.Inst), nil, 0o600); err != nil {
		b.Log.Warn("lock file not written, later instances will wait", "error", err)
	}
	if err := b.waitPrevious(ctx); err != nil {
		return b.fail(ctx, &ArgError{Reason: wire.ReasonInternal, Err: err})
	}

	environ := b.environ(root)
	if a.Binary == "" {
		b.Log.Info("stage complete", "root", root, "inst", a.Inst)
		return b.ready(ctx)
	}
	bin := filepath.Join(root, "bin", a.Binary)
	if fi, err := os.Stat(bin); err != nil || !fi.Mode().IsRegular() {
		return b.fail(ctx, &ArgError{Reason: wire.ReasonMissingBinary, Err: fmt.Errorf("%s: %v", bin, statErr(err))})
	}
	if err := b.ready(ctx); err != nil {
		return err
	}
	if err := b.Chdir(root); err != nil {
		return fmt.Errorf("chdir %s: %w", root, err)
	}
	b.Log.Debug("exec", "binary", bin, "args", a.ToolArgs)
	argv := append([]string{bin}, a.ToolArgs...)
	if err := b.Exec(bin, argv, environ); err != nil {
		return fmt.Errorf("exec %s: %w", bin, err)
	}
	return nil
}

func statErr(err error) error {
	if err == nil {
		return errors.New("wrong file type")
	}
	return err
}

func lockPath(path, dir string, inst int) string {
	return filepath.Join(path, ".lock_"+dir+"_"+strconv.Itoa(inst))
}

// waitPrevious blocks until the lock files of instances 1..inst-1 exist, so
// libraries shipped with earlier packages are in place. It gives up after
// WaitTimeout.
func (b *Backend) waitPrevious(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.WaitTimeout)
	defer cancel()
	for i := b.Args.Inst - 1; i > 0; i-- {
		p := lockPath(b.Args.Path, b.Args.Directory, i)
		for n := 0; ; n++ {
			if _, err := os.Stat(p); err == nil {
				break
			}
			if n%100 == 0 {
				b.Log.Debug("waiting for earlier instance", "lock", p)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("instance %d never finished staging: %w", i, ctx.Err())
			case <-time.After(lockPoll):
			}
		}
	}
	return nil
}

func (b *Backend) environ(root string) []string {
	a := b.Args
	e := env.WithBase(b.Environ)
	e.Set(EnvAPID, a.APID)
	e.Set(EnvWLM, a.WLM)
	e.Set(EnvRootDir, root)
	e.Set(EnvBinDir, filepath.Join(root, "bin"))
	e.Set(EnvLibDir, filepath.Join(root, "lib"))
	if old, ok := e.Lookup("TMPDIR"); ok {
		e.Set(EnvOldTmpDir, old)
	}
	e.Set("TMPDIR", filepath.Join(root, "tmp"))
	e.Set("SHELL", "/bin/sh")
	e.Prepend("PATH", filepath.Join(root, "bin"))
	e.Prepend("LD_LIBRARY_PATH", filepath.Join(root, "lib"))
	if a.LDLibPath != "" {
		parts := filepath.SplitList(a.LDLibPath)
		for i := len(parts) - 1; i >= 0; i-- {
			p := parts[i]
			if p == "" {
				continue
			}
			if !filepath.IsAbs(p) {
				p = filepath.Join(root, p)
			}
			e.Prepend("LD_LIBRARY_PATH", p)
		}
	}
	var extra []string
	extra = append(extra, a.Env...)
	return e.Merge(extra)
}

func (b *Backend) clean(root string) {
	a := b.Args
	if err := os.RemoveAll(root); err != nil {
		b.Log.Warn("remove stage", "root", root, "error", err)
	}
	pkgDir := a.Path
	if a.APath != "" {
		pkgDir = a.APath
	}
	for _, m := range a.Manifests {
		_ = os.Remove(filepath.Join(pkgDir, m))
		_ = os.Remove(markerPath(a.Path, m))
	}
	locks, _ := filepath.Glob(filepath.Join(a.Path, ".lock_"+a.Directory+"_*"))
	for _, l := range locks {
		_ = os.Remove(l)
	}
	b.Log.Info("stage removed", "root", root)
}

func markerPath(path, pkg string) string {
	return filepath.Join(path, "."+pkg+".extracted")
}

// extractOnce unpacks pkg into dest unless its marker exists, then removes
// the package.
func (b *Backend) extractOnce(pkg, dest string) error {
	marker := markerPath(dest, filepath.Base(pkg))
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	f, err := os.Open(pkg)
	if err != nil {
		return &ArgError{Reason: wire.ReasonInternal, Err: fmt.Errorf("package: %w", err)}
	}
	defer func() { _ = f.Close() }()
	if err := extract(f, dest); err != nil {
		return &ArgError{Reason: wire.ReasonInternal, Err: fmt.Errorf("extract %s: %w", pkg, err)}
	}
	if err := os.WriteFile(marker, nil, 0o600); err != nil {
		return &ArgError{Reason: wire.ReasonInternal, Err: err}
	}
	if err := os.Remove(pkg); err != nil {
		b.Log.Debug("package not removed", "package", pkg, "error", err)
	}
	return nil
}

func extract(r io.Reader, dest string) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer func() { _ = zr.Close() }()
	tr := tar.NewReader(zr)
	dest = filepath.Clean(dest)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.FromSlash(h.Name))
		if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
			return fmt.Errorf("member %q escapes %s", h.Name, dest)
		}
		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(h.Mode).Perm()|0o700); err != nil {
				return err
			}
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(h.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeMember(tr, target, os.FileMode(h.Mode).Perm()); err != nil {
				return err
			}
		}
	}
}

func writeMember(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (b *Backend) ready(ctx context.Context) error {
	if b.Args.ReadyAddr == "" {
		return nil
	}
	return b.send(ctx, wire.KindReady, wire.Ready{
		Token: b.Args.ReadyToken,
		Host:  b.Hostname,
		PID:   os.Getpid(),
		Inst:  b.Args.Inst,
	})
}

// fail reports err to the frontend when possible and returns it.
func (b *Backend) fail(ctx context.Context, err error) error {
	reason := wire.ReasonInternal
	var ae *ArgError
	if errors.As(err, &ae) {
		reason = ae.Reason
	}
	b.Log.Error("daemon failed", "reason", reason, "error", err)
	if b.Args.ReadyAddr != "" && b.Args.ReadyToken != "" {
		if serr := b.send(ctx, wire.KindFailure, wire.Failure{
			Token:  b.Args.ReadyToken,
			Host:   b.Hostname,
			Reason: reason,
			Detail: err.Error(),
		}); serr != nil {
			b.Log.Warn("failure report not delivered", "error", serr)
		}
	}
	return err
}

func (b *Backend) send(ctx context.Context, kind wire.Kind, v any) error {
	conn, err := b.Dial(ctx, "tcp", b.Args.ReadyAddr)
	if err != nil {
		return fmt.Errorf("dial frontend: %w", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetWriteDeadline(time.Now().Add(frameTimeout))
	return wire.Write(conn, kind, v)
}
