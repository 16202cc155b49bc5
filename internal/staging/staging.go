// Package staging manages the per-process staging directories kept under the
// config root and garbage-collects the ones left behind by crashed runs.
package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/loykin/hpcattach/internal/process"
)

const (
	// EnvCfgDir overrides the config root. The directory it names must already
	// carry owner-only permissions.
	EnvCfgDir = "CRAY_CTI_CFG_DIR"

	userDirPrefix = "cray_cti-"
	ownerFile     = ".owner"
	dirMode       = 0o700
)

var (
	ErrNoRoot         = errors.New("no usable config root; set " + EnvCfgDir)
	ErrBadPermissions = errors.New("config directory must have mode 0700")
	ErrNotOwner       = errors.New("config directory is owned by another user")
)

// Config controls root discovery and garbage collection.
type Config struct {
	// Root replaces discovery when non-empty and is validated like EnvCfgDir.
	Root string
	// Grace is the minimum age before a dead owner's directory is removed.
	Grace  time.Duration
	Getenv func(string) string
	Logger *slog.Logger
}

// DefaultGrace is used when Config.Grace is zero.
const DefaultGrace = 5 * time.Minute

// Area is the user-owned directory below the config root holding one
// directory per live frontend process.
type Area struct {
	path  string
	grace time.Duration
	log   *slog.Logger
}

// Dir is one process-owned staging directory.
type Dir struct {
	Path string
	PID  int
}

type ownerMeta struct {
	PID       int   `json:"pid"`
	StartUnix int64 `json:"start_unix"`
}

// Open resolves the config root and prepares <root>/cray_cti-<user>.
// A discovered root gets its user directory created or chmodded; a root given
// through EnvCfgDir or Config.Root must already be correct.
func Open(cfg Config) (*Area, error) {
	getenv := cfg.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	root, custom := cfg.Root, cfg.Root != ""
	if !custom {
		if v := getenv(EnvCfgDir); v != "" {
			root, custom = v, true
		}
	}
	if !custom {
		for _, c := range []string{getenv("TMPDIR"), "/tmp", getenv("HOME")} {
			if c != "" && accessible(c) {
				root = c
				break
			}
		}
		if root == "" {
			return nil, ErrNoRoot
		}
	}
	name, err := username()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(root, userDirPrefix+name)
	if custom {
		if err := checkCustom(path); err != nil {
			return nil, err
		}
	} else if err := ensureDefault(path); err != nil {
		return nil, err
	}
	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
	}
	if err := checkOwner(path); err != nil {
		return nil, err
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Area{path: path, grace: grace, log: log}, nil
}

// Path returns the user directory.
func (a *Area) Path() string { return a.path }

// Create makes the staging directory for pid and records its start time so a
// later GC can tell a reused pid apart from the original owner.
func (a *Area) Create(pid int) (*Dir, error) {
	p := filepath.Join(a.path, strconv.Itoa(pid))
	if err := os.Mkdir(p, dirMode); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.Chmod(p, dirMode); err != nil {
		return nil, fmt.Errorf("chmod staging dir: %w", err)
	}
	meta := ownerMeta{PID: pid}
	if st := process.StartTime(pid); !st.IsZero() {
		meta.StartUnix = st.Unix()
	}
	b, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(p, ownerFile), b, 0o600); err != nil {
		return nil, fmt.Errorf("write owner marker: %w", err)
	}
	return &Dir{Path: p, PID: pid}, nil
}

// Sub creates (if needed) and returns a subdirectory of the staging dir.
func (d *Dir) Sub(name string) (string, error) {
	p := filepath.Join(d.Path, name)
	if err := os.MkdirAll(p, dirMode); err != nil {
		return "", err
	}
	return p, nil
}

// Remove deletes the staging directory tree. A missing directory is not an error.
func (d *Dir) Remove() error {
	if d == nil || d.Path == "" {
		return nil
	}
	return os.RemoveAll(d.Path)
}

func accessible(dir string) bool {
	return unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK) == nil
}

func ensureDefault(path string) error {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := os.Mkdir(path, dirMode); err != nil && !os.IsExist(err) {
			return fmt.Errorf("create config dir: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config dir: %w", err)
	}
	if badMode(fi.Mode()) {
		if err := os.Chmod(path, dirMode); err != nil {
			return fmt.Errorf("chmod config dir: %w", err)
		}
	}
	return nil
}

func checkCustom(path string) error {
	if !accessible(path) {
		return fmt.Errorf("%w: %s is not accessible", ErrNoRoot, path)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config dir: %w", err)
	}
	if badMode(fi.Mode()) {
		return fmt.Errorf("%w: %s has %o", ErrBadPermissions, path, fi.Mode().Perm())
	}
	return nil
}

func badMode(m os.FileMode) bool {
	return m&(os.ModeSetuid|os.ModeSetgid|os.ModePerm)&^dirMode != 0
}

func checkOwner(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config dir: %w", err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if ok && int(st.Uid) != os.Getuid() {
		return fmt.Errorf("%w: %s", ErrNotOwner, path)
	}
	return nil
}

// username prefers the passwd database and falls back to gopsutil, which
// reads the owner of the current process directly.
func username() (string, error) {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	p, err := gopsproc.NewProcess(int32(os.Getpid()))
	if err != nil {
		return "", fmt.Errorf("lookup user: %w", err)
	}
	name, err := p.Username()
	if err != nil || name == "" {
		return strconv.Itoa(os.Getuid()), nil
	}
	return name, nil
}
