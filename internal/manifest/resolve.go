package manifest

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ignoredLibraries are present on every compute node and never staged.
var ignoredLibraries = map[string]struct{}{
	"libdl.so.2":        {},
	"libc.so.6":         {},
	"libvolume_id.so.1": {},
	"libcidn.so.1":      {},
	"libnsl.so.1":       {},
	"librt.so.1":        {},
	"libutil.so.1":      {},
	"libpthread.so.0":   {},
	"libudev.so.0":      {},
	"libcrypt.so.1":     {},
	"libz.so.1":         {},
	"libm.so.6":         {},
	"libnss_files.so.2": {},
}

// DefaultLibDirs are searched after RUNPATH and LD_LIBRARY_PATH.
var DefaultLibDirs = []string{
	"/lib64", "/usr/lib64", "/lib", "/usr/lib",
	"/lib/x86_64-linux-gnu", "/usr/lib/x86_64-linux-gnu",
	"/lib/aarch64-linux-gnu", "/usr/lib/aarch64-linux-gnu",
}

// Ignored reports whether a library is assumed present on compute nodes.
func Ignored(name string) bool {
	if _, ok := ignoredLibraries[name]; ok {
		return true
	}
	// dynamic loaders: ld-linux-x86-64.so.2, ld-linux-aarch64.so.1, ld64.so.2
	return strings.HasPrefix(name, "ld-linux") || strings.HasPrefix(name, "ld64.so") || strings.HasPrefix(name, "linux-vdso")
}

// Resolver locates binaries and libraries and computes the shared library
// closure of ELF objects.
type Resolver struct {
	Getenv  func(string) string
	LibDirs []string
}

func (r *Resolver) getenv(k string) string {
	if r == nil || r.Getenv == nil {
		return os.Getenv(k)
	}
	return r.Getenv(k)
}

func (r *Resolver) libDirs() []string {
	if r == nil || r.LibDirs == nil {
		return DefaultLibDirs
	}
	return r.LibDirs
}

// FindBinary resolves name to an absolute path to an executable regular
// file. Names without a slash are searched on PATH.
func (r *Resolver) FindBinary(name string) (string, error) {
	if strings.ContainsRune(name, '/') {
		return checkExecutable(name)
	}
	for _, dir := range filepath.SplitList(r.getenv("PATH")) {
		if dir == "" {
			dir = "."
		}
		p, err := checkExecutable(filepath.Join(dir, name))
		if err == nil {
			return p, nil
		}
		var me *ManifestError
		if errors.As(err, &me) && me.Kind == NotExecutable {
			return "", err
		}
	}
	return "", &ManifestError{Kind: Missing, Path: name, Err: fs.ErrNotExist}
}

func checkExecutable(path string) (string, error) {
	abs, err := realPath(path)
	if err != nil {
		return "", &ManifestError{Kind: Missing, Path: path, Err: err}
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", &ManifestError{Kind: Missing, Path: path, Err: err}
	}
	if !fi.Mode().IsRegular() || fi.Mode().Perm()&0o111 == 0 {
		return "", &ManifestError{Kind: NotExecutable, Path: path}
	}
	return abs, nil
}

// FindLibrary resolves a library name. Names containing a slash are used as
// is; others are searched in runpath, LD_LIBRARY_PATH, then the default
// directories.
func (r *Resolver) FindLibrary(name string, runpath []string) (string, error) {
	if strings.ContainsRune(name, '/') {
		return regularFile(name)
	}
	dirs := append([]string{}, runpath...)
	dirs = append(dirs, filepath.SplitList(r.getenv("LD_LIBRARY_PATH"))...)
	dirs = append(dirs, r.libDirs()...)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if p, err := regularFile(filepath.Join(dir, name)); err == nil {
			return p, nil
		}
	}
	return "", &ManifestError{Kind: Missing, Path: name, Err: fs.ErrNotExist}
}

func regularFile(path string) (string, error) {
	abs, err := realPath(path)
	if err != nil {
		return "", &ManifestError{Kind: Missing, Path: path, Err: err}
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", &ManifestError{Kind: Missing, Path: path, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return "", &ManifestError{Kind: Unreadable, Path: path, Err: errors.New("not a regular file")}
	}
	return abs, nil
}

func realPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// Closure returns the resolved paths of every library path depends on,
// directly or transitively, excluding ignored ones. Non-ELF files (scripts)
// have no dependencies. A dependency that cannot be found fails the whole
// closure with an Unresolved error naming it.
func (r *Resolver) Closure(path string) ([]string, error) {
	var (
		out  []string
		seen = map[string]bool{}
	)
	var walk func(obj string) error
	walk = func(obj string) error {
		needed, runpath, err := dynamicInfo(obj)
		if err != nil {
			return &ManifestError{Kind: Unreadable, Path: obj, Err: err}
		}
		for _, lib := range needed {
			if Ignored(filepath.Base(lib)) || seen[lib] {
				continue
			}
			seen[lib] = true
			p, err := r.FindLibrary(lib, runpath)
			if err != nil {
				return &ManifestError{Kind: Unresolved, Path: path, Dest: lib, Err: err}
			}
			out = append(out, p)
			if err := walk(p); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(path); err != nil {
		return nil, err
	}
	return out, nil
}

// dynamicInfo lists DT_NEEDED and the expanded DT_RUNPATH (or DT_RPATH)
// directories of an ELF object.
func dynamicInfo(path string) (needed, runpath []string, err error) {
	f, err := elf.Open(path)
	if err != nil {
		// scripts and data shorter than an ELF header read as EOF
		var fe *elf.FormatError
		if errors.As(err, &fe) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()
	if f.Section(".dynamic") == nil {
		return nil, nil, nil
	}
	needed, err = f.ImportedLibraries()
	if err != nil {
		return nil, nil, fmt.Errorf("read DT_NEEDED: %w", err)
	}
	paths, _ := f.DynString(elf.DT_RUNPATH)
	if len(paths) == 0 {
		paths, _ = f.DynString(elf.DT_RPATH)
	}
	origin := filepath.Dir(path)
	for _, p := range paths {
		for _, dir := range filepath.SplitList(p) {
			dir = strings.ReplaceAll(dir, "${ORIGIN}", origin)
			dir = strings.ReplaceAll(dir, "$ORIGIN", origin)
			runpath = append(runpath, dir)
		}
	}
	return needed, runpath, nil
}
