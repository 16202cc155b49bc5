// Package manifest tracks the files a session stages on compute nodes,
// resolves the shared libraries they need and packs them for shipment.
package manifest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
)

// Kind selects the staging folder of an entry.
type Kind uint8

const (
	Binary Kind = iota + 1
	Library
	LibDir
	File
)

func (k Kind) String() string {
	switch k {
	case Binary:
		return "binary"
	case Library:
		return "library"
	case LibDir:
		return "libdir"
	case File:
		return "file"
	}
	return "unknown"
}

// Folder is the directory below the stage root the kind lands in.
func (k Kind) Folder() string {
	switch k {
	case Binary:
		return "bin"
	case Library, LibDir:
		return "lib"
	}
	return ""
}

// DepsPolicy controls whether the library closure of an added object is
// staged alongside it.
type DepsPolicy uint8

const (
	StageDeps DepsPolicy = iota
	IgnoreDeps
)

// Entry is one staged file or library directory.
type Entry struct {
	Kind   Kind
	Source string
	// Dest is the slash separated path below the stage root.
	Dest   string
	Digest string
	Size   int64
	// Implicit marks libraries pulled in as dependencies.
	Implicit bool
}

// Manifest is the set of entries of one session. It only grows; entries
// already shipped stay so later adds are checked against them.
type Manifest struct {
	resolver *Resolver
	log      *slog.Logger

	mu        sync.Mutex
	entries   map[string]Entry
	order     []string
	overrides []string
}

// New returns an empty manifest. A nil resolver uses PATH, LD_LIBRARY_PATH
// and DefaultLibDirs of the current process.
func New(r *Resolver, log *slog.Logger) *Manifest {
	if r == nil {
		r = &Resolver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manifest{resolver: r, log: log, entries: map[string]Entry{}}
}

type candidate struct {
	kind     Kind
	source   string
	implicit bool
}

// AddBinary stages an executable in bin/, plus its library closure under
// StageDeps.
func (m *Manifest) AddBinary(name string, deps DepsPolicy) error {
	p, err := m.resolver.FindBinary(name)
	if err != nil {
		return err
	}
	cands, err := m.withDeps(candidate{kind: Binary, source: p}, deps)
	if err != nil {
		return err
	}
	return m.commit(name, cands)
}

// AddLibrary stages a shared library in lib/, plus its closure under
// StageDeps.
func (m *Manifest) AddLibrary(name string, deps DepsPolicy) error {
	p, err := m.resolver.FindLibrary(name, nil)
	if err != nil {
		return err
	}
	cands, err := m.withDeps(candidate{kind: Library, source: p}, deps)
	if err != nil {
		return err
	}
	return m.commit(name, cands)
}

// AddLibDir stages a whole directory as lib/<name>.
func (m *Manifest) AddLibDir(dir string) error {
	p, err := realPath(dir)
	if err != nil {
		return &ManifestError{Kind: Missing, Path: dir, Err: err}
	}
	fi, err := os.Stat(p)
	if err != nil {
		return &ManifestError{Kind: Missing, Path: dir, Err: err}
	}
	if !fi.IsDir() {
		return &ManifestError{Kind: Unreadable, Path: dir, Err: errors.New("not a directory")}
	}
	return m.commit(dir, []candidate{{kind: LibDir, source: p}})
}

// AddFile stages a plain file at the stage root.
func (m *Manifest) AddFile(name string) error {
	p, err := regularFile(name)
	if err != nil {
		return err
	}
	return m.commit(name, []candidate{{kind: File, source: p}})
}

func (m *Manifest) withDeps(c candidate, deps DepsPolicy) ([]candidate, error) {
	out := []candidate{c}
	if deps != StageDeps {
		return out, nil
	}
	libs, err := m.resolver.Closure(c.source)
	if err != nil {
		return nil, err
	}
	for _, l := range libs {
		out = append(out, candidate{kind: Library, source: l, implicit: true})
	}
	return out, nil
}

// commit digests the candidates and records them all or none. A destination
// already present with the same digest is skipped. A different digest is a
// Conflict for explicit entries; implicit libraries move to an override
// folder lib.<n> instead.
func (m *Manifest) commit(name string, cands []candidate) error {
	staged := make([]Entry, 0, len(cands))
	for _, c := range cands {
		digest, size, err := digestOf(c.kind, c.source)
		if err != nil {
			return &ManifestError{Kind: Unreadable, Path: c.source, Err: err}
		}
		staged = append(staged, Entry{
			Kind:     c.kind,
			Source:   c.source,
			Dest:     path.Join(c.kind.Folder(), filepath.Base(c.source)),
			Digest:   digest,
			Size:     size,
			Implicit: c.implicit,
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pending := map[string]Entry{}
	lookup := func(dest string) (Entry, bool) {
		if e, ok := pending[dest]; ok {
			return e, true
		}
		e, ok := m.entries[dest]
		return e, ok
	}
	var (
		add          []Entry
		newOverrides []string
	)
	for _, e := range staged {
		ex, ok := lookup(e.Dest)
		if ok && ex.Digest == e.Digest {
			continue
		}
		if ok {
			if !e.Implicit {
				return &ManifestError{Kind: Conflict, Path: name, Dest: e.Dest,
					Err: fmt.Errorf("already staged from %s", ex.Source)}
			}
			dest, dup, folder := m.overrideDest(e, lookup)
			if dup {
				continue
			}
			if folder != "" {
				newOverrides = append(newOverrides, folder)
			}
			m.log.Debug("dependency moved to override folder", "library", e.Source, "dest", dest, "shadowed", ex.Source)
			e.Dest = dest
		}
		pending[e.Dest] = e
		add = append(add, e)
	}
	for _, e := range add {
		m.entries[e.Dest] = e
		m.order = append(m.order, e.Dest)
	}
	for _, f := range newOverrides {
		if !contains(m.overrides, f) {
			m.overrides = append(m.overrides, f)
		}
	}
	return nil
}

// overrideDest finds the first lib.<n> folder where e fits. dup reports an
// identical library already there; folder is set when the folder is new.
func (m *Manifest) overrideDest(e Entry, lookup func(string) (Entry, bool)) (dest string, dup bool, folder string) {
	base := path.Base(e.Dest)
	for i := 1; ; i++ {
		f := fmt.Sprintf("lib.%d", i)
		d := path.Join(f, base)
		ex, ok := lookup(d)
		if !ok {
			if !contains(m.overrides, f) {
				folder = f
			}
			return d, false, folder
		}
		if ex.Digest == e.Digest {
			return d, true, ""
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Entries returns the entries in the order they were added.
func (m *Manifest) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.order))
	for _, d := range m.order {
		out = append(out, m.entries[d])
	}
	return out
}

// Pending returns the entries whose destination and digest are not in
// shipped, keyed by destination.
func (m *Manifest) Pending(shipped map[string]string) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if d, ok := shipped[e.Dest]; ok && d == e.Digest {
			continue
		}
		out = append(out, e)
	}
	return out
}

// OverrideDirs lists the lib.<n> folders used by shadowed dependencies.
// They must precede lib on the daemon's LD_LIBRARY_PATH.
func (m *Manifest) OverrideDirs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.overrides...)
}

// Len is the number of entries.
func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func digestOf(k Kind, src string) (string, int64, error) {
	h := blake3.New()
	var size int64
	if k != LibDir {
		n, err := hashFile(h, src)
		if err != nil {
			return "", 0, err
		}
		return hex.EncodeToString(h.Sum(nil)), n, nil
	}
	var files []string
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	sort.Strings(files)
	for _, f := range files {
		rel, _ := filepath.Rel(src, f)
		_, _ = h.Write([]byte(filepath.ToSlash(rel)))
		_, _ = h.Write([]byte{0})
		n, err := hashFile(h, f)
		if err != nil {
			return "", 0, err
		}
		size += n
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func hashFile(w io.Writer, p string) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	return io.Copy(w, f)
}
