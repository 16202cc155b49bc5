package mpir

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/procfs"
)

// ErrSymbolNotFound is wrapped by ELF lookups that find no definition.
var ErrSymbolNotFound = errors.New("symbol not found")

// image is one mapped ELF object with its load bias.
type image struct {
	path string
	bias uintptr
	syms map[string]uint64
}

// elfSymbols resolves names across the executable and its mapped libraries,
// executable first.
type elfSymbols struct {
	pid    int
	mu     sync.Mutex
	images []*image
	cache  map[string]uintptr
}

// ResolveELF reads the symbol tables of pid's executable and of every shared
// object currently mapped into it.
func ResolveELF(pid int) (Symbols, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, err
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("read maps: %w", err)
	}
	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return nil, fmt.Errorf("read exe link: %w", err)
	}
	exe = strings.TrimSuffix(exe, " (deleted)")

	starts := mappingStarts(maps)
	s := &elfSymbols{pid: pid, cache: make(map[string]uintptr)}

	// The exe is opened through /proc so a replaced binary still resolves.
	if img, err := loadImage(fmt.Sprintf("/proc/%d/exe", pid), starts[exe]); err == nil {
		img.path = exe
		s.images = append(s.images, img)
	} else {
		return nil, fmt.Errorf("read %s: %w", exe, err)
	}
	for path, start := range starts {
		if path == exe || !strings.Contains(filepath.Base(path), ".so") {
			continue
		}
		img, err := loadImage(path, start)
		if err != nil {
			continue
		}
		s.images = append(s.images, img)
	}
	return s, nil
}

// mappingStarts returns the lowest start address of the offset-0 mapping of
// every file-backed object.
func mappingStarts(maps []*procfs.ProcMap) map[string]uintptr {
	out := make(map[string]uintptr)
	for _, m := range maps {
		if m.Offset != 0 || !strings.HasPrefix(m.Pathname, "/") {
			continue
		}
		if cur, ok := out[m.Pathname]; !ok || m.StartAddr < cur {
			out[m.Pathname] = m.StartAddr
		}
	}
	return out
}

func loadImage(path string, start uintptr) (*image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	img := &image{path: path, syms: make(map[string]uint64)}
	if f.Type == elf.ET_DYN && start != 0 {
		for _, p := range f.Progs {
			if p.Type == elf.PT_LOAD && p.Off == 0 {
				img.bias = start - uintptr(p.Vaddr&^(p.Align-1))
				break
			}
		}
	}
	add := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
				continue
			}
			if _, ok := img.syms[sym.Name]; !ok {
				img.syms[sym.Name] = sym.Value
			}
		}
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}
	return img, nil
}

func (s *elfSymbols) Lookup(name string) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.cache[name]; ok {
		return a, nil
	}
	for _, img := range s.images {
		if v, ok := img.syms[name]; ok {
			a := img.bias + uintptr(v)
			s.cache[name] = a
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %s in pid %d", ErrSymbolNotFound, name, s.pid)
}
