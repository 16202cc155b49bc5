// Package proctable holds the rank to host/pid mapping of a parallel job.
package proctable

import (
	"fmt"
	"sort"
)

// Entry is one rank of a job.
type Entry struct {
	Rank       uint32 `json:"rank"`
	Host       string `json:"host"`
	PID        uint32 `json:"pid"`
	Executable string `json:"executable,omitempty"`
}

// ValidationKind names the way a table violated rank density.
type ValidationKind int

const (
	Duplicate ValidationKind = iota + 1
	Gap
)

func (k ValidationKind) String() string {
	switch k {
	case Duplicate:
		return "duplicate rank"
	case Gap:
		return "rank gap"
	default:
		return "invalid"
	}
}

// ValidationError reports the first rank that broke the 0..N-1 invariant.
type ValidationError struct {
	Kind ValidationKind
	Rank uint32
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("proctable: %s at rank %d", e.Kind, e.Rank)
}

// Table is an immutable proctable ordered by rank.
type Table struct {
	entries []Entry
}

// New validates that ranks form 0..N-1 without duplicates and returns the
// table ordered by rank. The input is not modified.
func New(entries []Entry) (*Table, error) {
	es := make([]Entry, len(entries))
	copy(es, entries)
	sort.SliceStable(es, func(i, j int) bool { return es[i].Rank < es[j].Rank })
	for i, e := range es {
		if e.Rank == uint32(i) {
			continue
		}
		if i > 0 && e.Rank == es[i-1].Rank {
			return nil, &ValidationError{Kind: Duplicate, Rank: e.Rank}
		}
		return nil, &ValidationError{Kind: Gap, Rank: uint32(i)}
	}
	return &Table{entries: es}, nil
}

// Len returns the number of ranks.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns a copy of the entries.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// At returns the entry for rank.
func (t *Table) At(rank uint32) (Entry, bool) {
	if t == nil || int(rank) >= len(t.entries) {
		return Entry{}, false
	}
	return t.entries[rank], true
}

// Hosts returns the unique host names in order of first appearance.
func (t *Table) Hosts() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, e := range t.entries {
		if _, ok := seen[e.Host]; ok {
			continue
		}
		seen[e.Host] = struct{}{}
		out = append(out, e.Host)
	}
	return out
}

// ByHost groups entries by host.
func (t *Table) ByHost() map[string][]Entry {
	out := make(map[string][]Entry)
	if t == nil {
		return out
	}
	for _, e := range t.entries {
		out[e.Host] = append(out[e.Host], e)
	}
	return out
}
