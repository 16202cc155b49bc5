// Package ledger records which manifest entries of a session have reached
// the compute nodes, so that a retried ship sends only the remainder.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one shipped file.
// Dest is unique within a session. Package names the archive that carried it.
type Entry struct {
	SessionID string
	Dest      string
	Digest    string
	Size      int64
	Package   string
	ShippedAt time.Time
}

// Ledger is a minimal persistence interface for shipped entries.
// Implementations must be safe for concurrent use.
type Ledger interface {
	EnsureSchema(ctx context.Context) error
	// Shipped returns the entries of a session in the order they were first
	// marked.
	Shipped(ctx context.Context, sessionID string) ([]Entry, error)
	// Mark records entries as shipped. Marking a Dest twice keeps the latest.
	Mark(ctx context.Context, entries []Entry) error
	// Forget drops every entry of a session.
	Forget(ctx context.Context, sessionID string) error
	Close() error
}

// Packages returns the distinct package names of entries in ship order.
func Packages(entries []Entry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		if e.Package == "" || seen[e.Package] {
			continue
		}
		seen[e.Package] = true
		out = append(out, e.Package)
	}
	return out
}

// Memory is an in-process Ledger. It is the default when no DSN is
// configured; its contents die with the process.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]map[string]Entry
	seq      map[string]int64
	next     int64
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]map[string]Entry), seq: make(map[string]int64)}
}

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) Shipped(_ context.Context, sessionID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	out := make([]Entry, 0, len(s))
	for _, e := range s {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq[sessionID+"\x00"+out[i].Dest] < m.seq[sessionID+"\x00"+out[j].Dest]
	})
	return out, nil
}

func (m *Memory) Mark(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.ShippedAt.IsZero() {
			e.ShippedAt = time.Now().UTC()
		}
		s, ok := m.sessions[e.SessionID]
		if !ok {
			s = make(map[string]Entry)
			m.sessions[e.SessionID] = s
		}
		if _, seen := s[e.Dest]; !seen {
			m.next++
			m.seq[e.SessionID+"\x00"+e.Dest] = m.next
		}
		s[e.Dest] = e
	}
	return nil
}

func (m *Memory) Forget(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for dest := range m.sessions[sessionID] {
		delete(m.seq, sessionID+"\x00"+dest)
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *Memory) Close() error { return nil }
