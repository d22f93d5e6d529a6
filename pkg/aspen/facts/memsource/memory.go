// Package memsource is an in-memory facts.Source, used by tests and
// by hosts that assemble their input snapshot directly in Go.
package memsource

import (
	"context"
	"sort"
	"sync"

	"github.com/aspenlogic/aspen/pkg/aspen/ast"
)

// Source is an in-memory implementation of facts.Source.
type Source struct {
	mu    sync.RWMutex
	atoms []ast.Atom
	seen  map[string]struct{}
}

// New creates an empty in-memory source.
func New() *Source {
	return &Source{seen: make(map[string]struct{})}
}

// Close implements facts.Source.
func (s *Source) Close() error { return nil }

// Add records one ground fact. Duplicates are merged.
func (s *Source) Add(pred string, args ...ast.Value) {
	s.AddAtom(ast.Fact(pred, args...))
}

// AddAtom records one ground fact atom. Duplicates are merged.
func (s *Source) AddAtom(a ast.Atom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := a.String()
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}
	s.atoms = append(s.atoms, a)
}

// Snapshot returns all recorded facts in deterministic atom order.
func (s *Source) Snapshot(ctx context.Context) ([]ast.Atom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ast.Atom, len(s.atoms))
	copy(out, s.atoms)
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}
