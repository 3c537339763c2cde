package archetype

import (
	"context"
	"sort"
	"sync"

	"github.com/specfold/specfold/internal/solver"
)

// Memory is an in-process Store for tests and single-node setups.
type Memory struct {
	mu    sync.RWMutex
	items map[string]*Archetype
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]*Archetype)}
}

// Get returns the archetype or ErrNotFound.
func (m *Memory) Get(ctx context.Context, id string) (*Archetype, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

// Put validates and stores the archetype, replacing any prior version.
func (m *Memory) Put(ctx context.Context, a *Archetype) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[a.ID] = clone(a)
	return nil
}

// List returns all archetypes ordered by ID.
func (m *Memory) List(ctx context.Context) ([]*Archetype, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Archetype, 0, len(m.items))
	for _, a := range m.items {
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clone(a *Archetype) *Archetype {
	cp := *a
	cp.Fields = append([]Field(nil), a.Fields...)
	cp.RuleRefs = append([]string(nil), a.RuleRefs...)
	cp.References = append([]Reference(nil), a.References...)
	cp.Invariants.Variables = append([]solver.Variable(nil), a.Invariants.Variables...)
	cp.Invariants.Constraints = append([]solver.Constraint(nil), a.Invariants.Constraints...)
	return &cp
}
