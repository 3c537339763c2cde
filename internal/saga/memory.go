package saga

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu        sync.RWMutex
	execs     map[string]*Execution
	byTrigger map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		execs:     make(map[string]*Execution),
		byTrigger: make(map[string]string),
	}
}

// Save upserts the execution keyed by ID.
func (s *MemoryStore) Save(ctx context.Context, exec *Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = cloneExecution(exec)
	if exec.TriggerKey != "" {
		s.byTrigger[exec.TriggerKey] = exec.ID
	}
	return nil
}

// Get returns the execution or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExecution(exec), nil
}

// GetByTriggerKey returns the execution started for the trigger key.
func (s *MemoryStore) GetByTriggerKey(ctx context.Context, key string) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTrigger[key]
	if !ok {
		return nil, ErrNotFound
	}
	exec, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExecution(exec), nil
}

// ListUnfinished returns non-terminal executions ordered by start time.
func (s *MemoryStore) ListUnfinished(ctx context.Context) ([]*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Execution
	for _, exec := range s.execs {
		if !exec.State.Terminal() {
			out = append(out, cloneExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func cloneExecution(exec *Execution) *Execution {
	cp := *exec
	cp.CompletedSteps = append([]string(nil), exec.CompletedSteps...)
	cp.CompensatedSteps = append([]string(nil), exec.CompensatedSteps...)
	cp.SkippedSteps = append([]string(nil), exec.SkippedSteps...)
	if exec.Failure != nil {
		failure := *exec.Failure
		cp.Failure = &failure
	}
	cp.Context = make(map[string]any, len(exec.Context))
	for k, v := range exec.Context {
		cp.Context[k] = v
	}
	return &cp
}
