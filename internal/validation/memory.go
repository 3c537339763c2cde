package validation

import (
	"context"
	"sort"
	"sync"
)

// MemoryRunStore is an in-process RunStore for tests and single-node setups.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryRunStore returns an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*Run)}
}

// Save upserts the run keyed by ID.
func (s *MemoryRunStore) Save(ctx context.Context, run *Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// Get returns the run or ErrRunNotFound.
func (s *MemoryRunStore) Get(ctx context.Context, id string) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

// GetByTriggerKey returns the run started for a trigger key.
func (s *MemoryRunStore) GetByTriggerKey(ctx context.Context, key string) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, ErrRunNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.TriggerKey == key {
			return cloneRun(run), nil
		}
	}
	return nil, ErrRunNotFound
}

// ListBySubject returns the subject's runs ordered by start time, oldest
// first.
func (s *MemoryRunStore) ListBySubject(ctx context.Context, aggregateType, aggregateID string) ([]*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, run := range s.runs {
		if run.AggregateType == aggregateType && run.AggregateID == aggregateID {
			out = append(out, cloneRun(run))
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

func cloneRun(run *Run) *Run {
	cp := *run
	cp.Checkpoints = append([]StageName(nil), run.Checkpoints...)
	cp.Problems = append([]Problem(nil), run.Problems...)
	return &cp
}
