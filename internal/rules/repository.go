package rules

import (
	"context"
	"sync"
)

// Resolver looks up rules by content ref.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*Rule, error)
}

// Repository is an in-process content-addressed rule store. Refs are derived
// from rule content, so entries are immutable once stored and the cache
// never needs invalidation.
type Repository struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewRepository returns an empty repository.
func NewRepository() *Repository {
	return &Repository{rules: make(map[string]*Rule)}
}

// Put validates and stores the rule, returning its ref. Storing the same
// rule twice is a no-op returning the same ref.
func (r *Repository) Put(ctx context.Context, rule *Rule) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := rule.Validate(); err != nil {
		return "", err
	}
	ref, err := rule.Ref()
	if err != nil {
		return "", err
	}
	cp := *rule
	r.mu.Lock()
	r.rules[ref] = &cp
	r.mu.Unlock()
	return ref, nil
}

// Resolve returns the rule for the ref or ErrNotFound.
func (r *Repository) Resolve(ctx context.Context, ref string) (*Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rule
	return &cp, nil
}
