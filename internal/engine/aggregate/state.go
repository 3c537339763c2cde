// Package aggregate implements the event-sourced aggregate runtime.
package aggregate

import (
	"github.com/specfold/specfold/internal/engine/event"
)

// State is the folded view of one aggregate's event stream.
//
// Version equals the stream head sequence; folding the full stream from
// Empty must deterministically reproduce the same State (replay-determinism).
type State struct {
	AggregateType string
	AggregateID   string
	Version       uint64
	// Lifecycle is the current lifecycle phase (e.g. "draft", "approved").
	Lifecycle string
	// Archived marks a soft-deleted aggregate; the event stream is retained.
	Archived bool
	// Attributes holds the domain fields of the aggregate.
	Attributes map[string]any
}

// Empty returns the zero state for a stream.
func Empty(aggregateType, aggregateID string) State {
	return State{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
	}
}

// Clone returns a deep copy of the state so folds never alias attribute maps.
func (s State) Clone() State {
	cloned := s
	if s.Attributes != nil {
		cloned.Attributes = make(map[string]any, len(s.Attributes))
		for key, value := range s.Attributes {
			cloned.Attributes[key] = value
		}
	}
	return cloned
}

// FoldFunc applies one event to a state. Folds must be pure and total: they
// never fail and never touch the clock, so replay cannot get stuck and always
// reproduces the same state.
type FoldFunc func(state State, evt event.Event) State

// Folder folds events into aggregate state.
//
// Dispatch is declarative: event types map to fold functions. Unregistered
// event types leave the state unchanged, which keeps the fold total even when
// streams contain audit-only or newer event types.
type Folder struct {
	folds map[event.Type]FoldFunc
}

// NewFolder creates an empty folder.
func NewFolder() *Folder {
	return &Folder{folds: make(map[event.Type]FoldFunc)}
}

// On registers a fold function for the given event types.
func (f *Folder) On(fn FoldFunc, types ...event.Type) {
	if f.folds == nil {
		f.folds = make(map[event.Type]FoldFunc)
	}
	for _, t := range types {
		f.folds[t] = fn
	}
}

// Fold applies a single event to a state. The returned state always carries
// the event's sequence as its version.
func (f *Folder) Fold(state State, evt event.Event) State {
	if f != nil && f.folds != nil {
		if fn, ok := f.folds[evt.Type]; ok {
			state = fn(state.Clone(), evt)
		}
	}
	state.Version = evt.Seq
	return state
}

// HandledTypes returns the event types wired into the fold dispatch index.
func (f *Folder) HandledTypes() []event.Type {
	if f == nil || len(f.folds) == 0 {
		return nil
	}
	types := make([]event.Type, 0, len(f.folds))
	for t := range f.folds {
		types = append(types, t)
	}
	return types
}
