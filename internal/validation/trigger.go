package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/specfold/specfold/internal/engine/aggregate"
	"github.com/specfold/specfold/internal/engine/event"
)

// ErrLoaderRequired indicates a missing state loader.
var ErrLoaderRequired = errors.New("validation: state loader is required")

// archetypeAttribute is the attribute naming the archetype a specification
// conforms to.
const archetypeAttribute = "archetype_id"

// StateLoader rebuilds an aggregate snapshot by folding its event stream.
// *aggregate.Runtime satisfies it.
type StateLoader interface {
	Load(ctx context.Context, aggregateType, aggregateID string) (aggregate.State, error)
}

// SubjectBuilder maps a folded snapshot to the subject a run validates.
type SubjectBuilder func(state aggregate.State) Subject

// DefaultSubject builds a subject from the snapshot's attributes: the
// archetype id comes from the "archetype_id" attribute, string-list
// attributes become references, and everything else stays an attribute.
func DefaultSubject(state aggregate.State) Subject {
	subject := Subject{
		AggregateType: state.AggregateType,
		AggregateID:   state.AggregateID,
		Version:       state.Version,
		Attributes:    make(map[string]any, len(state.Attributes)),
		References:    make(map[string][]string),
	}
	for name, attr := range state.Attributes {
		if name == archetypeAttribute {
			if id, ok := attr.(string); ok {
				subject.ArchetypeID = id
				continue
			}
		}
		if ids, ok := stringList(attr); ok {
			subject.References[name] = ids
			continue
		}
		subject.Attributes[name] = attr
	}
	return subject
}

// stringList normalizes list attributes. JSON-decoded payloads carry string
// lists as []any.
func stringList(attr any) ([]string, bool) {
	switch list := attr.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, len(out) > 0
	default:
		return nil, false
	}
}

// Trigger bridges durably appended events to the pipeline. It is a bus
// handler: a delivered event loads the aggregate snapshot and runs a
// validation pass over it. Delivery is at-least-once, so runs are
// deduplicated by (aggregate_id, sequence).
type Trigger struct {
	Loader   StateLoader
	Pipeline *Pipeline
	// Subjects maps snapshots to subjects. Nil means DefaultSubject.
	Subjects SubjectBuilder
	Logger   zerolog.Logger
}

// HandleEvent starts a validation run for the event's aggregate unless one
// was already started for the same delivery.
func (t *Trigger) HandleEvent(ctx context.Context, evt event.Event) error {
	if t == nil || t.Pipeline == nil || t.Pipeline.Runs == nil {
		return ErrRunStoreRequired
	}
	if t.Loader == nil {
		return ErrLoaderRequired
	}

	triggerKey := fmt.Sprintf("%s:%d", evt.AggregateID, evt.Seq)
	_, err := t.Pipeline.Runs.GetByTriggerKey(ctx, triggerKey)
	switch {
	case err == nil:
		t.Logger.Debug().
			Str("trigger_key", triggerKey).
			Str("event_type", string(evt.Type)).
			Msg("redelivered trigger deduplicated")
		return nil
	case errors.Is(err, ErrRunNotFound):
	default:
		return fmt.Errorf("trigger lookup: %w", err)
	}

	state, err := t.Loader.Load(ctx, evt.AggregateType, evt.AggregateID)
	if err != nil {
		return fmt.Errorf("load %s/%s: %w", evt.AggregateType, evt.AggregateID, err)
	}
	build := t.Subjects
	if build == nil {
		build = DefaultSubject
	}
	_, err = t.Pipeline.ExecuteTriggered(ctx, build(state), triggerKey)
	return err
}
