package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/specfold/specfold/internal/engine/command"
	"github.com/specfold/specfold/internal/engine/event"
	"github.com/specfold/specfold/internal/engine/journal"
	"github.com/specfold/specfold/internal/platform/id"
	"github.com/specfold/specfold/internal/platform/metrics"
)

var (
	// ErrCommandRegistryRequired indicates a missing command registry.
	ErrCommandRegistryRequired = errors.New("command registry is required")
	// ErrEventRegistryRequired indicates a missing event registry.
	ErrEventRegistryRequired = errors.New("event registry is required")
	// ErrStoreRequired indicates a missing event store.
	ErrStoreRequired = errors.New("event store is required")
	// ErrDeciderUnknown indicates no decider is registered for a command type.
	ErrDeciderUnknown = errors.New("no decider registered for command type")
	// ErrNoEventsDecided indicates an accepting decision with an empty batch.
	ErrNoEventsDecided = errors.New("accepting decision must emit at least one event")
)

// Decider returns a pure decision for a command against current state.
type Decider interface {
	Decide(state State, cmd command.Command, now func() time.Time) command.Decision
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(state State, cmd command.Command, now func() time.Time) command.Decision

// Decide implements Decider.
func (f DeciderFunc) Decide(state State, cmd command.Command, now func() time.Time) command.Decision {
	return f(state, cmd, now)
}

// Publisher receives durably appended events for downstream triggers.
type Publisher interface {
	Publish(ctx context.Context, events ...event.Event)
}

// Applied captures the outcome of a successful command apply.
type Applied struct {
	Events     []event.Event
	NewVersion uint64
}

// Runtime applies commands to versioned, event-sourced aggregates with
// optimistic concurrency and rebuilds state by folding event streams.
type Runtime struct {
	Commands    *command.Registry
	Events      *event.Registry
	Store       journal.EventStore
	Idempotency journal.IdempotencyStore
	Folder      *Folder
	Bus         Publisher
	Logger      zerolog.Logger
	Now         func() time.Time

	deciders map[command.Type]Decider
}

// RegisterDecider wires a decider for one command type.
func (r *Runtime) RegisterDecider(cmdType command.Type, decider Decider) error {
	if r == nil {
		return errors.New("runtime is required")
	}
	if decider == nil {
		return errors.New("decider is required")
	}
	if r.deciders == nil {
		r.deciders = make(map[command.Type]Decider)
	}
	if _, exists := r.deciders[cmdType]; exists {
		return fmt.Errorf("decider already registered for %s", cmdType)
	}
	r.deciders[cmdType] = decider
	return nil
}

// Load rebuilds current aggregate state by folding all events in sequence
// order from the empty state.
func (r *Runtime) Load(ctx context.Context, aggregateType, aggregateID string) (State, error) {
	if r == nil || r.Store == nil {
		return State{}, ErrStoreRequired
	}
	state := Empty(aggregateType, aggregateID)
	const pageSize = 200
	afterSeq := uint64(0)
	for {
		events, err := r.Store.ListEvents(ctx, aggregateType, aggregateID, afterSeq, pageSize)
		if err != nil {
			return State{}, fmt.Errorf("list events: %w", err)
		}
		if len(events) == 0 {
			return state, nil
		}
		for _, evt := range events {
			state = r.Folder.Fold(state, evt)
			afterSeq = evt.Seq
		}
	}
}

// Apply validates a command, decides, durably appends the resulting events,
// and publishes them. ConcurrencyConflictError and CommandRejectedError are
// the two typed failure modes; anything else is an infrastructure error.
func (r *Runtime) Apply(ctx context.Context, cmd command.Command) (Applied, error) {
	if r == nil {
		return Applied{}, errors.New("runtime is required")
	}
	if r.Commands == nil {
		return Applied{}, ErrCommandRegistryRequired
	}
	if r.Events == nil {
		return Applied{}, ErrEventRegistryRequired
	}
	if r.Store == nil {
		return Applied{}, ErrStoreRequired
	}

	tracer := otel.Tracer("specfold/aggregate")
	ctx, span := tracer.Start(ctx, "aggregate.apply")
	defer span.End()

	validated, err := r.Commands.ValidateForDecision(cmd)
	if err != nil {
		return Applied{}, err
	}
	cmd = validated
	span.SetAttributes(
		attribute.String("aggregate.type", cmd.AggregateType),
		attribute.String("aggregate.id", cmd.AggregateID),
		attribute.String("command.type", string(cmd.Type)),
	)

	if cmd.IdempotencyKey != "" && r.Idempotency != nil {
		record, err := r.Idempotency.GetApply(ctx, cmd.AggregateID, cmd.IdempotencyKey)
		switch {
		case err == nil:
			return r.replayApplied(ctx, cmd, record)
		case errors.Is(err, journal.ErrNotFound):
			// first delivery
		default:
			return Applied{}, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	state, err := r.Load(ctx, cmd.AggregateType, cmd.AggregateID)
	if err != nil {
		return Applied{}, err
	}

	if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != state.Version {
		metrics.ConcurrencyConflictsTotal.WithLabelValues(cmd.AggregateType).Inc()
		return Applied{}, &ConcurrencyConflictError{
			AggregateType: cmd.AggregateType,
			AggregateID:   cmd.AggregateID,
			Expected:      *cmd.ExpectedVersion,
			Actual:        state.Version,
		}
	}

	decider, ok := r.deciders[cmd.Type]
	if !ok {
		return Applied{}, fmt.Errorf("%w: %s", ErrDeciderUnknown, cmd.Type)
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	decision := decider.Decide(state, cmd, now)

	if len(decision.Rejections) > 0 {
		metrics.CommandsRejectedTotal.WithLabelValues(cmd.AggregateType).Inc()
		return Applied{}, &CommandRejectedError{
			AggregateType: cmd.AggregateType,
			AggregateID:   cmd.AggregateID,
			CommandType:   cmd.Type,
			Rejections:    decision.Rejections,
		}
	}
	if len(decision.Events) == 0 {
		return Applied{}, ErrNoEventsDecided
	}

	stamped, err := r.stampEvents(state, cmd, decision.Events, now)
	if err != nil {
		return Applied{}, err
	}

	if err := r.Store.AppendEvents(ctx, cmd.AggregateType, cmd.AggregateID, state.Version, stamped); err != nil {
		if errors.Is(err, journal.ErrSequenceConflict) {
			// Another writer advanced the stream between load and append.
			metrics.ConcurrencyConflictsTotal.WithLabelValues(cmd.AggregateType).Inc()
			head, headErr := r.Store.HeadSeq(ctx, cmd.AggregateType, cmd.AggregateID)
			if headErr != nil {
				head = state.Version
			}
			return Applied{}, &ConcurrencyConflictError{
				AggregateType: cmd.AggregateType,
				AggregateID:   cmd.AggregateID,
				Expected:      state.Version,
				Actual:        head,
			}
		}
		return Applied{}, fmt.Errorf("append events: %w", err)
	}

	newVersion := stamped[len(stamped)-1].Seq
	applied := Applied{Events: stamped, NewVersion: newVersion}

	if cmd.IdempotencyKey != "" && r.Idempotency != nil {
		eventIDs := make([]string, 0, len(stamped))
		for _, evt := range stamped {
			eventIDs = append(eventIDs, evt.ID)
		}
		record := journal.ApplyRecord{
			AggregateID: cmd.AggregateID,
			Key:         cmd.IdempotencyKey,
			NewVersion:  newVersion,
			EventIDs:    eventIDs,
		}
		if err := r.Idempotency.PutApply(ctx, record); err != nil {
			r.Logger.Error().Err(err).
				Str("aggregate_id", cmd.AggregateID).
				Str("idempotency_key", cmd.IdempotencyKey).
				Msg("record idempotency key")
		}
	}

	metrics.CommandsAppliedTotal.WithLabelValues(cmd.AggregateType).Inc()
	r.Logger.Debug().
		Str("aggregate_type", cmd.AggregateType).
		Str("aggregate_id", cmd.AggregateID).
		Str("command_type", string(cmd.Type)).
		Uint64("new_version", newVersion).
		Msg("command applied")

	// Events are durable at this point, so downstream triggers may fire.
	if r.Bus != nil {
		r.Bus.Publish(ctx, stamped...)
	}
	return applied, nil
}

// stampEvents assigns identity, sequence, and causality metadata to decided
// events before append.
func (r *Runtime) stampEvents(state State, cmd command.Command, events []event.Event, now func() time.Time) ([]event.Event, error) {
	correlationID := cmd.CorrelationID
	if correlationID == "" {
		generated, err := id.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate correlation id: %w", err)
		}
		correlationID = generated
	}

	stamped := make([]event.Event, 0, len(events))
	seq := state.Version
	for _, evt := range events {
		seq++
		eventID, err := id.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate event id: %w", err)
		}
		evt.ID = eventID
		evt.AggregateType = cmd.AggregateType
		evt.AggregateID = cmd.AggregateID
		evt.Seq = seq
		evt.OccurredAt = now().UTC()
		if evt.CorrelationID == "" {
			evt.CorrelationID = correlationID
		}
		if evt.CausationID == "" {
			evt.CausationID = cmd.CausationID
		}
		vetted, err := r.Events.ValidateForAppend(evt)
		if err != nil {
			return nil, err
		}
		stamped = append(stamped, vetted)
	}
	return stamped, nil
}

// replayApplied reconstructs the original apply result for a redelivered
// idempotency key.
func (r *Runtime) replayApplied(ctx context.Context, cmd command.Command, record journal.ApplyRecord) (Applied, error) {
	afterSeq := record.NewVersion - uint64(len(record.EventIDs))
	events, err := r.Store.ListEvents(ctx, cmd.AggregateType, cmd.AggregateID, afterSeq, len(record.EventIDs))
	if err != nil {
		return Applied{}, fmt.Errorf("replay applied events: %w", err)
	}
	r.Logger.Debug().
		Str("aggregate_id", cmd.AggregateID).
		Str("idempotency_key", cmd.IdempotencyKey).
		Msg("redelivered command deduplicated")
	return Applied{Events: events, NewVersion: record.NewVersion}, nil
}
