// Package bus dispatches durably appended events to subscribers.
//
// Delivery is at-least-once: a failing handler is retried a bounded number of
// times and the failure is logged, so handlers must be idempotent, keyed by
// (aggregate id, event sequence). Events of one aggregate stream are
// delivered in sequence order; ordering across streams is undefined.
package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/specfold/specfold/internal/engine/event"
)

// Handler consumes one event. Returning an error requests redelivery.
type Handler func(ctx context.Context, evt event.Event) error

type subscription struct {
	name    string
	pattern string
	handler Handler
}

// Bus is an in-process event dispatcher.
type Bus struct {
	mu          sync.RWMutex
	subs        []subscription
	logger      zerolog.Logger
	maxAttempts int
}

// New creates a bus. maxAttempts bounds redelivery per subscriber per event;
// values below 1 are treated as 1.
func New(logger zerolog.Logger, maxAttempts int) *Bus {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Bus{logger: logger, maxAttempts: maxAttempts}
}

// Subscribe registers a handler for event types matching pattern. A pattern
// is either an exact event type or a domain prefix wildcard such as
// "specification.*".
func (b *Bus) Subscribe(name, pattern string, handler Handler) error {
	if b == nil {
		return errors.New("bus is required")
	}
	name = strings.TrimSpace(name)
	pattern = strings.TrimSpace(pattern)
	if name == "" {
		return errors.New("subscriber name is required")
	}
	if pattern == "" {
		return errors.New("pattern is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, pattern: pattern, handler: handler})
	return nil
}

// Matches reports whether an event type matches a subscription pattern.
func Matches(pattern string, eventType event.Type) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return eventType.Domain() == strings.TrimSuffix(pattern, ".*")
	}
	return string(eventType) == pattern
}

// Publish delivers events to all matching subscribers in order. Handler
// failures are retried up to the configured attempt bound and then logged;
// publish itself never fails, because events are already durable and
// redelivery is the subscriber's recovery path.
func (b *Bus) Publish(ctx context.Context, events ...event.Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, evt := range events {
		for _, sub := range subs {
			if !Matches(sub.pattern, evt.Type) {
				continue
			}
			b.deliver(ctx, sub, evt)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, sub subscription, evt event.Event) {
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		lastErr = sub.handler(ctx, evt)
		if lastErr == nil {
			return
		}
		b.logger.Warn().Err(lastErr).
			Str("subscriber", sub.name).
			Str("event_type", string(evt.Type)).
			Str("aggregate_id", evt.AggregateID).
			Uint64("seq", evt.Seq).
			Int("attempt", attempt).
			Msg("event delivery failed")
	}
	b.logger.Error().Err(lastErr).
		Str("subscriber", sub.name).
		Str("event_type", string(evt.Type)).
		Str("aggregate_id", evt.AggregateID).
		Uint64("seq", evt.Seq).
		Msg("event delivery exhausted attempts")
}
