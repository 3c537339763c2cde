package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/specfold/specfold/internal/engine/event"
)

func TestMatches(t *testing.T) {
	cases := []struct {
		pattern   string
		eventType event.Type
		want      bool
	}{
		{"specification.created", event.Type("specification.created"), true},
		{"specification.created", event.Type("specification.renamed"), false},
		{"specification.*", event.Type("specification.renamed"), true},
		{"specification.*", event.Type("changeset.opened"), false},
		{"*", event.Type("anything.at_all"), true},
	}
	for _, tc := range cases {
		if got := Matches(tc.pattern, tc.eventType); got != tc.want {
			t.Fatalf("Matches(%q, %q) = %v, want %v", tc.pattern, tc.eventType, got, tc.want)
		}
	}
}

func TestPublishDeliversInStreamOrder(t *testing.T) {
	b := New(zerolog.Nop(), 1)
	var seen []uint64
	if err := b.Subscribe("recorder", "specification.*", func(ctx context.Context, evt event.Event) error {
		seen = append(seen, evt.Seq)
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish(context.Background(),
		event.Event{Type: "specification.created", AggregateID: "spec-1", Seq: 1},
		event.Event{Type: "specification.renamed", AggregateID: "spec-1", Seq: 2},
		event.Event{Type: "specification.renamed", AggregateID: "spec-1", Seq: 3},
	)

	if len(seen) != 3 {
		t.Fatalf("delivered %d events, want 3", len(seen))
	}
	for i, seq := range seen {
		if seq != uint64(i+1) {
			t.Fatalf("delivery order broken: %v", seen)
		}
	}
}

func TestPublishSkipsNonMatchingSubscribers(t *testing.T) {
	b := New(zerolog.Nop(), 1)
	calls := 0
	if err := b.Subscribe("changesets", "changeset.*", func(ctx context.Context, evt event.Event) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish(context.Background(), event.Event{Type: "specification.created", AggregateID: "spec-1", Seq: 1})

	if calls != 0 {
		t.Fatalf("expected no deliveries, got %d", calls)
	}
}

func TestPublishRetriesFailingHandler(t *testing.T) {
	b := New(zerolog.Nop(), 3)
	attempts := 0
	if err := b.Subscribe("flaky", "specification.*", func(ctx context.Context, evt event.Event) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish(context.Background(), event.Event{Type: "specification.created", AggregateID: "spec-1", Seq: 1})

	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestPublishBoundsRedelivery(t *testing.T) {
	b := New(zerolog.Nop(), 2)
	attempts := 0
	if err := b.Subscribe("broken", "specification.*", func(ctx context.Context, evt event.Event) error {
		attempts++
		return errors.New("permanent")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish(context.Background(), event.Event{Type: "specification.created", AggregateID: "spec-1", Seq: 1})

	if attempts != 2 {
		t.Fatalf("attempts = %d, want bound of 2", attempts)
	}
}

func TestPublishContinuesToOtherSubscribersAfterFailure(t *testing.T) {
	b := New(zerolog.Nop(), 1)
	delivered := false
	if err := b.Subscribe("broken", "specification.*", func(ctx context.Context, evt event.Event) error {
		return errors.New("permanent")
	}); err != nil {
		t.Fatalf("subscribe broken: %v", err)
	}
	if err := b.Subscribe("healthy", "specification.*", func(ctx context.Context, evt event.Event) error {
		delivered = true
		return nil
	}); err != nil {
		t.Fatalf("subscribe healthy: %v", err)
	}

	b.Publish(context.Background(), event.Event{Type: "specification.created", AggregateID: "spec-1", Seq: 1})

	if !delivered {
		t.Fatal("healthy subscriber should still receive the event")
	}
}
