package command

import (
	"errors"
	"testing"

	"github.com/specfold/specfold/internal/engine/event"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	if err := registry.Register(Definition{
		Type:          Type("specification.create"),
		AggregateType: "specification",
	}); err != nil {
		t.Fatalf("register command: %v", err)
	}
	return registry
}

func TestValidateForDecisionNormalizes(t *testing.T) {
	registry := newTestRegistry(t)

	cmd, err := registry.ValidateForDecision(Command{
		AggregateType: " specification ",
		AggregateID:   " spec-1 ",
		Type:          Type(" specification.create "),
		PayloadJSON:   []byte(`{"b":1,"a":2}`),
	})
	if err != nil {
		t.Fatalf("validate for decision: %v", err)
	}
	if cmd.AggregateID != "spec-1" {
		t.Fatalf("aggregate id = %q, want trimmed", cmd.AggregateID)
	}
	if string(cmd.PayloadJSON) != `{"a":2,"b":1}` {
		t.Fatalf("payload not canonicalized: %s", cmd.PayloadJSON)
	}
}

func TestValidateForDecisionEmptyPayloadDefaultsToObject(t *testing.T) {
	registry := newTestRegistry(t)

	cmd, err := registry.ValidateForDecision(Command{
		AggregateType: "specification",
		AggregateID:   "spec-1",
		Type:          Type("specification.create"),
	})
	if err != nil {
		t.Fatalf("validate for decision: %v", err)
	}
	if string(cmd.PayloadJSON) != "{}" {
		t.Fatalf("payload = %s, want {}", cmd.PayloadJSON)
	}
}

func TestValidateForDecisionRejectsUnknownType(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.ValidateForDecision(Command{
		AggregateType: "specification",
		AggregateID:   "spec-1",
		Type:          Type("specification.detonate"),
	})
	if !errors.Is(err, ErrTypeUnknown) {
		t.Fatalf("expected ErrTypeUnknown, got %v", err)
	}
}

func TestValidateForDecisionRejectsInvalidPayload(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.ValidateForDecision(Command{
		AggregateType: "specification",
		AggregateID:   "spec-1",
		Type:          Type("specification.create"),
		PayloadJSON:   []byte(`{"unterminated`),
	})
	if !errors.Is(err, ErrPayloadInvalid) {
		t.Fatalf("expected ErrPayloadInvalid, got %v", err)
	}
}

func TestValidateForDecisionRejectsWrongAggregateType(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.ValidateForDecision(Command{
		AggregateType: "changeset",
		AggregateID:   "cs-1",
		Type:          Type("specification.create"),
	})
	if err == nil {
		t.Fatal("expected aggregate type mismatch error")
	}
}

func TestAcceptCopiesEvents(t *testing.T) {
	events := []event.Event{{Type: event.Type("specification.created")}}
	decision := Accept(events...)
	events[0].Type = event.Type("mutated")
	if decision.Events[0].Type != event.Type("specification.created") {
		t.Fatal("decision should hold its own copy of events")
	}
}

func TestRejectCarriesRejections(t *testing.T) {
	decision := Reject(Rejection{Code: "INVALID_TRANSITION", Message: "cannot approve a draft"})
	if len(decision.Rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(decision.Rejections))
	}
	if decision.Rejections[0].Code != "INVALID_TRANSITION" {
		t.Fatalf("code = %q", decision.Rejections[0].Code)
	}
	if len(decision.Events) != 0 {
		t.Fatal("rejection decision must not carry events")
	}
}
