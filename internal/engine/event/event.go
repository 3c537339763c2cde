// Package event defines the immutable event record and its registry.
package event

import (
	"strings"
	"time"
)

// Type identifies the type of an engine event.
type Type string

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Domain returns the domain prefix of the event type (e.g., "specification").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Event represents an immutable fact in an aggregate's event stream.
//
// Ordering within a stream is total by Seq; ordering across streams is
// undefined except where CausationID links them.
type Event struct {
	// ID is the unique event identifier.
	ID string
	// AggregateType identifies the kind of aggregate the event belongs to.
	AggregateType string
	// AggregateID identifies the aggregate instance.
	AggregateID string
	// Seq is the event sequence number within the stream (starts at 1).
	Seq uint64
	// OccurredAt is when the event occurred.
	OccurredAt time.Time
	// Type identifies the kind of event.
	Type Type
	// CorrelationID groups events belonging to one logical flow.
	CorrelationID string
	// CausationID names the command or event that caused this event.
	CausationID string
	// PayloadJSON holds event-specific data as canonical JSON.
	PayloadJSON []byte
}

// StreamKey returns the identity of the stream this event belongs to.
func (e Event) StreamKey() string {
	return e.AggregateType + "/" + e.AggregateID
}
