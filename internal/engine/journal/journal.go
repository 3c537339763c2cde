// Package journal defines the event stream persistence boundary.
//
// The journal is the source of truth for aggregate state reconstruction.
// Appends are atomic and compare-and-swap on the stream head sequence, which
// is what enforces single-writer-at-a-time semantics per aggregate.
package journal

import (
	"context"
	"errors"

	"github.com/specfold/specfold/internal/engine/event"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrSequenceConflict indicates the stream head moved past the expected
	// sequence between read and append.
	ErrSequenceConflict = errors.New("stream head sequence conflict")
)

// EventStore persists append-only event streams.
type EventStore interface {
	// AppendEvents atomically appends a batch to one stream. The first event
	// must carry Seq == expectedHeadSeq+1 and the batch must be contiguous;
	// ErrSequenceConflict is returned when the live head differs from
	// expectedHeadSeq.
	AppendEvents(ctx context.Context, aggregateType, aggregateID string, expectedHeadSeq uint64, events []event.Event) error
	// ListEvents returns events ordered by sequence ascending, strictly after
	// afterSeq, up to limit (0 means no limit).
	ListEvents(ctx context.Context, aggregateType, aggregateID string, afterSeq uint64, limit int) ([]event.Event, error)
	// HeadSeq returns the latest event sequence number for a stream.
	// Returns 0 when no events exist.
	HeadSeq(ctx context.Context, aggregateType, aggregateID string) (uint64, error)
}

// ApplyRecord captures the outcome of an idempotent command apply so
// redeliveries can return the original result.
type ApplyRecord struct {
	AggregateID string
	Key         string
	NewVersion  uint64
	EventIDs    []string
}

// IdempotencyStore tracks processed idempotency keys per aggregate.
type IdempotencyStore interface {
	GetApply(ctx context.Context, aggregateID, key string) (ApplyRecord, error)
	PutApply(ctx context.Context, record ApplyRecord) error
}
