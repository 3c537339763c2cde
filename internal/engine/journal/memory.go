package journal

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/specfold/specfold/internal/engine/event"
)

// Memory stores event streams in memory. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	streams map[string][]event.Event
	applies map[string]ApplyRecord
}

// NewMemory creates an in-memory event store.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string][]event.Event),
		applies: make(map[string]ApplyRecord),
	}
}

func streamKey(aggregateType, aggregateID string) string {
	return aggregateType + "/" + aggregateID
}

// AppendEvents atomically appends a batch to one stream with a CAS on the
// head sequence.
func (m *Memory) AppendEvents(ctx context.Context, aggregateType, aggregateID string, expectedHeadSeq uint64, events []event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("event store is required")
	}
	aggregateType = strings.TrimSpace(aggregateType)
	aggregateID = strings.TrimSpace(aggregateID)
	if aggregateType == "" || aggregateID == "" {
		return errors.New("aggregate type and id are required")
	}
	if len(events) == 0 {
		return errors.New("at least one event is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := streamKey(aggregateType, aggregateID)
	stream := m.streams[key]
	head := uint64(0)
	if n := len(stream); n > 0 {
		head = stream[n-1].Seq
	}
	if head != expectedHeadSeq {
		return ErrSequenceConflict
	}
	next := head
	for _, evt := range events {
		next++
		if evt.Seq != next {
			return errors.New("event batch is not contiguous with stream head")
		}
	}
	m.streams[key] = append(stream, events...)
	return nil
}

// ListEvents returns events ordered by sequence ascending.
func (m *Memory) ListEvents(ctx context.Context, aggregateType, aggregateID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("event store is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[streamKey(aggregateType, aggregateID)]
	var out []event.Event
	for _, evt := range stream {
		if evt.Seq <= afterSeq {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// HeadSeq returns the latest event sequence number for a stream.
func (m *Memory) HeadSeq(ctx context.Context, aggregateType, aggregateID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m == nil {
		return 0, errors.New("event store is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[streamKey(aggregateType, aggregateID)]
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].Seq, nil
}

// GetApply retrieves a processed apply record by idempotency key.
func (m *Memory) GetApply(ctx context.Context, aggregateID, key string) (ApplyRecord, error) {
	if err := ctx.Err(); err != nil {
		return ApplyRecord{}, err
	}
	if m == nil {
		return ApplyRecord{}, errors.New("event store is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.applies[aggregateID+"#"+key]
	if !ok {
		return ApplyRecord{}, ErrNotFound
	}
	return record, nil
}

// PutApply records a processed apply.
func (m *Memory) PutApply(ctx context.Context, record ApplyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("event store is required")
	}
	if record.AggregateID == "" || record.Key == "" {
		return errors.New("aggregate id and idempotency key are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.applies[record.AggregateID+"#"+record.Key] = record
	return nil
}
