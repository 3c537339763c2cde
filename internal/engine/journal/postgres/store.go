// Package postgres provides Postgres-backed persistence for the engine: the
// event journal, idempotency keys, validation runs, and saga executions.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/specfold/specfold/internal/engine/event"
	"github.com/specfold/specfold/internal/engine/journal"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		occurred_at BIGINT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		causation_id TEXT NOT NULL DEFAULT '',
		payload JSONB,
		UNIQUE (aggregate_type, aggregate_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		aggregate_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		new_version BIGINT NOT NULL,
		event_ids JSONB NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (aggregate_id, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS validation_runs (
		run_id TEXT PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		version BIGINT NOT NULL,
		archetype_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		checkpoints JSONB NOT NULL,
		problems JSONB NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		trigger_key TEXT NOT NULL DEFAULT '',
		started_at BIGINT NOT NULL,
		finished_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS validation_runs_subject
		ON validation_runs (aggregate_type, aggregate_id, started_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS validation_runs_trigger
		ON validation_runs (trigger_key) WHERE trigger_key != ''`,
	`CREATE TABLE IF NOT EXISTS saga_executions (
		execution_id TEXT PRIMARY KEY,
		definition TEXT NOT NULL,
		state TEXT NOT NULL,
		current_step BIGINT NOT NULL DEFAULT 0,
		completed_steps JSONB NOT NULL,
		compensated_steps JSONB NOT NULL,
		skipped_steps JSONB NOT NULL,
		failure TEXT NOT NULL DEFAULT '',
		context JSONB NOT NULL,
		trigger_key TEXT NOT NULL DEFAULT '',
		started_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		finished_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS saga_executions_trigger
		ON saga_executions (trigger_key) WHERE trigger_key != ''`,
	`CREATE INDEX IF NOT EXISTS saga_executions_state
		ON saga_executions (state)`,
}

// Store persists engine state in Postgres.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a Postgres store using the provided DSN and ensures the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Runs returns the validation-run view of this store.
func (s *Store) Runs() *RunStore {
	return &RunStore{sqlDB: s.sqlDB}
}

// Sagas returns the saga-execution view of this store.
func (s *Store) Sagas() *SagaStore {
	return &SagaStore{sqlDB: s.sqlDB}
}

// Close closes the Postgres handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendEvents atomically appends a contiguous batch to one stream,
// compare-and-swapping on the live head sequence.
func (s *Store) AppendEvents(ctx context.Context, aggregateType, aggregateID string, expectedHeadSeq uint64, events []event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(events) == 0 {
		return fmt.Errorf("event batch is empty")
	}
	for i, evt := range events {
		want := expectedHeadSeq + uint64(i) + 1
		if evt.Seq != want {
			return fmt.Errorf("event batch is not contiguous: seq %d at position %d, want %d", evt.Seq, i, want)
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head uint64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID)
	if err := row.Scan(&head); err != nil {
		return fmt.Errorf("read stream head: %w", err)
	}
	if head != expectedHeadSeq {
		return journal.ErrSequenceConflict
	}

	for _, evt := range events {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (
			   event_id, aggregate_type, aggregate_id, seq, event_type,
			   occurred_at, correlation_id, causation_id, payload
			 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			evt.ID, aggregateType, aggregateID, evt.Seq, string(evt.Type),
			toMillis(evt.OccurredAt), evt.CorrelationID, evt.CausationID, evt.PayloadJSON)
		if err != nil {
			if isUniqueViolation(err) {
				// A concurrent writer claimed the sequence inside the window
				// between our head read and the insert.
				return journal.ErrSequenceConflict
			}
			return fmt.Errorf("insert event %s: %w", evt.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// ListEvents returns events ordered by sequence, strictly after afterSeq.
func (s *Store) ListEvents(ctx context.Context, aggregateType, aggregateID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	query := `SELECT event_id, seq, event_type, occurred_at, correlation_id, causation_id, payload
	          FROM events
	          WHERE aggregate_type = $1 AND aggregate_id = $2 AND seq > $3
	          ORDER BY seq ASC`
	args := []any{aggregateType, aggregateID, afterSeq}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.Event
	for rows.Next() {
		var (
			evt        event.Event
			eventType  string
			occurredAt int64
			payload    []byte
		)
		if err := rows.Scan(&evt.ID, &evt.Seq, &eventType, &occurredAt, &evt.CorrelationID, &evt.CausationID, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.AggregateType = aggregateType
		evt.AggregateID = aggregateID
		evt.Type = event.Type(eventType)
		evt.OccurredAt = fromMillis(occurredAt)
		evt.PayloadJSON = payload
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// HeadSeq returns the latest sequence for a stream, 0 when empty.
func (s *Store) HeadSeq(ctx context.Context, aggregateType, aggregateID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var head uint64
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID)
	if err := row.Scan(&head); err != nil {
		return 0, fmt.Errorf("read stream head: %w", err)
	}
	return head, nil
}

// GetApply returns the recorded outcome for an idempotency key.
func (s *Store) GetApply(ctx context.Context, aggregateID, key string) (journal.ApplyRecord, error) {
	if err := ctx.Err(); err != nil {
		return journal.ApplyRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return journal.ApplyRecord{}, fmt.Errorf("storage is not configured")
	}
	record := journal.ApplyRecord{AggregateID: aggregateID, Key: key}
	var eventIDs string
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT new_version, event_ids FROM idempotency_keys WHERE aggregate_id = $1 AND idempotency_key = $2`,
		aggregateID, key)
	if err := row.Scan(&record.NewVersion, &eventIDs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return journal.ApplyRecord{}, journal.ErrNotFound
		}
		return journal.ApplyRecord{}, fmt.Errorf("read idempotency key: %w", err)
	}
	if err := json.Unmarshal([]byte(eventIDs), &record.EventIDs); err != nil {
		return journal.ApplyRecord{}, fmt.Errorf("decode event ids: %w", err)
	}
	return record, nil
}

// PutApply records the outcome of a successfully applied command.
func (s *Store) PutApply(ctx context.Context, record journal.ApplyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	eventIDs, err := json.Marshal(record.EventIDs)
	if err != nil {
		return fmt.Errorf("encode event ids: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO idempotency_keys (aggregate_id, idempotency_key, new_version, event_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (aggregate_id, idempotency_key) DO NOTHING`,
		record.AggregateID, record.Key, record.NewVersion, string(eventIDs), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

var (
	_ journal.EventStore       = (*Store)(nil)
	_ journal.IdempotencyStore = (*Store)(nil)
)
