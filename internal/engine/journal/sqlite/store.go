// Package sqlite provides SQLite-backed persistence for the engine: the
// event journal, idempotency keys, validation runs, and saga executions.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/specfold/specfold/internal/engine/event"
	"github.com/specfold/specfold/internal/engine/journal"
	"github.com/specfold/specfold/internal/engine/journal/sqlite/migrations"
	sqlitemigrate "github.com/specfold/specfold/internal/platform/storage/sqlitemigrate"
)

// Store persists engine state in SQLite.
type Store struct {
	sqlDB *sql.DB
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

// Open opens a SQLite store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
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

// Close closes the SQLite handle.
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
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?`,
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
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
	          WHERE aggregate_type = ? AND aggregate_id = ? AND seq > ?
	          ORDER BY seq ASC`
	args := []any{aggregateType, aggregateID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
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
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?`,
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
		`SELECT new_version, event_ids FROM idempotency_keys WHERE aggregate_id = ? AND idempotency_key = ?`,
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
		 VALUES (?, ?, ?, ?, ?)
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
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ journal.EventStore = (*Store)(nil)
var _ journal.IdempotencyStore = (*Store)(nil)
