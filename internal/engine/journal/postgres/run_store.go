package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/specfold/specfold/internal/validation"
)

// RunStore is the validation-run view of the Postgres store.
type RunStore struct {
	sqlDB *sql.DB
}

// Save upserts a validation run keyed by ID.
func (s *RunStore) Save(ctx context.Context, run *validation.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	checkpoints, err := json.Marshal(checkpointNames(run.Checkpoints))
	if err != nil {
		return fmt.Errorf("encode checkpoints: %w", err)
	}
	problems, err := json.Marshal(run.Problems)
	if err != nil {
		return fmt.Errorf("encode problems: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO validation_runs (
		   run_id, aggregate_type, aggregate_id, version, archetype_id,
		   state, checkpoints, problems, error, trigger_key, started_at, finished_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (run_id) DO UPDATE SET
		   state = excluded.state,
		   checkpoints = excluded.checkpoints,
		   problems = excluded.problems,
		   error = excluded.error,
		   finished_at = excluded.finished_at`,
		run.ID, run.AggregateType, run.AggregateID, run.Version, run.ArchetypeID,
		string(run.State), string(checkpoints), string(problems), run.Error, run.TriggerKey,
		toMillis(run.StartedAt), toMillis(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("upsert validation run: %w", err)
	}
	return nil
}

// Get returns the validation run or validation.ErrRunNotFound.
func (s *RunStore) Get(ctx context.Context, id string) (*validation.Run, error) {
	return s.getWhere(ctx, "run_id = $1", id)
}

// GetByTriggerKey returns the run started for a trigger key.
func (s *RunStore) GetByTriggerKey(ctx context.Context, key string) (*validation.Run, error) {
	if key == "" {
		return nil, validation.ErrRunNotFound
	}
	return s.getWhere(ctx, "trigger_key = $1", key)
}

func (s *RunStore) getWhere(ctx context.Context, where string, arg any) (*validation.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT run_id, aggregate_type, aggregate_id, version, archetype_id,
		        state, checkpoints, problems, error, trigger_key, started_at, finished_at
		 FROM validation_runs WHERE `+where, arg)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, validation.ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListBySubject returns the subject's runs ordered by start time.
func (s *RunStore) ListBySubject(ctx context.Context, aggregateType, aggregateID string) ([]*validation.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT run_id, aggregate_type, aggregate_id, version, archetype_id,
		        state, checkpoints, problems, error, trigger_key, started_at, finished_at
		 FROM validation_runs
		 WHERE aggregate_type = $1 AND aggregate_id = $2
		 ORDER BY started_at ASC, run_id ASC`,
		aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list validation runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*validation.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate validation runs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*validation.Run, error) {
	var (
		run         validation.Run
		state       string
		checkpoints string
		problems    string
		startedAt   int64
		finishedAt  int64
	)
	if err := row.Scan(&run.ID, &run.AggregateType, &run.AggregateID, &run.Version, &run.ArchetypeID,
		&state, &checkpoints, &problems, &run.Error, &run.TriggerKey, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan validation run: %w", err)
	}
	run.State = validation.RunState(state)
	run.StartedAt = fromMillis(startedAt)
	run.FinishedAt = fromMillis(finishedAt)
	var names []string
	if err := json.Unmarshal([]byte(checkpoints), &names); err != nil {
		return nil, fmt.Errorf("decode checkpoints: %w", err)
	}
	for _, name := range names {
		run.Checkpoints = append(run.Checkpoints, validation.StageName(name))
	}
	if err := json.Unmarshal([]byte(problems), &run.Problems); err != nil {
		return nil, fmt.Errorf("decode problems: %w", err)
	}
	return &run, nil
}

func checkpointNames(checkpoints []validation.StageName) []string {
	names := make([]string, 0, len(checkpoints))
	for _, name := range checkpoints {
		names = append(names, string(name))
	}
	return names
}

var _ validation.RunStore = (*RunStore)(nil)
