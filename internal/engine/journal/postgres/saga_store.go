package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/specfold/specfold/internal/saga"
)

// SagaStore is the saga-execution view of the Postgres store.
type SagaStore struct {
	sqlDB *sql.DB
}

// Save upserts an execution keyed by ID.
func (s *SagaStore) Save(ctx context.Context, exec *saga.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	completed, err := json.Marshal(exec.CompletedSteps)
	if err != nil {
		return fmt.Errorf("encode completed steps: %w", err)
	}
	compensated, err := json.Marshal(exec.CompensatedSteps)
	if err != nil {
		return fmt.Errorf("encode compensated steps: %w", err)
	}
	skipped, err := json.Marshal(exec.SkippedSteps)
	if err != nil {
		return fmt.Errorf("encode skipped steps: %w", err)
	}
	sagaCtx, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	failure := ""
	if exec.Failure != nil {
		encoded, err := json.Marshal(exec.Failure)
		if err != nil {
			return fmt.Errorf("encode failure: %w", err)
		}
		failure = string(encoded)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO saga_executions (
		   execution_id, definition, state, current_step, completed_steps,
		   compensated_steps, skipped_steps, failure, context, trigger_key,
		   started_at, updated_at, finished_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (execution_id) DO UPDATE SET
		   state = excluded.state,
		   current_step = excluded.current_step,
		   completed_steps = excluded.completed_steps,
		   compensated_steps = excluded.compensated_steps,
		   skipped_steps = excluded.skipped_steps,
		   failure = excluded.failure,
		   context = excluded.context,
		   updated_at = excluded.updated_at,
		   finished_at = excluded.finished_at`,
		exec.ID, exec.Definition, string(exec.State), exec.CurrentStep, string(completed),
		string(compensated), string(skipped), failure, string(sagaCtx), exec.TriggerKey,
		toMillis(exec.StartedAt), toMillis(exec.UpdatedAt), toMillis(exec.FinishedAt))
	if err != nil {
		return fmt.Errorf("upsert saga execution: %w", err)
	}
	return nil
}

// Get returns the execution or saga.ErrNotFound.
func (s *SagaStore) Get(ctx context.Context, id string) (*saga.Execution, error) {
	return s.getWhere(ctx, "execution_id = $1", id)
}

// GetByTriggerKey returns the execution started for a trigger key.
func (s *SagaStore) GetByTriggerKey(ctx context.Context, key string) (*saga.Execution, error) {
	if key == "" {
		return nil, saga.ErrNotFound
	}
	return s.getWhere(ctx, "trigger_key = $1", key)
}

func (s *SagaStore) getWhere(ctx context.Context, where string, arg any) (*saga.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT execution_id, definition, state, current_step, completed_steps,
		        compensated_steps, skipped_steps, failure, context, trigger_key,
		        started_at, updated_at, finished_at
		 FROM saga_executions WHERE `+where, arg)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, saga.ErrNotFound
		}
		return nil, err
	}
	return exec, nil
}

// ListUnfinished returns non-terminal executions ordered by start time.
func (s *SagaStore) ListUnfinished(ctx context.Context) ([]*saga.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT execution_id, definition, state, current_step, completed_steps,
		        compensated_steps, skipped_steps, failure, context, trigger_key,
		        started_at, updated_at, finished_at
		 FROM saga_executions
		 WHERE state NOT IN ($1, $2)
		 ORDER BY started_at ASC, execution_id ASC`,
		string(saga.StateCompleted), string(saga.StateFailed))
	if err != nil {
		return nil, fmt.Errorf("list unfinished executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*saga.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

func scanExecution(row rowScanner) (*saga.Execution, error) {
	var (
		exec        saga.Execution
		state       string
		completed   string
		compensated string
		skipped     string
		failure     string
		sagaCtx     string
		startedAt   int64
		updatedAt   int64
		finishedAt  int64
	)
	if err := row.Scan(&exec.ID, &exec.Definition, &state, &exec.CurrentStep, &completed,
		&compensated, &skipped, &failure, &sagaCtx, &exec.TriggerKey,
		&startedAt, &updatedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan saga execution: %w", err)
	}
	exec.State = saga.State(state)
	exec.StartedAt = fromMillis(startedAt)
	exec.UpdatedAt = fromMillis(updatedAt)
	exec.FinishedAt = fromMillis(finishedAt)
	if err := json.Unmarshal([]byte(completed), &exec.CompletedSteps); err != nil {
		return nil, fmt.Errorf("decode completed steps: %w", err)
	}
	if err := json.Unmarshal([]byte(compensated), &exec.CompensatedSteps); err != nil {
		return nil, fmt.Errorf("decode compensated steps: %w", err)
	}
	if err := json.Unmarshal([]byte(skipped), &exec.SkippedSteps); err != nil {
		return nil, fmt.Errorf("decode skipped steps: %w", err)
	}
	if err := json.Unmarshal([]byte(sagaCtx), &exec.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if failure != "" {
		exec.Failure = &saga.Failure{}
		if err := json.Unmarshal([]byte(failure), exec.Failure); err != nil {
			return nil, fmt.Errorf("decode failure: %w", err)
		}
	}
	return &exec, nil
}

var _ saga.Store = (*SagaStore)(nil)
