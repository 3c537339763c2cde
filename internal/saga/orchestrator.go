package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/specfold/specfold/internal/engine/event"
	"github.com/specfold/specfold/internal/platform/id"
	"github.com/specfold/specfold/internal/platform/metrics"
)

// ErrStoreRequired indicates a missing execution store.
var ErrStoreRequired = errors.New("saga: execution store is required")

const defaultMaxActionRetries = 3

// Orchestrator runs saga definitions. Step actions are retried with
// exponential backoff because they are idempotent command dispatches;
// compensations get exactly one attempt, and a compensation failure ends
// the execution Failed for manual intervention.
type Orchestrator struct {
	Store  Store
	Logger zerolog.Logger
	// MaxActionRetries bounds retries per step action. Zero means the
	// default.
	MaxActionRetries uint64
	Now              func() time.Time

	mu          sync.RWMutex
	definitions map[string]*Definition
	triggers    map[event.Type]string
}

// RegisterDefinition makes a definition available for triggering.
func (o *Orchestrator) RegisterDefinition(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.definitions == nil {
		o.definitions = make(map[string]*Definition)
	}
	if _, exists := o.definitions[def.Name]; exists {
		return fmt.Errorf("saga: definition %q already registered", def.Name)
	}
	o.definitions[def.Name] = def
	return nil
}

// RegisterTrigger starts the named definition whenever an event of the
// given type is delivered to HandleEvent.
func (o *Orchestrator) RegisterTrigger(eventType event.Type, definition string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.definitions[definition]; !ok {
		return fmt.Errorf("%w: %s", ErrDefinitionUnknown, definition)
	}
	if o.triggers == nil {
		o.triggers = make(map[event.Type]string)
	}
	if existing, ok := o.triggers[eventType]; ok {
		return fmt.Errorf("saga: event type %s already triggers %q", eventType, existing)
	}
	o.triggers[eventType] = definition
	return nil
}

// HandleEvent is a bus handler that starts sagas for registered trigger
// events. Delivery is at-least-once, so executions are deduplicated by
// (aggregate_id, sequence).
func (o *Orchestrator) HandleEvent(ctx context.Context, evt event.Event) error {
	o.mu.RLock()
	definition, ok := o.triggers[evt.Type]
	o.mu.RUnlock()
	if !ok {
		return nil
	}

	triggerKey := fmt.Sprintf("%s:%d", evt.AggregateID, evt.Seq)
	_, err := o.Store.GetByTriggerKey(ctx, triggerKey)
	switch {
	case err == nil:
		o.Logger.Debug().
			Str("trigger_key", triggerKey).
			Str("event_type", string(evt.Type)).
			Msg("redelivered trigger deduplicated")
		return nil
	case errors.Is(err, ErrNotFound):
	default:
		return fmt.Errorf("trigger lookup: %w", err)
	}

	sagaCtx := map[string]any{
		"aggregate_type": evt.AggregateType,
		"aggregate_id":   evt.AggregateID,
		"event_id":       evt.ID,
		"correlation_id": evt.CorrelationID,
	}
	_, err = o.Start(ctx, definition, triggerKey, sagaCtx)
	return err
}

// Start creates an execution and runs it to a terminal state. The returned
// execution reflects the terminal state; a nil error means the saga
// machinery worked, not that the saga completed (check State).
func (o *Orchestrator) Start(ctx context.Context, definition, triggerKey string, sagaCtx map[string]any) (*Execution, error) {
	if o.Store == nil {
		return nil, ErrStoreRequired
	}
	o.mu.RLock()
	def, ok := o.definitions[definition]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionUnknown, definition)
	}

	execID, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate execution id: %w", err)
	}
	if sagaCtx == nil {
		sagaCtx = map[string]any{}
	}
	now := o.now()
	exec := &Execution{
		ID:         execID,
		Definition: definition,
		State:      StatePending,
		Context:    sagaCtx,
		TriggerKey: triggerKey,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.save(ctx, exec); err != nil {
		return nil, err
	}

	if err := o.run(ctx, exec, def); err != nil {
		return exec, err
	}
	return exec, nil
}

// Resume continues every unfinished execution after a restart: Running
// executions pick up at their current step, Compensating executions finish
// their sweep.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if o.Store == nil {
		return ErrStoreRequired
	}
	unfinished, err := o.Store.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished executions: %w", err)
	}
	for _, exec := range unfinished {
		o.mu.RLock()
		def, ok := o.definitions[exec.Definition]
		o.mu.RUnlock()
		if !ok {
			o.Logger.Error().
				Str("execution_id", exec.ID).
				Str("definition", exec.Definition).
				Msg("cannot resume execution: definition not registered")
			continue
		}
		switch exec.State {
		case StatePending, StateRunning:
			if err := o.run(ctx, exec, def); err != nil {
				return err
			}
		case StateCompensating:
			if err := o.compensate(ctx, exec, def); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cancel drives a non-terminal execution through the compensation path.
// There is no abandon-without-compensation exit.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, reason string) (*Execution, error) {
	if o.Store == nil {
		return nil, ErrStoreRequired
	}
	exec, err := o.Store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.State.Terminal() {
		return exec, fmt.Errorf("saga: execution %s already %s", exec.ID, exec.State)
	}
	o.mu.RLock()
	def, ok := o.definitions[exec.Definition]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionUnknown, exec.Definition)
	}

	stepName := ""
	if exec.CurrentStep < len(def.Steps) {
		stepName = def.Steps[exec.CurrentStep].Name
	}
	exec.Failure = &Failure{
		Step:    stepName,
		Phase:   PhaseAction,
		Message: "cancelled: " + reason,
	}
	exec.State = StateCompensating
	if err := o.save(ctx, exec); err != nil {
		return exec, err
	}
	if err := o.compensate(ctx, exec, def); err != nil {
		return exec, err
	}
	return exec, nil
}

// run executes steps in order from the persisted continuation point,
// saving after every step.
func (o *Orchestrator) run(ctx context.Context, exec *Execution, def *Definition) error {
	exec.State = StateRunning
	if err := o.save(ctx, exec); err != nil {
		return err
	}

	for exec.CurrentStep < len(def.Steps) {
		step := def.Steps[exec.CurrentStep]
		if err := o.runAction(ctx, step, exec); err != nil {
			o.Logger.Warn().
				Str("execution_id", exec.ID).
				Str("definition", exec.Definition).
				Str("step", step.Name).
				Err(err).
				Msg("saga step failed, compensating")
			exec.Failure = &Failure{Step: step.Name, Phase: PhaseAction, Message: err.Error()}
			exec.State = StateCompensating
			if step.Compensation == nil {
				// The failed step cannot be rolled back either way; record it
				// so the failure report names it.
				metrics.SagaCompensationsTotal.WithLabelValues("skipped").Inc()
				exec.SkippedSteps = append(exec.SkippedSteps, step.Name)
			}
			if saveErr := o.save(ctx, exec); saveErr != nil {
				return saveErr
			}
			return o.compensate(ctx, exec, def)
		}
		exec.CompletedSteps = append(exec.CompletedSteps, step.Name)
		exec.CurrentStep++
		if err := o.save(ctx, exec); err != nil {
			return err
		}
	}

	exec.State = StateCompleted
	exec.FinishedAt = o.now()
	if err := o.save(ctx, exec); err != nil {
		return err
	}
	metrics.SagaExecutionsTotal.WithLabelValues(string(exec.State)).Inc()
	o.Logger.Debug().
		Str("execution_id", exec.ID).
		Str("definition", exec.Definition).
		Int("steps", len(exec.CompletedSteps)).
		Msg("saga completed")
	return nil
}

func (o *Orchestrator) runAction(ctx context.Context, step Step, exec *Execution) error {
	retries := o.MaxActionRetries
	if retries == 0 {
		retries = defaultMaxActionRetries
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	return backoff.Retry(func() error {
		return step.Action(ctx, exec.Context)
	}, policy)
}

// compensate sweeps completed steps in strict reverse order, resuming from
// wherever a prior sweep stopped. Irreversible steps are logged and
// skipped. A failing compensation stops the sweep immediately: the failure
// is recorded against that step and the execution ends Failed.
func (o *Orchestrator) compensate(ctx context.Context, exec *Execution, def *Definition) error {
	steps := make(map[string]Step, len(def.Steps))
	for _, step := range def.Steps {
		steps[step.Name] = step
	}
	swept := make(map[string]bool, len(exec.CompensatedSteps)+len(exec.SkippedSteps))
	for _, name := range exec.CompensatedSteps {
		swept[name] = true
	}
	for _, name := range exec.SkippedSteps {
		swept[name] = true
	}

	for i := len(exec.CompletedSteps) - 1; i >= 0; i-- {
		name := exec.CompletedSteps[i]
		if swept[name] {
			continue
		}
		step, ok := steps[name]
		if !ok {
			return fmt.Errorf("saga: execution %s completed unknown step %q", exec.ID, name)
		}
		if step.Compensation == nil {
			metrics.SagaCompensationsTotal.WithLabelValues("skipped").Inc()
			o.Logger.Warn().
				Str("execution_id", exec.ID).
				Str("definition", exec.Definition).
				Str("step", name).
				Msg("step is irreversible, compensation skipped")
			exec.SkippedSteps = append(exec.SkippedSteps, name)
			if err := o.save(ctx, exec); err != nil {
				return err
			}
			continue
		}
		if err := step.Compensation(ctx, exec.Context); err != nil {
			metrics.SagaCompensationsTotal.WithLabelValues("failed").Inc()
			exec.Failure = &Failure{Step: name, Phase: PhaseCompensation, Message: err.Error()}
			o.Logger.Error().
				Str("execution_id", exec.ID).
				Str("definition", exec.Definition).
				Str("step", name).
				Strs("compensated_steps", exec.CompensatedSteps).
				Strs("skipped_steps", exec.SkippedSteps).
				Err(err).
				Msg("compensation failed, manual intervention required")
			return o.finishFailed(ctx, exec)
		}
		metrics.SagaCompensationsTotal.WithLabelValues("ok").Inc()
		exec.CompensatedSteps = append(exec.CompensatedSteps, name)
		if err := o.save(ctx, exec); err != nil {
			return err
		}
	}
	return o.finishFailed(ctx, exec)
}

func (o *Orchestrator) finishFailed(ctx context.Context, exec *Execution) error {
	exec.State = StateFailed
	exec.FinishedAt = o.now()
	if err := o.save(ctx, exec); err != nil {
		return err
	}
	metrics.SagaExecutionsTotal.WithLabelValues(string(exec.State)).Inc()
	return nil
}

func (o *Orchestrator) save(ctx context.Context, exec *Execution) error {
	exec.UpdatedAt = o.now()
	if err := o.Store.Save(ctx, exec); err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ID, err)
	}
	return nil
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}
