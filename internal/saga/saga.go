// Package saga executes declarative multi-step workflows across aggregates
// and compensates completed steps in reverse order when a step fails.
//
// An execution is persisted as an explicit continuation (current step index
// plus context) after every step, so resuming after a crash is a plain
// state reload. Compensation failures are never swallowed: the execution
// records the failing compensation and ends Failed for manual intervention.
package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates no execution exists for the key.
	ErrNotFound = errors.New("saga: execution not found")
	// ErrDefinitionUnknown indicates no definition is registered under the name.
	ErrDefinitionUnknown = errors.New("saga: unknown definition")
)

// State is the execution lifecycle. Transitions only move forward:
// Pending → Running → {Completed | Compensating → Failed}.
type State string

const (
	StatePending      State = "pending"
	StateRunning      State = "running"
	StateCompensating State = "compensating"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Action performs one step's effect; it must be idempotent under
// redelivery. The saga context is shared across steps of one execution and
// persisted with it.
type Action func(ctx context.Context, sagaCtx map[string]any) error

// Step is one unit of a definition. A nil Compensation marks the step
// irreversible: during a compensation sweep it is logged and skipped.
type Step struct {
	Name         string
	Action       Action
	Compensation Action
}

// Definition is a named, ordered list of steps.
type Definition struct {
	Name  string
	Steps []Step
}

// Validate checks the definition can be registered.
func (d *Definition) Validate() error {
	if d == nil {
		return errors.New("saga: nil definition")
	}
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("saga: empty definition name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga: definition %q has no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("saga: definition %q has a step with an empty name", d.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("saga: definition %q declares step %q twice", d.Name, step.Name)
		}
		seen[step.Name] = true
		if step.Action == nil {
			return fmt.Errorf("saga: definition %q step %q has no action", d.Name, step.Name)
		}
	}
	return nil
}

// Phase names where a failure happened.
const (
	PhaseAction       = "action"
	PhaseCompensation = "compensation"
)

// Failure records what broke an execution.
type Failure struct {
	Step    string
	Phase   string
	Message string
}

// Execution is the persisted continuation of one saga run.
type Execution struct {
	ID         string
	Definition string
	State      State
	// CurrentStep indexes the next step to run while Running, or the next
	// completed step to compensate while Compensating.
	CurrentStep int
	// CompletedSteps is always a prefix of the definition's step list.
	CompletedSteps []string
	// CompensatedSteps lists compensations that ran, in execution order
	// (reverse of completion order).
	CompensatedSteps []string
	// SkippedSteps lists completed steps whose compensation was skipped
	// because the step is irreversible.
	SkippedSteps []string
	Failure      *Failure
	Context      map[string]any
	// TriggerKey deduplicates redelivered trigger events.
	TriggerKey string
	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

// Store persists saga executions.
type Store interface {
	Save(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// GetByTriggerKey returns the execution started for a trigger key, or
	// ErrNotFound.
	GetByTriggerKey(ctx context.Context, key string) (*Execution, error)
	// ListUnfinished returns executions that are neither Completed nor
	// Failed, for crash recovery.
	ListUnfinished(ctx context.Context) ([]*Execution, error)
}
