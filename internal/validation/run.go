// Package validation runs the ordered stage pipeline over specification
// snapshots and collects every problem found.
//
// The pipeline never stops at the first error: stages run to completion and
// aggregate problems so a caller sees the complete list. The single
// exception is the structural stage, whose errors abort the remaining
// stages because a structurally invalid document cannot be meaningfully
// rule-checked. A run that finished all applicable stages is Completed even
// when it collected errors; Failed is reserved for the pipeline itself
// breaking.
package validation

import (
	"context"
	"errors"
	"time"
)

// ErrRunNotFound indicates no validation run exists for the ID.
var ErrRunNotFound = errors.New("validation: run not found")

// Severity grades a problem.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// StageName identifies a pipeline stage.
type StageName string

const (
	StageStructural  StageName = "structural"
	StageRules       StageName = "archetype_rules"
	StageConsistency StageName = "consistency"
	StageConstraints StageName = "constraint_satisfaction"
	StageBehavior    StageName = "behavioral_verification"
)

// Problem is one finding attributed to a stage and a location within the
// subject.
type Problem struct {
	Severity Severity
	Stage    StageName
	Code     string
	Message  string
	Location string
}

// RunState is the lifecycle of a validation run. It only moves forward.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// Subject is the entity snapshot a run validates.
type Subject struct {
	AggregateType string
	AggregateID   string
	Version       uint64
	ArchetypeID   string
	// Attributes are the entity's fields keyed by schema field name.
	Attributes map[string]any
	// References maps reference fields to the entity IDs they point at.
	References map[string][]string
}

// Run records one pipeline execution. Problems is append-only within a run.
type Run struct {
	ID            string
	AggregateType string
	AggregateID   string
	Version       uint64
	ArchetypeID   string
	State         RunState
	// Checkpoints lists the stages that finished, in execution order.
	Checkpoints []StageName
	Problems    []Problem
	// TriggerKey identifies the event delivery that started the run,
	// formatted "aggregateID:seq". Empty for directly requested runs.
	TriggerKey string
	StartedAt  time.Time
	FinishedAt time.Time
	// Error describes a pipeline execution failure when State is Failed.
	Error string
}

// HasErrors reports whether any Error-severity problem was collected.
func (r *Run) HasErrors() bool {
	for _, p := range r.Problems {
		if p.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Passed reports whether the run completed without Error problems.
func (r *Run) Passed() bool {
	return r.State == RunCompleted && !r.HasErrors()
}

// Checkpoint returns the last stage that finished, or "" before any stage
// has.
func (r *Run) Checkpoint() StageName {
	if len(r.Checkpoints) == 0 {
		return ""
	}
	return r.Checkpoints[len(r.Checkpoints)-1]
}

// RunStore persists validation runs.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// GetByTriggerKey returns the run started for an event delivery, or
	// ErrRunNotFound when none was.
	GetByTriggerKey(ctx context.Context, key string) (*Run, error)
	ListBySubject(ctx context.Context, aggregateType, aggregateID string) ([]*Run, error)
}

// ReferenceResolver answers whether a referenced entity exists. The
// consistency stage uses it to check cross-entity references resolve.
type ReferenceResolver interface {
	ReferenceExists(ctx context.Context, targetType, id string) (bool, error)
}
