package validation

import (
	"context"

	"github.com/specfold/specfold/internal/archetype"
)

// Target is the material a stage works on: the subject snapshot, its
// resolved archetype (nil when resolution failed), and the problems
// collected by earlier stages.
type Target struct {
	Subject   Subject
	Archetype *archetype.Archetype
	Collected []Problem
}

// StageResult is a stage's contribution to the run. ShortCircuit aborts the
// remaining stages, but only when the stage also produced an Error problem.
type StageResult struct {
	Problems     []Problem
	ShortCircuit bool
}

// Stage is one step of the pipeline. A returned error means the stage
// itself broke and fails the whole run; findings about the subject are
// problems, not errors.
type Stage interface {
	Name() StageName
	Execute(ctx context.Context, target *Target) (StageResult, error)
}
