package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/specfold/specfold/internal/platform/metrics"
	"github.com/specfold/specfold/internal/solver"
)

// ConstraintsStage hands the archetype's invariants to the constraint
// solver. Unsatisfiable invariants are Error problems carrying the minimal
// conflict set; a solver that ran out of budget is a Warning, never an
// Error, because "cannot decide" must not read as "fails".
type ConstraintsStage struct {
	Solver *solver.Solver
}

func (ConstraintsStage) Name() StageName { return StageConstraints }

func (s ConstraintsStage) Execute(ctx context.Context, target *Target) (StageResult, error) {
	if err := ctx.Err(); err != nil {
		return StageResult{}, err
	}
	if target.Archetype == nil || s.Solver == nil {
		return StageResult{}, nil
	}
	set := target.Archetype.Invariants
	if len(set.Constraints) == 0 {
		return StageResult{}, nil
	}

	outcome := s.Solver.Check(ctx, set)
	metrics.SolverDecisionsTotal.WithLabelValues(string(outcome.Decision)).Inc()

	var result StageResult
	switch outcome.Decision {
	case solver.Satisfiable:
	case solver.Unsatisfiable:
		names := make([]string, 0, len(outcome.Conflict))
		for _, c := range outcome.Conflict {
			names = append(names, c.String())
		}
		result.Problems = append(result.Problems, Problem{
			Severity: SeverityError,
			Stage:    StageConstraints,
			Code:     "unsatisfiable_invariants",
			Message:  fmt.Sprintf("invariants conflict: %s", strings.Join(names, "; ")),
			Location: "invariants",
		})
	case solver.Unknown:
		result.Problems = append(result.Problems, Problem{
			Severity: SeverityWarning,
			Stage:    StageConstraints,
			Code:     "constraint_unknown",
			Message:  fmt.Sprintf("solver could not decide within budget: %s", outcome.Reason),
			Location: "invariants",
		})
	}
	return result, nil
}
