package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/specfold/specfold/internal/behavior"
)

// BehaviorStage verifies the archetype's declared state machine. Deadlocks
// and violated liveness properties are Error problems; unreachable states
// are dead weight rather than defects and surface as Warnings. Entities
// without a declared machine skip the stage entirely.
type BehaviorStage struct {
	Verifier *behavior.Verifier
}

func (BehaviorStage) Name() StageName { return StageBehavior }

func (s BehaviorStage) Execute(ctx context.Context, target *Target) (StageResult, error) {
	if err := ctx.Err(); err != nil {
		return StageResult{}, err
	}
	if target.Archetype == nil || target.Archetype.Machine == nil || s.Verifier == nil {
		return StageResult{}, nil
	}

	findings, err := s.Verifier.Verify(ctx, target.Archetype.Machine)
	if err != nil {
		return StageResult{}, fmt.Errorf("verify state machine: %w", err)
	}

	var result StageResult
	for _, state := range findings.Unreachable {
		result.Problems = append(result.Problems, Problem{
			Severity: SeverityWarning,
			Stage:    StageBehavior,
			Code:     "unreachable_state",
			Message:  fmt.Sprintf("state %q is unreachable from %q", state, target.Archetype.Machine.Initial),
			Location: "state:" + state,
		})
	}
	for _, state := range findings.Deadlocks {
		result.Problems = append(result.Problems, Problem{
			Severity: SeverityError,
			Stage:    StageBehavior,
			Code:     "deadlock_state",
			Message:  fmt.Sprintf("non-terminal state %q has no passable exit", state),
			Location: "state:" + state,
		})
	}
	for _, violation := range findings.ViolatedLiveness {
		result.Problems = append(result.Problems, Problem{
			Severity: SeverityError,
			Stage:    StageBehavior,
			Code:     "violated_liveness",
			Message: fmt.Sprintf("%q cannot be reached from: %s",
				violation.Property.Target, strings.Join(violation.States, ", ")),
			Location: "liveness:" + violation.Property.Name,
		})
	}
	return result, nil
}
