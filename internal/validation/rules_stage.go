package validation

import (
	"context"
	"fmt"

	"github.com/specfold/specfold/internal/rules"
)

// RulesStage evaluates every rule bound to the subject's archetype. Each
// unsatisfied rule contributes its own Error problem; an evaluation fault
// in one rule is recorded as a problem and does not stop the remaining
// rules from running.
type RulesStage struct {
	Engine *rules.Engine
}

func (RulesStage) Name() StageName { return StageRules }

func (s RulesStage) Execute(ctx context.Context, target *Target) (StageResult, error) {
	if err := ctx.Err(); err != nil {
		return StageResult{}, err
	}
	if target.Archetype == nil || s.Engine == nil {
		return StageResult{}, nil
	}
	var result StageResult
	for _, ref := range target.Archetype.RuleRefs {
		outcome, err := s.Engine.Evaluate(ctx, ref, target.Subject.Attributes)
		if err != nil {
			result.Problems = append(result.Problems, Problem{
				Severity: SeverityError,
				Stage:    StageRules,
				Code:     "rule_evaluation",
				Message:  fmt.Sprintf("rule %s could not be evaluated: %v", ref, err),
				Location: "rule:" + ref,
			})
			continue
		}
		if outcome.Satisfied {
			continue
		}
		for _, failure := range outcome.Failures {
			result.Problems = append(result.Problems, Problem{
				Severity: SeverityError,
				Stage:    StageRules,
				Code:     "rule_violation",
				Message:  failure.Message,
				Location: "rule:" + failure.Ref,
			})
		}
	}
	return result, nil
}
