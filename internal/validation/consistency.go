package validation

import (
	"context"
	"fmt"
)

// ConsistencyStage checks that cross-entity references resolve and respect
// the cardinality and uniqueness constraints the archetype declares.
type ConsistencyStage struct {
	Resolver ReferenceResolver
}

func (ConsistencyStage) Name() StageName { return StageConsistency }

func (s ConsistencyStage) Execute(ctx context.Context, target *Target) (StageResult, error) {
	if err := ctx.Err(); err != nil {
		return StageResult{}, err
	}
	if target.Archetype == nil {
		return StageResult{}, nil
	}
	var result StageResult
	for _, ref := range target.Archetype.References {
		ids := target.Subject.References[ref.Field]
		location := "reference:" + ref.Field

		if len(ids) < ref.MinCount {
			result.Problems = append(result.Problems, Problem{
				Severity: SeverityError,
				Stage:    StageConsistency,
				Code:     "cardinality_underflow",
				Message:  fmt.Sprintf("reference %q has %d entries, requires at least %d", ref.Field, len(ids), ref.MinCount),
				Location: location,
			})
		}
		if ref.MaxCount > 0 && len(ids) > ref.MaxCount {
			result.Problems = append(result.Problems, Problem{
				Severity: SeverityError,
				Stage:    StageConsistency,
				Code:     "cardinality_overflow",
				Message:  fmt.Sprintf("reference %q has %d entries, allows at most %d", ref.Field, len(ids), ref.MaxCount),
				Location: location,
			})
		}

		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if ref.Unique && seen[id] {
				result.Problems = append(result.Problems, Problem{
					Severity: SeverityError,
					Stage:    StageConsistency,
					Code:     "duplicate_reference",
					Message:  fmt.Sprintf("reference %q lists %q more than once", ref.Field, id),
					Location: location,
				})
			}
			seen[id] = true

			if s.Resolver == nil {
				continue
			}
			exists, err := s.Resolver.ReferenceExists(ctx, ref.TargetType, id)
			if err != nil {
				return StageResult{}, fmt.Errorf("resolve reference %s/%s: %w", ref.TargetType, id, err)
			}
			if !exists {
				result.Problems = append(result.Problems, Problem{
					Severity: SeverityError,
					Stage:    StageConsistency,
					Code:     "unresolved_reference",
					Message:  fmt.Sprintf("reference %q points at missing %s %q", ref.Field, ref.TargetType, id),
					Location: location,
				})
			}
		}
	}
	return result, nil
}
