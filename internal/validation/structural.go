package validation

import (
	"context"
	"fmt"

	"github.com/specfold/specfold/internal/archetype"
)

// StructuralStage validates the subject's shape against its archetype's
// declared schema. It is the only stage allowed to abort the pipeline: a
// document that fails shape checks cannot be meaningfully rule-checked.
type StructuralStage struct{}

func (StructuralStage) Name() StageName { return StageStructural }

func (StructuralStage) Execute(ctx context.Context, target *Target) (StageResult, error) {
	if err := ctx.Err(); err != nil {
		return StageResult{}, err
	}
	result := StageResult{ShortCircuit: true}
	if target.Archetype == nil {
		result.Problems = append(result.Problems, Problem{
			Severity: SeverityError,
			Stage:    StageStructural,
			Code:     "unknown_archetype",
			Message:  fmt.Sprintf("archetype %q not found", target.Subject.ArchetypeID),
		})
		return result, nil
	}

	attrs := target.Subject.Attributes
	for _, field := range target.Archetype.Fields {
		value, present := attrs[field.Name]
		if !present {
			if field.Required {
				result.Problems = append(result.Problems, Problem{
					Severity: SeverityError,
					Stage:    StageStructural,
					Code:     "missing_field",
					Message:  fmt.Sprintf("required field %q is missing", field.Name),
					Location: "field:" + field.Name,
				})
			}
			continue
		}
		if p, ok := checkFieldValue(field, value); !ok {
			result.Problems = append(result.Problems, p)
		}
	}

	declared := make(map[string]bool, len(target.Archetype.Fields))
	for _, field := range target.Archetype.Fields {
		declared[field.Name] = true
	}
	for _, ref := range target.Archetype.References {
		declared[ref.Field] = true
	}
	for name := range attrs {
		if !declared[name] {
			result.Problems = append(result.Problems, Problem{
				Severity: SeverityWarning,
				Stage:    StageStructural,
				Code:     "undeclared_field",
				Message:  fmt.Sprintf("field %q is not declared by archetype %q", name, target.Archetype.ID),
				Location: "field:" + name,
			})
		}
	}
	return result, nil
}

func checkFieldValue(field archetype.Field, value any) (Problem, bool) {
	mismatch := func() (Problem, bool) {
		return Problem{
			Severity: SeverityError,
			Stage:    StageStructural,
			Code:     "type_mismatch",
			Message:  fmt.Sprintf("field %q must be %s, got %T", field.Name, field.Kind, value),
			Location: "field:" + field.Name,
		}, false
	}
	switch field.Kind {
	case archetype.FieldString:
		if _, ok := value.(string); !ok {
			return mismatch()
		}
	case archetype.FieldBool:
		if _, ok := value.(bool); !ok {
			return mismatch()
		}
	case archetype.FieldInt:
		switch n := value.(type) {
		case int, int64, uint64:
		case float64:
			if n != float64(int64(n)) {
				return mismatch()
			}
		default:
			return mismatch()
		}
	case archetype.FieldEnum:
		s, ok := value.(string)
		if !ok {
			return mismatch()
		}
		for _, allowed := range field.Values {
			if s == allowed {
				return Problem{}, true
			}
		}
		return Problem{
			Severity: SeverityError,
			Stage:    StageStructural,
			Code:     "illegal_enum_value",
			Message:  fmt.Sprintf("field %q value %q is not one of %v", field.Name, s, field.Values),
			Location: "field:" + field.Name,
		}, false
	}
	return Problem{}, true
}
