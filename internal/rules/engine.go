package rules

import (
	"context"
	"errors"
	"fmt"
)

// maxDepth bounds rule nesting. Content addressing makes reference cycles
// impossible to construct, so this only guards pathological nesting depth.
const maxDepth = 32

var errTooDeep = errors.New("rules: rule nesting too deep")

// Failure attributes an unsatisfied rule.
type Failure struct {
	Ref     string
	Name    string
	Message string
}

// Result is the outcome of evaluating one rule against an environment.
type Result struct {
	Satisfied bool
	// Bindings are the parameter values substituted during evaluation, when
	// the rule was parameterized.
	Bindings map[string]any
	// Failures lists every unsatisfied rule encountered, one entry per
	// failing child for composites.
	Failures []Failure
}

// Engine evaluates rules resolved from a Resolver. Evaluation is
// deterministic: the same (ref, environment) pair always yields the same
// result.
type Engine struct {
	rules Resolver
}

// NewEngine returns an engine reading rules from the resolver.
func NewEngine(rules Resolver) *Engine {
	return &Engine{rules: rules}
}

// Evaluate resolves the ref and evaluates the rule against the environment.
// Composite children are all evaluated regardless of earlier failures so
// every problem is reported.
func (e *Engine) Evaluate(ctx context.Context, ref string, env map[string]any) (Result, error) {
	if e == nil || e.rules == nil {
		return Result{}, errors.New("rules: engine not configured")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return e.evaluate(ctx, ref, env, 0)
}

func (e *Engine) evaluate(ctx context.Context, ref string, env map[string]any, depth int) (Result, error) {
	if depth > maxDepth {
		return Result{}, errTooDeep
	}
	rule, err := e.rules.Resolve(ctx, ref)
	if err != nil {
		return Result{}, fmt.Errorf("resolve rule %s: %w", ref, err)
	}

	switch rule.Kind {
	case KindAtomic:
		return e.evaluateExpression(rule, ref, rule.Expression, nil, env)

	case KindParameterized:
		expr, err := rule.substitute()
		if err != nil {
			return Result{}, err
		}
		return e.evaluateExpression(rule, ref, expr, rule.Params, env)

	case KindComposite:
		result := Result{Satisfied: true}
		for _, child := range rule.Children {
			childResult, err := e.evaluate(ctx, child.Ref, env, depth+1)
			if err != nil {
				return Result{}, fmt.Errorf("composite %q: %w", rule.Name, err)
			}
			if childResult.Satisfied {
				continue
			}
			if child.Optional {
				continue
			}
			result.Satisfied = false
			result.Failures = append(result.Failures, childResult.Failures...)
		}
		return result, nil

	case KindContextual:
		applicable, err := evalExpr(rule.When, env)
		if err != nil {
			return Result{}, fmt.Errorf("contextual %q applicability: %w", rule.Name, err)
		}
		if !applicable {
			return Result{Satisfied: true}, nil
		}
		return e.evaluate(ctx, rule.BodyRef, env, depth+1)

	default:
		return Result{}, fmt.Errorf("rules: rule %q has unknown kind %q", rule.Name, rule.Kind)
	}
}

func (e *Engine) evaluateExpression(rule *Rule, ref, expr string, bindings map[string]any, env map[string]any) (Result, error) {
	satisfied, err := evalExpr(expr, env)
	if err != nil {
		return Result{}, fmt.Errorf("rule %q: %w", rule.Name, err)
	}
	result := Result{Satisfied: satisfied, Bindings: bindings}
	if !satisfied {
		result.Failures = []Failure{{
			Ref:     ref,
			Name:    rule.Name,
			Message: fmt.Sprintf("rule %q not satisfied", rule.Name),
		}}
	}
	return result, nil
}
