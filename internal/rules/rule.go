// Package rules evaluates declarative archetype rules against entity
// snapshots.
//
// Rules come in four kinds. Atomic rules hold a boolean expression over the
// entity's fields. Composite rules AND a list of child rules and evaluate
// every child even when one fails, so each failing child yields its own
// problem. Parameterized rules substitute bound values into an expression
// template before evaluation. Contextual rules guard an inner rule with an
// applicability predicate; an inapplicable rule counts as satisfied.
//
// Rules are content addressed: a rule's ref is the hash of its canonical
// JSON form, so identical rules share a ref and a ref can never silently
// change meaning.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/specfold/specfold/internal/engine/encoding"
)

var (
	// ErrNotFound indicates no rule exists for the ref.
	ErrNotFound = errors.New("rules: not found")
	// ErrNilRule indicates a nil rule was stored or hashed.
	ErrNilRule = errors.New("rules: nil rule")
)

// Kind identifies the rule variant.
type Kind string

const (
	KindAtomic        Kind = "atomic"
	KindComposite     Kind = "composite"
	KindParameterized Kind = "parameterized"
	KindContextual    Kind = "contextual"
)

// ChildRef binds a child rule into a composite. An optional child's failure
// does not make the composite unsatisfied.
type ChildRef struct {
	Ref      string `json:"ref"`
	Optional bool   `json:"optional,omitempty"`
}

// Rule is one declarative rule. Exactly the fields relevant to its Kind are
// populated.
type Rule struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`

	// Atomic: a boolean expression over the evaluation environment.
	Expression string `json:"expression,omitempty"`

	// Composite: child rules evaluated in listed order.
	Children []ChildRef `json:"children,omitempty"`

	// Parameterized: Template holds ${param} placeholders substituted from
	// Params before evaluation.
	Template string         `json:"template,omitempty"`
	Params   map[string]any `json:"params,omitempty"`

	// Contextual: When is the applicability predicate, BodyRef the guarded
	// rule.
	When    string `json:"when,omitempty"`
	BodyRef string `json:"body_ref,omitempty"`
}

// Validate checks the rule is coherent for its kind.
func (r *Rule) Validate() error {
	if r == nil {
		return ErrNilRule
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rules: empty name")
	}
	switch r.Kind {
	case KindAtomic:
		if strings.TrimSpace(r.Expression) == "" {
			return fmt.Errorf("rules: atomic rule %q has no expression", r.Name)
		}
	case KindComposite:
		if len(r.Children) == 0 {
			return fmt.Errorf("rules: composite rule %q has no children", r.Name)
		}
		for _, c := range r.Children {
			if strings.TrimSpace(c.Ref) == "" {
				return fmt.Errorf("rules: composite rule %q has a child with an empty ref", r.Name)
			}
		}
	case KindParameterized:
		if strings.TrimSpace(r.Template) == "" {
			return fmt.Errorf("rules: parameterized rule %q has no template", r.Name)
		}
		if len(r.Params) == 0 {
			return fmt.Errorf("rules: parameterized rule %q has no params", r.Name)
		}
	case KindContextual:
		if strings.TrimSpace(r.When) == "" {
			return fmt.Errorf("rules: contextual rule %q has no applicability predicate", r.Name)
		}
		if strings.TrimSpace(r.BodyRef) == "" {
			return fmt.Errorf("rules: contextual rule %q has no body ref", r.Name)
		}
	default:
		return fmt.Errorf("rules: rule %q has unknown kind %q", r.Name, r.Kind)
	}
	return nil
}

// Ref returns the rule's content address.
func (r *Rule) Ref() (string, error) {
	if r == nil {
		return "", ErrNilRule
	}
	return encoding.ContentHash(r)
}

// substitute renders the parameterized template with values bound as
// expression literals. Parameter names are substituted longest-first so a
// name that prefixes another cannot clobber it.
func (r *Rule) substitute() (string, error) {
	names := make([]string, 0, len(r.Params))
	for name := range r.Params {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	expr := r.Template
	for _, name := range names {
		lit, err := expressionLiteral(r.Params[name])
		if err != nil {
			return "", fmt.Errorf("rules: parameterized rule %q: param %q: %w", r.Name, name, err)
		}
		expr = strings.ReplaceAll(expr, "${"+name+"}", lit)
	}
	if strings.Contains(expr, "${") {
		return "", fmt.Errorf("rules: parameterized rule %q: unbound placeholder in %q", r.Name, expr)
	}
	return expr, nil
}
