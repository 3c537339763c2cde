// Package solver decides satisfiability of constraint sets derived from
// entity invariants.
//
// Constraints are first-order predicates over typed variables with finite
// domains: integer intervals, booleans, and enumerations. The solver
// distinguishes Satisfiable, Unsatisfiable (with a minimal conflicting
// subset), and Unknown (budget exceeded). Unknown must never be conflated
// with Unsatisfiable: treating "cannot decide" as "fails" produces false
// negatives.
package solver

import (
	"fmt"
	"strings"
	"time"
)

// VarKind identifies the domain of a variable.
type VarKind string

const (
	// KindInt is an integer variable with inclusive bounds.
	KindInt VarKind = "int"
	// KindBool is a boolean variable.
	KindBool VarKind = "bool"
	// KindEnum is a variable over a declared value set.
	KindEnum VarKind = "enum"
)

// Variable declares a typed variable and its domain.
type Variable struct {
	Name string
	Kind VarKind
	// Min and Max bound integer variables (inclusive). When both are zero the
	// solver derives bounds from the constants mentioned in constraints.
	Min int64
	Max int64
	// Values enumerates the domain of enum variables.
	Values []string
}

// Op is a comparison operator.
type Op string

const (
	OpLT Op = "<"
	OpLE Op = "<="
	OpGT Op = ">"
	OpGE Op = ">="
	OpEQ Op = "=="
	OpNE Op = "!="
)

// Kind identifies the constraint form.
type Kind string

const (
	// KindBound compares an integer variable against a constant
	// (cardinality bounds are expressed this way).
	KindBound Kind = "bound"
	// KindOrdering compares two integer variables.
	KindOrdering Kind = "ordering"
	// KindMutualExclusion allows at most one of the listed boolean variables
	// to be true.
	KindMutualExclusion Kind = "mutual_exclusion"
	// KindRequires is boolean implication: If true forces Then true.
	KindRequires Kind = "requires"
	// KindAssignment pins an enum or boolean variable to a concrete value.
	// Integer variables are pinned with KindBound and OpEQ.
	KindAssignment Kind = "assignment"
)

// Constraint is one predicate over the variable set. Exactly the fields
// relevant to its Kind are populated.
type Constraint struct {
	ID   string
	Kind Kind

	// Bound / Ordering
	Var   string
	Op    Op
	Value int64
	Other string

	// Assignment
	EnumValue string
	BoolValue bool

	// MutualExclusion
	Vars []string

	// Requires
	If   string
	Then string
}

// String renders the constraint for problem reports.
func (c Constraint) String() string {
	switch c.Kind {
	case KindBound:
		return fmt.Sprintf("%s %s %d", c.Var, c.Op, c.Value)
	case KindOrdering:
		return fmt.Sprintf("%s %s %s", c.Var, c.Op, c.Other)
	case KindMutualExclusion:
		return fmt.Sprintf("at most one of {%s}", strings.Join(c.Vars, ", "))
	case KindRequires:
		return fmt.Sprintf("%s requires %s", c.If, c.Then)
	case KindAssignment:
		if c.EnumValue != "" {
			return fmt.Sprintf("%s == %q", c.Var, c.EnumValue)
		}
		return fmt.Sprintf("%s == %t", c.Var, c.BoolValue)
	default:
		return string(c.Kind) + " " + c.Var
	}
}

// Set is a self-contained satisfiability problem.
type Set struct {
	Variables   []Variable
	Constraints []Constraint
}

// Decision classifies a solver outcome.
type Decision string

const (
	// Satisfiable means an assignment satisfying all constraints exists.
	Satisfiable Decision = "satisfiable"
	// Unsatisfiable means no assignment exists.
	Unsatisfiable Decision = "unsatisfiable"
	// Unknown means the solver exhausted its budget before deciding.
	Unknown Decision = "unknown"
)

// Outcome is the result of a satisfiability check.
type Outcome struct {
	Decision Decision
	// Conflict is a minimal conflicting subset of constraints when
	// Decision is Unsatisfiable.
	Conflict []Constraint
	// Reason explains an Unknown decision.
	Reason string
	// Witness is a satisfying assignment when Decision is Satisfiable,
	// rendered as strings for reporting.
	Witness map[string]string
}

// Budget bounds solver effort. Overrunning either bound yields Unknown.
type Budget struct {
	MaxSteps int
	Timeout  time.Duration
}

// DefaultBudget mirrors the engine's configurable defaults.
func DefaultBudget() Budget {
	return Budget{MaxSteps: 100000, Timeout: 200 * time.Millisecond}
}
