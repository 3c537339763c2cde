package solver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

var (
	// ErrNilSolver indicates a method call on a nil solver.
	ErrNilSolver = errors.New("solver: nil solver")

	errBudget = errors.New("solver: budget exceeded")
)

// fullEnumWidth is the widest integer interval the solver enumerates
// exhaustively. Wider intervals fall back to the interesting-value
// abstraction built from constraint constants.
const fullEnumWidth = 64

// Solver decides satisfiability of constraint sets within a budget.
type Solver struct {
	budget Budget
}

// New returns a solver with the given budget. Zero fields fall back to
// DefaultBudget values.
func New(budget Budget) *Solver {
	def := DefaultBudget()
	if budget.MaxSteps <= 0 {
		budget.MaxSteps = def.MaxSteps
	}
	if budget.Timeout <= 0 {
		budget.Timeout = def.Timeout
	}
	return &Solver{budget: budget}
}

// Check decides whether the set admits a satisfying assignment.
//
// A Satisfiable outcome carries a witness assignment. An Unsatisfiable
// outcome carries a conflicting subset of constraints, minimized by
// deletion while budget remains; if the budget runs out mid-shrink the
// subset returned is still conflicting but may not be minimal. An
// Unknown outcome means the budget was exhausted before the initial
// decision and says nothing about satisfiability.
func (s *Solver) Check(ctx context.Context, set Set) Outcome {
	if s == nil {
		return Outcome{Decision: Unknown, Reason: ErrNilSolver.Error()}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{Decision: Unknown, Reason: err.Error()}
	}

	run := &searchRun{
		deadline: time.Now().Add(s.budget.Timeout),
		maxSteps: s.budget.MaxSteps,
		ctx:      ctx,
	}
	if d, ok := ctx.Deadline(); ok && d.Before(run.deadline) {
		run.deadline = d
	}

	prob, err := compile(set)
	if err != nil {
		return Outcome{Decision: Unknown, Reason: err.Error()}
	}

	witness, err := run.solve(prob, set.Constraints)
	if err != nil {
		return Outcome{Decision: Unknown, Reason: "budget exceeded before a decision was reached"}
	}
	if witness != nil {
		return Outcome{Decision: Satisfiable, Witness: renderWitness(witness)}
	}
	return Outcome{Decision: Unsatisfiable, Conflict: run.minimize(prob, set.Constraints)}
}

// minimize shrinks a known-conflicting constraint list by deletion: a
// constraint stays only if removing it makes the remainder satisfiable.
func (r *searchRun) minimize(prob *problem, conflicting []Constraint) []Constraint {
	working := append([]Constraint(nil), conflicting...)
	for i := 0; i < len(working); {
		trial := make([]Constraint, 0, len(working)-1)
		trial = append(trial, working[:i]...)
		trial = append(trial, working[i+1:]...)
		witness, err := r.solve(prob, trial)
		if err != nil {
			// Out of budget: the working set is still conflicting, return
			// it without further shrinking.
			return working
		}
		if witness == nil {
			working = trial
			continue
		}
		i++
	}
	return working
}

type value struct {
	kind VarKind
	i    int64
	b    bool
	s    string
}

func (v value) render() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.s
	}
}

type problem struct {
	names   []string
	domains map[string][]value
	kinds   map[string]VarKind
}

type searchRun struct {
	deadline time.Time
	maxSteps int
	steps    int
	ctx      context.Context
}

func (r *searchRun) tick() error {
	r.steps++
	if r.steps > r.maxSteps {
		return errBudget
	}
	if r.steps%256 == 0 {
		if time.Now().After(r.deadline) {
			return errBudget
		}
		if err := r.ctx.Err(); err != nil {
			return errBudget
		}
	}
	return nil
}

// compile resolves variable declarations and builds finite domains.
// Variables referenced by constraints but not declared are inferred:
// integers for bounds and orderings, booleans for exclusions and
// implications, enums pinned to their assigned value.
func compile(set Set) (*problem, error) {
	prob := &problem{
		domains: make(map[string][]value),
		kinds:   make(map[string]VarKind),
	}
	declared := make(map[string]Variable)
	for _, v := range set.Variables {
		if v.Name == "" {
			return nil, errors.New("solver: variable with empty name")
		}
		if _, ok := declared[v.Name]; ok {
			return nil, fmt.Errorf("solver: variable %q declared twice", v.Name)
		}
		declared[v.Name] = v
		prob.kinds[v.Name] = v.Kind
	}

	inferred := make(map[string]VarKind)
	pinned := make(map[string]string)
	consts := make(map[string][]int64)
	orderings := make(map[string][]string)

	note := func(name string, kind VarKind) error {
		if name == "" {
			return errors.New("solver: constraint references empty variable name")
		}
		if v, ok := declared[name]; ok {
			if v.Kind != kind {
				return fmt.Errorf("solver: variable %q is %s, constraint needs %s", name, v.Kind, kind)
			}
			return nil
		}
		if prev, ok := inferred[name]; ok && prev != kind {
			return fmt.Errorf("solver: variable %q inferred as both %s and %s", name, prev, kind)
		}
		inferred[name] = kind
		return nil
	}

	for _, c := range set.Constraints {
		switch c.Kind {
		case KindBound:
			if err := note(c.Var, KindInt); err != nil {
				return nil, err
			}
			consts[c.Var] = append(consts[c.Var], c.Value)
		case KindOrdering:
			if err := note(c.Var, KindInt); err != nil {
				return nil, err
			}
			if err := note(c.Other, KindInt); err != nil {
				return nil, err
			}
			orderings[c.Var] = append(orderings[c.Var], c.Other)
			orderings[c.Other] = append(orderings[c.Other], c.Var)
		case KindMutualExclusion:
			if len(c.Vars) < 2 {
				return nil, fmt.Errorf("solver: mutual exclusion %q needs at least two variables", c.ID)
			}
			for _, name := range c.Vars {
				if err := note(name, KindBool); err != nil {
					return nil, err
				}
			}
		case KindRequires:
			if err := note(c.If, KindBool); err != nil {
				return nil, err
			}
			if err := note(c.Then, KindBool); err != nil {
				return nil, err
			}
		case KindAssignment:
			kind := KindBool
			if c.EnumValue != "" {
				kind = KindEnum
				pinned[c.Var] = c.EnumValue
			}
			if err := note(c.Var, kind); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("solver: unknown constraint kind %q", c.Kind)
		}
	}

	for name, kind := range inferred {
		declared[name] = Variable{Name: name, Kind: kind}
		prob.kinds[name] = kind
	}

	anchors := make(map[string][]int64, len(consts))
	for name, vals := range consts {
		anchors[name] = append(anchors[name], vals...)
	}
	for name, v := range declared {
		if v.Kind == KindInt && (v.Min != 0 || v.Max != 0) {
			anchors[name] = append(anchors[name], v.Min, v.Max)
		}
	}
	components := orderingComponents(orderings)

	for name, v := range declared {
		switch v.Kind {
		case KindBool:
			prob.domains[name] = []value{
				{kind: KindBool, b: false},
				{kind: KindBool, b: true},
			}
		case KindEnum:
			vals := v.Values
			if len(vals) == 0 {
				if pv, ok := pinned[name]; ok {
					vals = []string{pv}
				}
			}
			if len(vals) == 0 {
				return nil, fmt.Errorf("solver: enum variable %q has no values", name)
			}
			dom := make([]value, 0, len(vals))
			for _, s := range vals {
				dom = append(dom, value{kind: KindEnum, s: s})
			}
			prob.domains[name] = dom
		case KindInt:
			prob.domains[name] = intDomain(v, anchors, components[name])
		default:
			return nil, fmt.Errorf("solver: variable %q has unknown kind %q", name, v.Kind)
		}
		prob.names = append(prob.names, name)
	}
	sort.Strings(prob.names)
	return prob, nil
}

// orderingComponents groups integer variables connected through ordering
// constraints. Members of one component share anchor constants: in a chain
// x < y < z the middle variable is never compared to a constant directly,
// yet its candidate values must sit between its neighbors'.
func orderingComponents(orderings map[string][]string) map[string][]string {
	components := make(map[string][]string)
	visited := make(map[string]bool, len(orderings))
	for name := range orderings {
		if visited[name] {
			continue
		}
		visited[name] = true
		members := []string{name}
		for i := 0; i < len(members); i++ {
			for _, next := range orderings[members[i]] {
				if !visited[next] {
					visited[next] = true
					members = append(members, next)
				}
			}
		}
		sort.Strings(members)
		for _, member := range members {
			components[member] = members
		}
	}
	return components
}

// intDomain builds the candidate values for an integer variable. Narrow
// declared intervals are enumerated exhaustively. Otherwise the domain is
// every anchor constant shared by the variable's ordering component, widened
// by the component size in both directions: a satisfiable set of orderings
// over k variables always has a witness within k of an anchor, so the
// abstraction never turns a satisfiable set into an unsatisfiable one.
func intDomain(v Variable, anchors map[string][]int64, component []string) []value {
	bounded := v.Min != 0 || v.Max != 0
	if bounded && v.Max-v.Min >= 0 && v.Max-v.Min < fullEnumWidth {
		dom := make([]value, 0, v.Max-v.Min+1)
		for i := v.Min; i <= v.Max; i++ {
			dom = append(dom, value{kind: KindInt, i: i})
		}
		return dom
	}

	seen := make(map[int64]bool)
	add := func(n int64) {
		if bounded && (n < v.Min || n > v.Max) {
			return
		}
		seen[n] = true
	}
	relevant := append([]int64(nil), anchors[v.Name]...)
	spread := int64(1)
	if len(component) > 1 {
		spread = int64(len(component))
		for _, member := range component {
			if member != v.Name {
				relevant = append(relevant, anchors[member]...)
			}
		}
	}
	if len(relevant) == 0 {
		relevant = append(relevant, 0)
	}
	for _, n := range relevant {
		for d := -spread; d <= spread; d++ {
			add(n + d)
		}
	}
	if bounded {
		add(v.Min)
		add(v.Max)
	}

	keys := make([]int64, 0, len(seen))
	for n := range seen {
		keys = append(keys, n)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	dom := make([]value, 0, len(keys))
	for _, n := range keys {
		dom = append(dom, value{kind: KindInt, i: n})
	}
	return dom
}

// solve searches for a satisfying assignment via backtracking with
// partial-assignment consistency checks. Returns nil (and nil error) when
// the constraints are unsatisfiable over the compiled domains.
func (r *searchRun) solve(prob *problem, constraints []Constraint) (map[string]value, error) {
	assignment := make(map[string]value, len(prob.names))
	ok, err := r.assign(prob, constraints, assignment, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return assignment, nil
}

func (r *searchRun) assign(prob *problem, constraints []Constraint, assignment map[string]value, idx int) (bool, error) {
	if idx == len(prob.names) {
		return true, nil
	}
	name := prob.names[idx]
	for _, v := range prob.domains[name] {
		if err := r.tick(); err != nil {
			return false, err
		}
		assignment[name] = v
		if consistent(constraints, assignment) {
			ok, err := r.assign(prob, constraints, assignment, idx+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
	delete(assignment, name)
	return false, nil
}

// consistent reports whether every constraint with all referenced variables
// assigned holds; constraints touching unassigned variables are skipped.
func consistent(constraints []Constraint, assignment map[string]value) bool {
	for _, c := range constraints {
		verdict, decided := evaluate(c, assignment)
		if decided && !verdict {
			return false
		}
	}
	return true
}

func evaluate(c Constraint, assignment map[string]value) (verdict, decided bool) {
	switch c.Kind {
	case KindBound:
		v, ok := assignment[c.Var]
		if !ok {
			return false, false
		}
		return compareInt(v.i, c.Op, c.Value), true
	case KindOrdering:
		a, ok := assignment[c.Var]
		if !ok {
			return false, false
		}
		b, ok := assignment[c.Other]
		if !ok {
			return false, false
		}
		return compareInt(a.i, c.Op, b.i), true
	case KindMutualExclusion:
		set := 0
		for _, name := range c.Vars {
			v, ok := assignment[name]
			if !ok {
				return false, false
			}
			if v.b {
				set++
			}
		}
		return set <= 1, true
	case KindRequires:
		cond, ok := assignment[c.If]
		if !ok {
			return false, false
		}
		if !cond.b {
			return true, true
		}
		then, ok := assignment[c.Then]
		if !ok {
			return false, false
		}
		return then.b, true
	case KindAssignment:
		v, ok := assignment[c.Var]
		if !ok {
			return false, false
		}
		if c.EnumValue != "" {
			return v.s == c.EnumValue, true
		}
		return v.b == c.BoolValue, true
	default:
		return false, false
	}
}

func compareInt(a int64, op Op, b int64) bool {
	switch op {
	case OpLT:
		return a < b
	case OpLE:
		return a <= b
	case OpGT:
		return a > b
	case OpGE:
		return a >= b
	case OpEQ:
		return a == b
	case OpNE:
		return a != b
	default:
		return false
	}
}

func renderWitness(assignment map[string]value) map[string]string {
	out := make(map[string]string, len(assignment))
	for name, v := range assignment {
		out[name] = v.render()
	}
	return out
}
