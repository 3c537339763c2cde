// Package behavior statically verifies declared state machines.
//
// A machine is modeled as a transition graph: nodes are states, edges carry
// a trigger and an optional guard. Verification reports unreachable states,
// deadlock states (non-terminal states with no passable exit), and violated
// liveness properties ("eventually reach state X"). Guard passability is
// delegated to the constraint solver; a guard the solver cannot decide
// within budget is treated as passable so reachability is never
// under-approximated by a timeout.
package behavior

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/specfold/specfold/internal/solver"
)

var (
	// ErrNilVerifier indicates a method call on a nil verifier.
	ErrNilVerifier = errors.New("behavior: nil verifier")
	// ErrNilMachine indicates verification of a nil machine.
	ErrNilMachine = errors.New("behavior: nil machine")
)

// Transition is one edge of the graph. A nil Guard is always passable.
type Transition struct {
	From    string
	Trigger string
	To      string
	Guard   *solver.Set
}

// Liveness declares that Target must remain reachable from every
// reachable state.
type Liveness struct {
	Name   string
	Target string
}

// Machine is a declared state machine.
type Machine struct {
	Name        string
	Initial     string
	States      []string
	Terminal    []string
	Transitions []Transition
	Liveness    []Liveness
}

// LivenessViolation lists the reachable states from which the property's
// target cannot be reached.
type LivenessViolation struct {
	Property Liveness
	States   []string
}

// Findings is the verification report. State lists are sorted.
type Findings struct {
	Unreachable      []string
	Deadlocks        []string
	ViolatedLiveness []LivenessViolation
}

// Empty reports whether verification found no defects.
func (f Findings) Empty() bool {
	return len(f.Unreachable) == 0 && len(f.Deadlocks) == 0 && len(f.ViolatedLiveness) == 0
}

// Verifier checks machines against their declared properties.
type Verifier struct {
	solver *solver.Solver
}

// NewVerifier returns a verifier that decides guard passability with the
// given solver. A nil solver gets the default budget.
func NewVerifier(s *solver.Solver) *Verifier {
	if s == nil {
		s = solver.New(solver.DefaultBudget())
	}
	return &Verifier{solver: s}
}

// Verify analyzes the machine and returns its findings. The machine itself
// must be well formed: a declared initial state and transitions between
// declared states.
func (v *Verifier) Verify(ctx context.Context, m *Machine) (Findings, error) {
	if v == nil {
		return Findings{}, ErrNilVerifier
	}
	if m == nil {
		return Findings{}, ErrNilMachine
	}
	if err := ctx.Err(); err != nil {
		return Findings{}, err
	}
	states := make(map[string]bool, len(m.States))
	for _, s := range m.States {
		if s == "" {
			return Findings{}, fmt.Errorf("behavior: machine %q declares an empty state name", m.Name)
		}
		states[s] = true
	}
	if !states[m.Initial] {
		return Findings{}, fmt.Errorf("behavior: machine %q initial state %q is not declared", m.Name, m.Initial)
	}
	terminal := make(map[string]bool, len(m.Terminal))
	for _, s := range m.Terminal {
		if !states[s] {
			return Findings{}, fmt.Errorf("behavior: machine %q terminal state %q is not declared", m.Name, s)
		}
		terminal[s] = true
	}

	// Forward and reverse adjacency over passable edges only. An edge whose
	// guard is unsatisfiable in isolation can never fire and is dropped from
	// the graph before any analysis.
	forward := make(map[string][]string, len(m.States))
	reverse := make(map[string][]string, len(m.States))
	for _, t := range m.Transitions {
		if !states[t.From] {
			return Findings{}, fmt.Errorf("behavior: machine %q transition %q leaves undeclared state %q", m.Name, t.Trigger, t.From)
		}
		if !states[t.To] {
			return Findings{}, fmt.Errorf("behavior: machine %q transition %q targets undeclared state %q", m.Name, t.Trigger, t.To)
		}
		if !v.passable(ctx, t.Guard) {
			continue
		}
		forward[t.From] = append(forward[t.From], t.To)
		reverse[t.To] = append(reverse[t.To], t.From)
	}

	reachable := traverse(m.Initial, forward)

	var findings Findings
	for _, s := range m.States {
		if !reachable[s] {
			findings.Unreachable = append(findings.Unreachable, s)
			continue
		}
		if !terminal[s] && len(forward[s]) == 0 {
			findings.Deadlocks = append(findings.Deadlocks, s)
		}
	}
	sort.Strings(findings.Unreachable)
	sort.Strings(findings.Deadlocks)

	for _, prop := range m.Liveness {
		canReach := map[string]bool{}
		if states[prop.Target] {
			canReach = traverse(prop.Target, reverse)
		}
		var violated []string
		for s := range reachable {
			if !canReach[s] {
				violated = append(violated, s)
			}
		}
		if len(violated) == 0 {
			continue
		}
		sort.Strings(violated)
		findings.ViolatedLiveness = append(findings.ViolatedLiveness, LivenessViolation{
			Property: prop,
			States:   violated,
		})
	}
	return findings, nil
}

// passable reports whether an edge guard admits at least one assignment.
// Unknown leans passable: a budget overrun must not prune real paths.
func (v *Verifier) passable(ctx context.Context, guard *solver.Set) bool {
	if guard == nil || (len(guard.Constraints) == 0 && len(guard.Variables) == 0) {
		return true
	}
	out := v.solver.Check(ctx, *guard)
	return out.Decision != solver.Unsatisfiable
}

func traverse(start string, edges map[string][]string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}
	return seen
}
