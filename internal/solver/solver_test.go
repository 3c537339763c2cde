package solver

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func checkSet(t *testing.T, set Set) Outcome {
	t.Helper()
	s := New(Budget{MaxSteps: 100000, Timeout: time.Second})
	return s.Check(context.Background(), set)
}

func TestCheckSatisfiableWithWitness(t *testing.T) {
	out := checkSet(t, Set{
		Constraints: []Constraint{
			{ID: "lo", Kind: KindBound, Var: "fields", Op: OpGT, Value: 5},
			{ID: "hi", Kind: KindBound, Var: "fields", Op: OpLT, Value: 10},
		},
	})
	if out.Decision != Satisfiable {
		t.Fatalf("Decision = %q, want %q (reason %q)", out.Decision, Satisfiable, out.Reason)
	}
	n, err := strconv.ParseInt(out.Witness["fields"], 10, 64)
	if err != nil {
		t.Fatalf("witness %q not an integer: %v", out.Witness["fields"], err)
	}
	if n <= 5 || n >= 10 {
		t.Fatalf("witness fields = %d, want in (5, 10)", n)
	}
}

func TestCheckContradictoryBounds(t *testing.T) {
	out := checkSet(t, Set{
		Constraints: []Constraint{
			{ID: "gt", Kind: KindBound, Var: "x", Op: OpGT, Value: 5},
			{ID: "lt", Kind: KindBound, Var: "x", Op: OpLT, Value: 3},
		},
	})
	if out.Decision != Unsatisfiable {
		t.Fatalf("Decision = %q, want %q", out.Decision, Unsatisfiable)
	}
	if len(out.Conflict) != 2 {
		t.Fatalf("conflict size = %d, want 2: %v", len(out.Conflict), out.Conflict)
	}
}

func TestConflictSetIsMinimal(t *testing.T) {
	out := checkSet(t, Set{
		Constraints: []Constraint{
			{ID: "unrelated", Kind: KindBound, Var: "y", Op: OpGT, Value: 0},
			{ID: "ab", Kind: KindOrdering, Var: "a", Op: OpLT, Other: "b"},
			{ID: "ba", Kind: KindOrdering, Var: "b", Op: OpLT, Other: "a"},
		},
	})
	if out.Decision != Unsatisfiable {
		t.Fatalf("Decision = %q, want %q", out.Decision, Unsatisfiable)
	}
	if len(out.Conflict) != 2 {
		t.Fatalf("conflict size = %d, want 2: %v", len(out.Conflict), out.Conflict)
	}
	for _, c := range out.Conflict {
		if c.ID == "unrelated" {
			t.Fatalf("minimal conflict includes unrelated constraint %v", c)
		}
	}
}

func TestOrderingChainIsSatisfiable(t *testing.T) {
	out := checkSet(t, Set{
		Constraints: []Constraint{
			{ID: "xy", Kind: KindOrdering, Var: "x", Op: OpLT, Other: "y"},
			{ID: "yz", Kind: KindOrdering, Var: "y", Op: OpLT, Other: "z"},
		},
	})
	if out.Decision != Satisfiable {
		t.Fatalf("Decision = %q, want %q (conflict %v)", out.Decision, Satisfiable, out.Conflict)
	}
	x := witnessInt(t, out, "x")
	y := witnessInt(t, out, "y")
	z := witnessInt(t, out, "z")
	if x >= y || y >= z {
		t.Fatalf("witness x=%d y=%d z=%d does not satisfy x < y < z", x, y, z)
	}
}

func TestOrderingAgainstWideBoundedVariable(t *testing.T) {
	out := checkSet(t, Set{
		Variables: []Variable{{Name: "floor", Kind: KindInt, Min: 10, Max: 1_000_000}},
		Constraints: []Constraint{
			{ID: "above", Kind: KindOrdering, Var: "height", Op: OpGT, Other: "floor"},
		},
	})
	if out.Decision != Satisfiable {
		t.Fatalf("Decision = %q, want %q (conflict %v)", out.Decision, Satisfiable, out.Conflict)
	}
	if h, f := witnessInt(t, out, "height"), witnessInt(t, out, "floor"); h <= f {
		t.Fatalf("witness height=%d floor=%d does not satisfy height > floor", h, f)
	}
}

func witnessInt(t *testing.T, out Outcome, name string) int64 {
	t.Helper()
	n, err := strconv.ParseInt(out.Witness[name], 10, 64)
	if err != nil {
		t.Fatalf("witness %s = %q not an integer: %v", name, out.Witness[name], err)
	}
	return n
}

func TestMutualExclusionAgainstImplication(t *testing.T) {
	out := checkSet(t, Set{
		Constraints: []Constraint{
			{ID: "on", Kind: KindAssignment, Var: "encrypted", BoolValue: true},
			{ID: "req", Kind: KindRequires, If: "encrypted", Then: "signed"},
			{ID: "mutex", Kind: KindMutualExclusion, Vars: []string{"encrypted", "signed"}},
		},
	})
	if out.Decision != Unsatisfiable {
		t.Fatalf("Decision = %q, want %q", out.Decision, Unsatisfiable)
	}
	if len(out.Conflict) != 3 {
		t.Fatalf("conflict size = %d, want 3: %v", len(out.Conflict), out.Conflict)
	}
}

func TestEnumAssignment(t *testing.T) {
	status := Variable{Name: "status", Kind: KindEnum, Values: []string{"draft", "published"}}

	out := checkSet(t, Set{
		Variables:   []Variable{status},
		Constraints: []Constraint{{ID: "pin", Kind: KindAssignment, Var: "status", EnumValue: "published"}},
	})
	if out.Decision != Satisfiable {
		t.Fatalf("Decision = %q, want %q", out.Decision, Satisfiable)
	}
	if out.Witness["status"] != "published" {
		t.Fatalf("witness status = %q, want %q", out.Witness["status"], "published")
	}

	out = checkSet(t, Set{
		Variables:   []Variable{status},
		Constraints: []Constraint{{ID: "pin", Kind: KindAssignment, Var: "status", EnumValue: "retired"}},
	})
	if out.Decision != Unsatisfiable {
		t.Fatalf("Decision = %q, want %q", out.Decision, Unsatisfiable)
	}
}

func TestBudgetExhaustionIsUnknown(t *testing.T) {
	s := New(Budget{MaxSteps: 2, Timeout: time.Second})
	out := s.Check(context.Background(), Set{
		Constraints: []Constraint{
			{ID: "ab", Kind: KindOrdering, Var: "a", Op: OpLT, Other: "b"},
			{ID: "bc", Kind: KindOrdering, Var: "b", Op: OpLT, Other: "c"},
			{ID: "ca", Kind: KindOrdering, Var: "c", Op: OpLT, Other: "a"},
		},
	})
	if out.Decision != Unknown {
		t.Fatalf("Decision = %q, want %q", out.Decision, Unknown)
	}
	if out.Reason == "" {
		t.Fatal("expected a reason for the unknown decision")
	}
}

func TestCancelledContextIsUnknown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := New(Budget{}).Check(ctx, Set{
		Constraints: []Constraint{{ID: "gt", Kind: KindBound, Var: "x", Op: OpGT, Value: 0}},
	})
	if out.Decision != Unknown {
		t.Fatalf("Decision = %q, want %q", out.Decision, Unknown)
	}
}

func TestKindMismatchIsUnknown(t *testing.T) {
	out := checkSet(t, Set{
		Variables: []Variable{{Name: "x", Kind: KindBool}},
		Constraints: []Constraint{
			{ID: "gt", Kind: KindBound, Var: "x", Op: OpGT, Value: 0},
		},
	})
	if out.Decision != Unknown {
		t.Fatalf("Decision = %q, want %q", out.Decision, Unknown)
	}
}

func TestCheckIsDeterministic(t *testing.T) {
	set := Set{
		Constraints: []Constraint{
			{ID: "ab", Kind: KindOrdering, Var: "a", Op: OpLE, Other: "b"},
			{ID: "lo", Kind: KindBound, Var: "a", Op: OpGE, Value: 2},
			{ID: "hi", Kind: KindBound, Var: "b", Op: OpLE, Value: 9},
		},
	}
	first := checkSet(t, set)
	second := checkSet(t, set)
	if first.Decision != Satisfiable || second.Decision != Satisfiable {
		t.Fatalf("decisions = %q, %q, want both %q", first.Decision, second.Decision, Satisfiable)
	}
	for name, v := range first.Witness {
		if second.Witness[name] != v {
			t.Fatalf("witness diverged for %s: %q vs %q", name, v, second.Witness[name])
		}
	}
}
