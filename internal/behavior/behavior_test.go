package behavior

import (
	"context"
	"testing"

	"github.com/specfold/specfold/internal/solver"
)

func verify(t *testing.T, m *Machine) Findings {
	t.Helper()
	findings, err := NewVerifier(nil).Verify(context.Background(), m)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return findings
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestVerifyCleanMachine(t *testing.T) {
	findings := verify(t, &Machine{
		Name:     "document",
		Initial:  "draft",
		States:   []string{"draft", "published", "archived"},
		Terminal: []string{"archived"},
		Transitions: []Transition{
			{From: "draft", Trigger: "publish", To: "published"},
			{From: "published", Trigger: "archive", To: "archived"},
		},
		Liveness: []Liveness{{Name: "eventually archived", Target: "archived"}},
	})
	if !findings.Empty() {
		t.Fatalf("expected no findings, got %+v", findings)
	}
}

func TestVerifyViolatedLiveness(t *testing.T) {
	findings := verify(t, &Machine{
		Name:    "document",
		Initial: "draft",
		States:  []string{"draft", "published"},
		Transitions: []Transition{
			{From: "draft", Trigger: "publish", To: "published"},
		},
		Liveness: []Liveness{{Name: "eventually archived", Target: "archived"}},
	})
	if len(findings.ViolatedLiveness) != 1 {
		t.Fatalf("violations = %d, want 1: %+v", len(findings.ViolatedLiveness), findings.ViolatedLiveness)
	}
	violation := findings.ViolatedLiveness[0]
	if !contains(violation.States, "published") {
		t.Fatalf("violation states %v missing %q", violation.States, "published")
	}
}

func TestVerifyDeadlockAndUnreachable(t *testing.T) {
	findings := verify(t, &Machine{
		Name:     "review",
		Initial:  "open",
		States:   []string{"open", "stuck", "orphan", "closed"},
		Terminal: []string{"closed"},
		Transitions: []Transition{
			{From: "open", Trigger: "escalate", To: "stuck"},
			{From: "open", Trigger: "resolve", To: "closed"},
			{From: "orphan", Trigger: "resolve", To: "closed"},
		},
	})
	if !contains(findings.Deadlocks, "stuck") {
		t.Fatalf("deadlocks %v missing %q", findings.Deadlocks, "stuck")
	}
	if !contains(findings.Unreachable, "orphan") {
		t.Fatalf("unreachable %v missing %q", findings.Unreachable, "orphan")
	}
	if contains(findings.Deadlocks, "closed") {
		t.Fatalf("terminal state reported as deadlock: %v", findings.Deadlocks)
	}
}

func TestVerifyUnsatisfiableGuardPrunesEdge(t *testing.T) {
	impossible := &solver.Set{
		Constraints: []solver.Constraint{
			{ID: "gt", Kind: solver.KindBound, Var: "approvals", Op: solver.OpGT, Value: 5},
			{ID: "lt", Kind: solver.KindBound, Var: "approvals", Op: solver.OpLT, Value: 3},
		},
	}
	findings := verify(t, &Machine{
		Name:     "gate",
		Initial:  "pending",
		States:   []string{"pending", "approved"},
		Terminal: []string{"approved"},
		Transitions: []Transition{
			{From: "pending", Trigger: "approve", To: "approved", Guard: impossible},
		},
	})
	if !contains(findings.Unreachable, "approved") {
		t.Fatalf("unreachable %v missing %q", findings.Unreachable, "approved")
	}
	if !contains(findings.Deadlocks, "pending") {
		t.Fatalf("deadlocks %v missing %q", findings.Deadlocks, "pending")
	}
}

func TestVerifySatisfiableGuardKeepsEdge(t *testing.T) {
	guard := &solver.Set{
		Constraints: []solver.Constraint{
			{ID: "quorum", Kind: solver.KindBound, Var: "approvals", Op: solver.OpGE, Value: 2},
		},
	}
	findings := verify(t, &Machine{
		Name:     "gate",
		Initial:  "pending",
		States:   []string{"pending", "approved"},
		Terminal: []string{"approved"},
		Transitions: []Transition{
			{From: "pending", Trigger: "approve", To: "approved", Guard: guard},
		},
	})
	if !findings.Empty() {
		t.Fatalf("expected no findings, got %+v", findings)
	}
}

func TestVerifyRejectsMalformedMachine(t *testing.T) {
	v := NewVerifier(nil)
	cases := []*Machine{
		{Name: "no-initial", States: []string{"a"}},
		{Name: "bad-edge", Initial: "a", States: []string{"a"}, Transitions: []Transition{{From: "a", Trigger: "t", To: "b"}}},
		{Name: "bad-terminal", Initial: "a", States: []string{"a"}, Terminal: []string{"b"}},
	}
	for _, m := range cases {
		if _, err := v.Verify(context.Background(), m); err == nil {
			t.Fatalf("machine %q: expected error", m.Name)
		}
	}
}

func TestVerifyNilMachine(t *testing.T) {
	if _, err := NewVerifier(nil).Verify(context.Background(), nil); err != ErrNilMachine {
		t.Fatalf("err = %v, want %v", err, ErrNilMachine)
	}
}
