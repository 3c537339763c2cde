package rules

import (
	"context"
	"errors"
	"testing"
)

type countingResolver struct {
	inner    Resolver
	resolved map[string]int
}

func (c *countingResolver) Resolve(ctx context.Context, ref string) (*Rule, error) {
	c.resolved[ref]++
	return c.inner.Resolve(ctx, ref)
}

func mustPut(t *testing.T, repo *Repository, rule *Rule) string {
	t.Helper()
	ref, err := repo.Put(context.Background(), rule)
	if err != nil {
		t.Fatalf("Put %q: %v", rule.Name, err)
	}
	return ref
}

func TestEvaluateAtomic(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	ref := mustPut(t, repo, &Rule{
		Kind:       KindAtomic,
		Name:       "replica bound",
		Expression: "replicas >= 1 and replicas <= 10",
	})
	engine := NewEngine(repo)

	result, err := engine.Evaluate(ctx, ref, map[string]any{"replicas": 3})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Satisfied || len(result.Failures) != 0 {
		t.Fatalf("result = %+v, want satisfied with no failures", result)
	}

	result, err = engine.Evaluate(ctx, ref, map[string]any{"replicas": 0})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Satisfied {
		t.Fatal("expected unsatisfied")
	}
	if len(result.Failures) != 1 || result.Failures[0].Ref != ref {
		t.Fatalf("failures = %+v, want one failure for %s", result.Failures, ref)
	}
}

func TestEvaluateCompositeReportsEveryFailure(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	passA := mustPut(t, repo, &Rule{Kind: KindAtomic, Name: "A", Expression: "true"})
	failB := mustPut(t, repo, &Rule{Kind: KindAtomic, Name: "B", Expression: "false"})
	passC := mustPut(t, repo, &Rule{Kind: KindAtomic, Name: "C", Expression: "true"})
	composite := mustPut(t, repo, &Rule{
		Kind:     KindComposite,
		Name:     "all checks",
		Children: []ChildRef{{Ref: passA}, {Ref: failB}, {Ref: passC}},
	})

	counter := &countingResolver{inner: repo, resolved: map[string]int{}}
	result, err := NewEngine(counter).Evaluate(ctx, composite, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Satisfied {
		t.Fatal("expected unsatisfied")
	}
	if len(result.Failures) != 1 {
		t.Fatalf("failures = %d, want exactly 1: %+v", len(result.Failures), result.Failures)
	}
	if result.Failures[0].Name != "B" {
		t.Fatalf("failure attributed to %q, want B", result.Failures[0].Name)
	}
	// No early exit: every child was resolved and evaluated.
	for _, ref := range []string{passA, failB, passC} {
		if counter.resolved[ref] == 0 {
			t.Fatalf("child %s was never evaluated", ref)
		}
	}
}

func TestEvaluateCompositeOptionalChild(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	failing := mustPut(t, repo, &Rule{Kind: KindAtomic, Name: "advisory", Expression: "false"})
	required := mustPut(t, repo, &Rule{Kind: KindAtomic, Name: "required", Expression: "true"})
	composite := mustPut(t, repo, &Rule{
		Kind:     KindComposite,
		Name:     "with optional",
		Children: []ChildRef{{Ref: required}, {Ref: failing, Optional: true}},
	})

	result, err := NewEngine(repo).Evaluate(ctx, composite, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Satisfied {
		t.Fatalf("optional child failure made composite unsatisfied: %+v", result)
	}
}

func TestEvaluateParameterized(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	ref := mustPut(t, repo, &Rule{
		Kind:     KindParameterized,
		Name:     "max replicas",
		Template: "replicas <= ${max} and tier == ${tier}",
		Params:   map[string]any{"max": 5, "tier": "gold"},
	})

	result, err := NewEngine(repo).Evaluate(ctx, ref, map[string]any{"replicas": 4, "tier": "gold"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Satisfied {
		t.Fatalf("result = %+v, want satisfied", result)
	}
	if result.Bindings["max"] != 5 {
		t.Fatalf("bindings = %v, want max bound to 5", result.Bindings)
	}

	result, err = NewEngine(repo).Evaluate(ctx, ref, map[string]any{"replicas": 9, "tier": "gold"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Satisfied {
		t.Fatal("expected unsatisfied")
	}
}

func TestEvaluateContextual(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	body := mustPut(t, repo, &Rule{Kind: KindAtomic, Name: "needs quorum", Expression: "approvals >= 2"})
	ref := mustPut(t, repo, &Rule{
		Kind:    KindContextual,
		Name:    "published only",
		When:    `status == "published"`,
		BodyRef: body,
	})
	engine := NewEngine(repo)

	// Inapplicable counts as satisfied even though the body would fail.
	result, err := engine.Evaluate(ctx, ref, map[string]any{"status": "draft", "approvals": 0})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Satisfied {
		t.Fatalf("inapplicable rule reported unsatisfied: %+v", result)
	}

	result, err = engine.Evaluate(ctx, ref, map[string]any{"status": "published", "approvals": 0})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Satisfied {
		t.Fatal("expected unsatisfied when applicable and body fails")
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	ref := mustPut(t, repo, &Rule{
		Kind:       KindAtomic,
		Name:       "tables",
		Expression: `#tags == 2 and tags[1] == "a"`,
	})
	env := map[string]any{"tags": []string{"a", "b"}}
	engine := NewEngine(repo)

	for i := 0; i < 3; i++ {
		result, err := engine.Evaluate(ctx, ref, env)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !result.Satisfied {
			t.Fatalf("run %d: result = %+v, want satisfied", i, result)
		}
	}
}

func TestEvaluateExpressionError(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	ref := mustPut(t, repo, &Rule{Kind: KindAtomic, Name: "broken", Expression: "replicas <= "})

	_, err := NewEngine(repo).Evaluate(ctx, ref, map[string]any{"replicas": 1})
	if !errors.Is(err, ErrEvaluation) {
		t.Fatalf("err = %v, want %v", err, ErrEvaluation)
	}
}

func TestEvaluateLargeCountersStayExact(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	ref := mustPut(t, repo, &Rule{
		Kind:       KindAtomic,
		Name:       "counter check",
		Expression: "counter == 9007199254740992",
	})
	engine := NewEngine(repo)

	result, err := engine.Evaluate(ctx, ref, map[string]any{"counter": int64(1) << 53})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Satisfied {
		t.Fatalf("result = %+v, want satisfied", result)
	}

	// One past the exact float64 range would round silently, so it is
	// rejected instead of evaluated.
	_, err = engine.Evaluate(ctx, ref, map[string]any{"counter": int64(1)<<53 + 1})
	if !errors.Is(err, ErrEvaluation) {
		t.Fatalf("err = %v, want %v", err, ErrEvaluation)
	}
	_, err = engine.Evaluate(ctx, ref, map[string]any{"counter": uint64(1)<<53 + 1})
	if !errors.Is(err, ErrEvaluation) {
		t.Fatalf("err = %v, want %v", err, ErrEvaluation)
	}
}

func TestEvaluateUnknownRef(t *testing.T) {
	_, err := NewEngine(NewRepository()).Evaluate(context.Background(), "deadbeef", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, ErrNotFound)
	}
}

func TestRefIsContentAddressed(t *testing.T) {
	a := &Rule{Kind: KindAtomic, Name: "r", Expression: "true"}
	b := &Rule{Kind: KindAtomic, Name: "r", Expression: "true"}
	refA, err := a.Ref()
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	refB, err := b.Ref()
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	if refA != refB {
		t.Fatalf("identical rules got different refs: %s vs %s", refA, refB)
	}

	c := &Rule{Kind: KindAtomic, Name: "r", Expression: "false"}
	refC, err := c.Ref()
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	if refC == refA {
		t.Fatal("different rules share a ref")
	}
}

func TestUnboundPlaceholder(t *testing.T) {
	repo := NewRepository()
	ref := mustPut(t, repo, &Rule{
		Kind:     KindParameterized,
		Name:     "incomplete",
		Template: "replicas <= ${max} and tier == ${tier}",
		Params:   map[string]any{"max": 5},
	})
	if _, err := NewEngine(repo).Evaluate(context.Background(), ref, map[string]any{"replicas": 1}); err == nil {
		t.Fatal("expected error for unbound placeholder")
	}
}
