package mangle

import (
	"context"
	"testing"
	"time"
)

// TestSemanticMacros exercises the derived predicates schemas/audit.mg
// declares on top of the base command_audit/policy_denied/rate_limit_event
// vocabulary.
func TestSemanticMacros(t *testing.T) {
	engine, err := NewEngine(testConfig(1000))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()

	t.Run("Macro: denied_navigation", func(t *testing.T) {
		facts := []Fact{
			{
				Predicate: "policy_denied",
				Args:      []interface{}{"cmd-1", "navigate", "tab-1", "domain not allowlisted"},
				Timestamp: time.Now(),
			},
			{
				Predicate: "policy_denied",
				Args:      []interface{}{"cmd-2", "click", "tab-1", "rate limited"},
				Timestamp: time.Now(),
			},
		}
		if err := engine.AddFacts(ctx, facts); err != nil {
			t.Fatal(err)
		}

		results, err := engine.Evaluate(ctx, "denied_navigation")
		if err != nil {
			t.Fatal(err)
		}

		if len(results) != 1 {
			t.Errorf("expected exactly 1 denied navigation, got %d", len(results))
		}
	})

	t.Run("Macro: blocked_command projects every denial", func(t *testing.T) {
		results, err := engine.Evaluate(ctx, "blocked_command")
		if err != nil {
			t.Fatal(err)
		}

		if len(results) != 2 {
			t.Errorf("expected 2 blocked commands (one per policy_denied fact), got %d", len(results))
		}
	})

	t.Run("Macro: runtime repeated_denial rule", func(t *testing.T) {
		rule := `
Decl repeated_denial(TabId).

repeated_denial(TabId) :-
    policy_denied(Id1, _, TabId, _),
    policy_denied(Id2, _, TabId, _),
    Id1 = "cmd-1",
    Id2 = "cmd-2".
`
		if err := engine.AddRule(rule); err != nil {
			t.Fatal(err)
		}

		results, err := engine.Evaluate(ctx, "repeated_denial")
		if err != nil {
			t.Fatal(err)
		}

		if len(results) == 0 {
			t.Error("expected repeated_denial to be derived for tab-1")
		}
	})
}
