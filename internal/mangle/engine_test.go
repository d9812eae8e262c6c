package mangle

import (
	"context"
	"testing"
	"time"

	"actionplane/internal/config"
)

func testConfig(bufferLimit int) config.MangleConfig {
	return config.MangleConfig{
		Enable:          true,
		SchemaPath:      "../../schemas/audit.mg",
		FactBufferLimit: bufferLimit,
	}
}

func TestEngineLoadSchema(t *testing.T) {
	engine, err := NewEngine(testConfig(1000))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if !engine.Ready() {
		t.Fatal("Engine not ready after schema load")
	}
}

func TestEngineAddFacts(t *testing.T) {
	engine, err := NewEngine(testConfig(1000))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()
	facts := []Fact{
		{
			Predicate: "command_audit",
			Args:      []interface{}{"cmd-1", "click", "tab-1", "ok", ""},
			Timestamp: time.Now(),
		},
		{
			Predicate: "policy_denied",
			Args:      []interface{}{"cmd-2", "navigate", "tab-1", "domain not allowlisted"},
			Timestamp: time.Now(),
		},
		{
			Predicate: "rate_limit_event",
			Args:      []interface{}{"cmd-3", "tab-1", "per_second"},
			Timestamp: time.Now(),
		},
	}

	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	buffered := engine.Facts()
	if len(buffered) != len(facts) {
		t.Errorf("Expected %d facts in buffer, got %d", len(facts), len(buffered))
	}

	audited := engine.FactsByPredicate("command_audit")
	if len(audited) != 1 {
		t.Errorf("Expected 1 command_audit fact, got %d", len(audited))
	}
}

func TestEngineQuery(t *testing.T) {
	engine, err := NewEngine(testConfig(1000))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()

	facts := []Fact{
		{
			Predicate: "policy_denied",
			Args:      []interface{}{"cmd-1", "navigate", "tab-1", "blocked by allowlist"},
			Timestamp: time.Now(),
		},
	}

	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	denied := engine.FactsByPredicate("policy_denied")
	if len(denied) != 1 {
		t.Fatalf("Expected 1 policy_denied fact, got %d", len(denied))
	}

	results, err := engine.Query(ctx, `policy_denied("cmd-1", Type, TabId, Reason).`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 query result, got %d", len(results))
	}
	if results[0]["Type"] != "navigate" {
		t.Errorf("Expected Type=navigate, got %v", results[0]["Type"])
	}
}

func TestEngineTemporalQuery(t *testing.T) {
	engine, err := NewEngine(testConfig(1000))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()
	now := time.Now()
	past := now.Add(-5 * time.Second)

	facts := []Fact{
		{
			Predicate: "command_audit",
			Args:      []interface{}{"cmd-1", "click", "tab-1", "ok", ""},
			Timestamp: past,
		},
		{
			Predicate: "command_audit",
			Args:      []interface{}{"cmd-2", "click", "tab-1", "ok", ""},
			Timestamp: now,
		},
	}

	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	recent := engine.QueryTemporal("command_audit", now.Add(-3*time.Second), time.Time{})
	if len(recent) != 1 {
		t.Errorf("Expected 1 recent event, got %d", len(recent))
	}

	all := engine.QueryTemporal("command_audit", time.Time{}, time.Time{})
	if len(all) != 2 {
		t.Errorf("Expected 2 total events, got %d", len(all))
	}
}

func TestEngineAddRule(t *testing.T) {
	engine, err := NewEngine(testConfig(1000))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	rule := `
Decl repeated_denial(TabId).

repeated_denial(TabId) :-
    policy_denied(_, _, TabId, _).
`

	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
}

func TestEngineDisabled(t *testing.T) {
	cfg := config.MangleConfig{
		Enable:          false,
		FactBufferLimit: 1000,
	}

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()
	err = engine.AddFacts(ctx, []Fact{{Predicate: "test", Args: []interface{}{"arg"}}})
	if err != nil {
		t.Errorf("AddFacts should succeed when disabled: %v", err)
	}

	if !engine.Ready() {
		t.Error("Engine should be ready when disabled")
	}
}

func TestEngineAddRuleDisabled(t *testing.T) {
	cfg := config.MangleConfig{
		Enable:          false,
		FactBufferLimit: 1000,
	}

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	err = engine.AddRule("some rule")
	if err != nil {
		t.Errorf("AddRule should succeed when disabled: %v", err)
	}
}

func TestEngineSamplingRate(t *testing.T) {
	cfg := config.MangleConfig{
		Enable:          true,
		SchemaPath:      "../../schemas/audit.mg",
		FactBufferLimit: 100,
	}

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if rate := engine.SamplingRate(); rate != 1.0 {
		t.Errorf("Expected initial sampling rate 1.0, got %v", rate)
	}

	ctx := context.Background()
	for i := 0; i < 90; i++ {
		facts := []Fact{
			{Predicate: "command_audit", Args: []interface{}{i, "click", "tab-1", "ok", ""}, Timestamp: time.Now()},
		}
		_ = engine.AddFacts(ctx, facts)
	}

	rate := engine.SamplingRate()
	if rate >= 1.0 {
		t.Errorf("Expected sampling rate < 1.0 after buffer fill, got %v", rate)
	}
}

func TestEngineFactsByPredicateEmpty(t *testing.T) {
	engine, err := NewEngine(testConfig(1000))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	facts := engine.FactsByPredicate("nonexistent")
	if len(facts) != 0 {
		t.Errorf("Expected 0 facts for nonexistent predicate, got %d", len(facts))
	}
}

func TestEngineMatchesAll(t *testing.T) {
	engine, err := NewEngine(testConfig(1000))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()
	facts := []Fact{
		{Predicate: "policy_denied", Args: []interface{}{"cmd-1", "navigate", "tab-1", "blocked"}, Timestamp: time.Now()},
		{Predicate: "command_audit", Args: []interface{}{"cmd-2", "click", "tab-1", "ok", ""}, Timestamp: time.Now()},
	}
	_ = engine.AddFacts(ctx, facts)

	t.Run("all conditions match", func(t *testing.T) {
		conditions := []Fact{
			{Predicate: "policy_denied", Args: []interface{}{"cmd-1", "navigate"}},
			{Predicate: "command_audit", Args: []interface{}{"cmd-2", "click"}},
		}
		if !engine.MatchesAll(conditions) {
			t.Error("Expected all conditions to match")
		}
	})

	t.Run("missing predicate", func(t *testing.T) {
		conditions := []Fact{
			{Predicate: "nonexistent", Args: []interface{}{}},
		}
		if engine.MatchesAll(conditions) {
			t.Error("Expected conditions to not match for nonexistent predicate")
		}
	})

	t.Run("wrong argument value", func(t *testing.T) {
		conditions := []Fact{
			{Predicate: "policy_denied", Args: []interface{}{"cmd-1", "click"}}, // wrong command type
		}
		if engine.MatchesAll(conditions) {
			t.Error("Expected conditions to not match with wrong argument")
		}
	})

	t.Run("empty conditions", func(t *testing.T) {
		if !engine.MatchesAll([]Fact{}) {
			t.Error("Expected empty conditions to match")
		}
	})

	t.Run("predicate match with no args", func(t *testing.T) {
		conditions := []Fact{
			{Predicate: "policy_denied", Args: nil},
		}
		if !engine.MatchesAll(conditions) {
			t.Error("Expected predicate-only condition to match")
		}
	})
}

func TestEngineSubscription(t *testing.T) {
	engine, err := NewEngine(testConfig(1000))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	t.Run("subscribe and unsubscribe", func(t *testing.T) {
		ch := make(chan WatchEvent, 10)
		subID := engine.Subscribe("policy_denied", ch)

		if subID == "" {
			t.Error("Expected non-empty subscription ID")
		}

		predicates := engine.WatchPredicates()
		found := false
		for _, p := range predicates {
			if p == "policy_denied" {
				found = true
				break
			}
		}
		if !found {
			t.Error("Expected policy_denied in watched predicates")
		}

		engine.Unsubscribe("policy_denied", ch)

		predicates = engine.WatchPredicates()
		for _, p := range predicates {
			if p == "policy_denied" {
				t.Error("Expected policy_denied to be removed from watched predicates")
			}
		}
	})

	t.Run("multiple subscriptions", func(t *testing.T) {
		ch1 := make(chan WatchEvent, 10)
		ch2 := make(chan WatchEvent, 10)

		engine.Subscribe("command_audit", ch1)
		engine.Subscribe("rate_limit_event", ch2)

		predicates := engine.WatchPredicates()
		if len(predicates) < 2 {
			t.Errorf("Expected at least 2 watched predicates, got %d", len(predicates))
		}

		engine.Unsubscribe("command_audit", ch1)
		engine.Unsubscribe("rate_limit_event", ch2)
	})
}

func TestEngineBufferLimit(t *testing.T) {
	engine, err := NewEngine(testConfig(10))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()

	// policy_denied is never sampled, so every fact reaches the buffer and
	// the buffer-limit trim (not sampling) is what's under test.
	for i := 0; i < 20; i++ {
		facts := []Fact{
			{Predicate: "policy_denied", Args: []interface{}{i, "navigate", "tab-1", "blocked"}, Timestamp: time.Now()},
		}
		_ = engine.AddFacts(ctx, facts)
	}

	buffered := engine.Facts()
	if len(buffered) > 10 {
		t.Errorf("Expected buffer size <= 10, got %d", len(buffered))
	}
}

func TestEngineQueryNotReady(t *testing.T) {
	cfg := config.MangleConfig{
		Enable:          true,
		SchemaPath:      "", // No schema
		FactBufferLimit: 1000,
	}

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()
	_, err = engine.Query(ctx, "test(X).")
	if err == nil {
		t.Error("Expected error when querying without schema")
	}
}

func TestEngineEvaluateNotReady(t *testing.T) {
	cfg := config.MangleConfig{
		Enable:          true,
		SchemaPath:      "", // No schema
		FactBufferLimit: 1000,
	}

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()
	_, err = engine.Evaluate(ctx, "test_predicate")
	if err == nil {
		t.Error("Expected error when evaluating without schema")
	}
}

func TestDefaultLowValuePredicates(t *testing.T) {
	predicates := defaultLowValuePredicates()

	expectedLowValue := []string{"command_audit"}
	for _, p := range expectedLowValue {
		if !predicates[p] {
			t.Errorf("Expected %q to be a low-value predicate", p)
		}
	}

	unexpectedLowValue := []string{"policy_denied", "rate_limit_event"}
	for _, p := range unexpectedLowValue {
		if predicates[p] {
			t.Errorf("Expected %q to NOT be a low-value predicate", p)
		}
	}
}

func TestEngineLoadSchemaError(t *testing.T) {
	cfg := config.MangleConfig{
		Enable:          true,
		SchemaPath:      "/nonexistent/path/schema.mg",
		FactBufferLimit: 1000,
	}

	_, err := NewEngine(cfg)
	if err == nil {
		t.Error("Expected error for nonexistent schema path")
	}
}

func TestEngineQueryParseError(t *testing.T) {
	engine, err := NewEngine(testConfig(1000))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()
	_, err = engine.Query(ctx, "invalid syntax $$")
	if err == nil {
		t.Error("Expected parse error for invalid query syntax")
	}
}

func TestEngineAddRuleParseError(t *testing.T) {
	engine, err := NewEngine(testConfig(1000))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	err = engine.AddRule("invalid rule syntax $$")
	if err == nil {
		t.Error("Expected parse error for invalid rule syntax")
	}
}

func TestEngineBlockedCommandRule(t *testing.T) {
	engine, err := NewEngine(testConfig(1000))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()

	facts := []Fact{
		{
			Predicate: "policy_denied",
			Args:      []interface{}{"cmd-1", "navigate", "tab-1", "domain not allowlisted"},
			Timestamp: time.Now(),
		},
	}

	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	// blocked_command is a schema-declared projection of policy_denied
	// (schemas/audit.mg); Evaluate must derive it without an extra AddRule.
	results, err := engine.Evaluate(ctx, "blocked_command")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 blocked_command row, got %d", len(results))
	}
}
