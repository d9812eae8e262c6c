package browser

import (
	"testing"

	"actionplane/internal/executor"
	"actionplane/internal/protocol"
)

func TestClassifyKindSelect(t *testing.T) {
	c := protocol.ActionCandidate{Tag: "select"}
	if got := classifyKind(c); got != executor.KindMultiOption {
		t.Errorf("expected KindMultiOption, got %v", got)
	}
}

func TestClassifyKindTextarea(t *testing.T) {
	c := protocol.ActionCandidate{Tag: "textarea"}
	if got := classifyKind(c); got != executor.KindTextInput {
		t.Errorf("expected KindTextInput, got %v", got)
	}
}

func TestClassifyKindTextboxRole(t *testing.T) {
	c := protocol.ActionCandidate{Tag: "input", Role: "textbox"}
	if got := classifyKind(c); got != executor.KindTextInput {
		t.Errorf("expected KindTextInput, got %v", got)
	}
	c.Role = "searchbox"
	if got := classifyKind(c); got != executor.KindTextInput {
		t.Errorf("expected KindTextInput for searchbox, got %v", got)
	}
}

func TestClassifyKindOther(t *testing.T) {
	c := protocol.ActionCandidate{Tag: "button", Role: "button"}
	if got := classifyKind(c); got != executor.KindOther {
		t.Errorf("expected KindOther, got %v", got)
	}
}

func TestHasModifier(t *testing.T) {
	mods := []string{"Shift", "ctrl"}
	if !hasModifier(mods, "shift") {
		t.Error("expected case-insensitive match for shift")
	}
	if !hasModifier(mods, "ctrl") {
		t.Error("expected match for ctrl")
	}
	if hasModifier(mods, "alt") {
		t.Error("expected no match for alt")
	}
}

func TestTabCandidateCache(t *testing.T) {
	tab := NewTab("tab-1", nil)

	cands := []protocol.ActionCandidate{
		{ID: "e_a", Tag: "button", Hit: protocol.Hit{CX: 10, CY: 20}},
		{ID: "e_b", Tag: "input", Role: "textbox", Hit: protocol.Hit{CX: 30, CY: 40}},
	}
	tab.UpdateCandidates(cands)

	if got := len(tab.Candidates()); got != 2 {
		t.Fatalf("expected 2 cached candidates, got %d", got)
	}

	c, ok := tab.lookup("e_b")
	if !ok {
		t.Fatal("expected e_b to be cached")
	}
	if c.Hit.CX != 30 || c.Hit.CY != 40 {
		t.Errorf("unexpected cached hit point: %+v", c.Hit)
	}

	tab.resetCandidates()
	if got := len(tab.Candidates()); got != 0 {
		t.Errorf("expected cache cleared after reset, got %d entries", got)
	}
}

func TestTabRemoveCandidates(t *testing.T) {
	tab := NewTab("tab-1", nil)
	tab.UpdateCandidates([]protocol.ActionCandidate{
		{ID: "e_a", Tag: "button"},
		{ID: "e_b", Tag: "button"},
	})

	tab.RemoveCandidates([]string{"e_a"})

	if _, ok := tab.lookup("e_a"); ok {
		t.Error("expected e_a to be evicted")
	}
	if _, ok := tab.lookup("e_b"); !ok {
		t.Error("expected e_b to remain cached")
	}
}

func TestTabApplyCandidateDeltasUpdatesHit(t *testing.T) {
	tab := NewTab("tab-1", nil)
	tab.UpdateCandidates([]protocol.ActionCandidate{
		{ID: "e_a", Tag: "button", Hit: protocol.Hit{CX: 1, CY: 1}, Name: "old"},
	})

	newHit := protocol.Hit{CX: 50, CY: 60}
	tab.ApplyCandidateDeltas([]protocol.CandidateDelta{
		{ID: "e_a", Hit: &newHit},
	})

	c, ok := tab.lookup("e_a")
	if !ok {
		t.Fatal("expected e_a to remain cached")
	}
	if c.Hit != newHit {
		t.Errorf("expected hit updated to %+v, got %+v", newHit, c.Hit)
	}
	if c.Name != "old" {
		t.Errorf("expected name unaffected by hit-only update, got %q", c.Name)
	}
}

func TestTabApplyCandidateDeltasIgnoresUnknownID(t *testing.T) {
	tab := NewTab("tab-1", nil)
	newHit := protocol.Hit{CX: 1, CY: 1}
	tab.ApplyCandidateDeltas([]protocol.CandidateDelta{{ID: "e_missing", Hit: &newHit}})

	if _, ok := tab.lookup("e_missing"); ok {
		t.Error("expected unknown id to not be created by ApplyCandidateDeltas")
	}
}

func TestTabResolveUnknownID(t *testing.T) {
	tab := NewTab("tab-1", nil)
	kind, ok, err := tab.Resolve(nil, "e_missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected unknown id to resolve as not-found")
	}
	if kind != executor.KindUnknown {
		t.Errorf("expected KindUnknown, got %v", kind)
	}
}

func TestTabResolveKnownID(t *testing.T) {
	tab := NewTab("tab-1", nil)
	tab.UpdateCandidates([]protocol.ActionCandidate{
		{ID: "e_sel", Tag: "select"},
	})
	kind, ok, err := tab.Resolve(nil, "e_sel")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected known id to resolve")
	}
	if kind != executor.KindMultiOption {
		t.Errorf("expected KindMultiOption, got %v", kind)
	}
}

func TestRawElementJSONToRawElement(t *testing.T) {
	j := rawElementJSON{
		Key:            "k1",
		Tag:            "input",
		Type:           "text",
		HTMLID:         "email",
		HTMLIDIsUnique: true,
		Placeholder:    "Email address",
	}
	j.Rect.X, j.Rect.Y, j.Rect.W, j.Rect.H = 1, 2, 3, 4

	re := j.toRawElement()
	if re.Key != "k1" || re.Tag != "input" || re.HTMLID != "email" {
		t.Errorf("unexpected conversion: %+v", re)
	}
	if re.Rect.X != 1 || re.Rect.H != 4 {
		t.Errorf("unexpected rect conversion: %+v", re.Rect)
	}
	if re.Placeholder != "Email address" {
		t.Errorf("expected placeholder to carry over, got %q", re.Placeholder)
	}
}
