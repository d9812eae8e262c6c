package protocol

import (
	"strings"
	"testing"
)

func TestNewCommandIDFormat(t *testing.T) {
	id := NewCommandID()
	if !strings.HasPrefix(id, "cmd_") {
		t.Fatalf("expected cmd_ prefix, got %q", id)
	}
	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		t.Fatalf("expected 3 underscore-separated parts, got %d (%q)", len(parts), id)
	}
	if len(parts[2]) != 4 {
		t.Fatalf("expected 4-char suffix, got %q", parts[2])
	}
}

func TestNewCommandIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewCommandID()
		if seen[id] {
			t.Fatalf("duplicate commandId generated: %s", id)
		}
		seen[id] = true
	}
}

func TestElementIDGeneratorFromHTMLID(t *testing.T) {
	g := NewElementIDGenerator()
	if got := g.FromHTMLID("signin-btn"); got != "e_signin-btn" {
		t.Fatalf("FromHTMLID = %q, want e_signin-btn", got)
	}
}

func TestElementIDGeneratorNextCounter(t *testing.T) {
	g := NewElementIDGenerator()
	first := g.NextCounter()
	second := g.NextCounter()
	if first == second {
		t.Fatalf("expected distinct counter ids, got %q twice", first)
	}
	if !strings.HasPrefix(first, "a_") || !strings.HasPrefix(second, "a_") {
		t.Fatalf("expected a_ prefix, got %q and %q", first, second)
	}
}

func TestToBase36(t *testing.T) {
	cases := map[uint64]string{0: "0", 35: "z", 36: "10", 1295: "zz"}
	for n, want := range cases {
		if got := toBase36(n); got != want {
			t.Fatalf("toBase36(%d) = %q, want %q", n, got, want)
		}
	}
}
