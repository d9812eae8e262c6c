package cdp

import (
	"testing"

	"github.com/go-rod/rod/lib/input"
)

func TestResolveKeyNamed(t *testing.T) {
	k, err := resolveKey("Enter")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k != input.Enter {
		t.Errorf("expected input.Enter, got %v", k)
	}
}

func TestResolveKeySingleChar(t *testing.T) {
	k, err := resolveKey("a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k != input.Key('a') {
		t.Errorf("expected input.Key('a'), got %v", k)
	}
}

func TestResolveKeyUnknown(t *testing.T) {
	if _, err := resolveKey("NotAKey"); err == nil {
		t.Error("expected error for unresolvable multi-character key name")
	}
}

func TestDebuggerDisconnectedMethods(t *testing.T) {
	d := &Debugger{}
	if d.Connected() {
		t.Error("expected disconnected debugger to report Connected() == false")
	}
	if got := d.CurrentURL(); got != "" {
		t.Errorf("expected empty CurrentURL for disconnected debugger, got %q", got)
	}
	if err := d.Navigate(nil, "https://example.com"); err == nil {
		t.Error("expected Navigate to error when disconnected")
	}
	if err := d.TypeText(nil, "hi"); err == nil {
		t.Error("expected TypeText to error when disconnected")
	}
	if err := d.PressKey(nil, "Enter"); err == nil {
		t.Error("expected PressKey to error when disconnected")
	}
	if _, err := d.Evaluate(nil, "1+1"); err == nil {
		t.Error("expected Evaluate to error when disconnected")
	}
}
