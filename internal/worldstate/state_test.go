package worldstate

import (
	"testing"

	"actionplane/internal/protocol"
)

func rect(w, h int) protocol.Rect { return protocol.Rect{W: w, H: h} }

func TestHelloCreatesTabState(t *testing.T) {
	s := NewStore()
	s.Hello(protocol.HelloMessage{TabID: "1", URL: "https://a/", Viewport: protocol.Viewport{Width: 1024, Height: 768}}, 100)

	tab, ok := s.Tab("1")
	if !ok {
		t.Fatalf("expected tab to exist")
	}
	if tab.URL != "https://a/" || tab.ConnectedAt != 100 {
		t.Fatalf("unexpected tab state: %+v", tab)
	}
}

func TestHelloPreservesExistingCandidatesAndConnectedAt(t *testing.T) {
	s := NewStore()
	s.Hello(protocol.HelloMessage{TabID: "1", URL: "https://a/"}, 100)
	s.Snapshot(protocol.SnapshotMessage{TabID: "1", URL: "https://a/", Candidates: []protocol.ActionCandidate{{ID: "a_0", Rect: rect(10, 10)}}}, 100)

	s.Hello(protocol.HelloMessage{TabID: "1", URL: "https://a/reloaded"}, 200)

	tab, _ := s.Tab("1")
	if tab.ConnectedAt != 100 {
		t.Fatalf("expected ConnectedAt to be preserved, got %d", tab.ConnectedAt)
	}
	if len(tab.Candidates) != 1 {
		t.Fatalf("expected candidates preserved across hello, got %+v", tab.Candidates)
	}
	if tab.URL != "https://a/reloaded" {
		t.Fatalf("expected url refreshed, got %q", tab.URL)
	}
}

func TestSnapshotClearsDeltaHistoryAndRepopulates(t *testing.T) {
	s := NewStore()
	s.Snapshot(protocol.SnapshotMessage{TabID: "1", Candidates: []protocol.ActionCandidate{{ID: "a_0", Rect: rect(10, 10)}}}, 100)
	s.Delta(protocol.DeltaMessage{TabID: "1", Added: []protocol.ActionCandidate{{ID: "a_1", Rect: rect(5, 5)}}}, 150)

	s.Snapshot(protocol.SnapshotMessage{TabID: "1", Candidates: []protocol.ActionCandidate{{ID: "a_2", Rect: rect(1, 1)}}}, 200)

	tab, _ := s.Tab("1")
	if len(tab.Candidates) != 1 {
		t.Fatalf("expected candidate map replaced, got %+v", tab.Candidates)
	}
	if _, ok := tab.Candidates["a_2"]; !ok {
		t.Fatalf("expected a_2 present after snapshot, got %+v", tab.Candidates)
	}
	if len(tab.DeltaHistory) != 0 {
		t.Fatalf("expected delta history cleared on snapshot, got %+v", tab.DeltaHistory)
	}
}

func TestDeltaForUnknownTabIsDropped(t *testing.T) {
	s := NewStore()
	s.Delta(protocol.DeltaMessage{TabID: "ghost", Added: []protocol.ActionCandidate{{ID: "a_0"}}}, 100)

	if _, ok := s.Tab("ghost"); ok {
		t.Fatalf("expected delta for unknown tab not to create a TabState")
	}
}

func TestDeltaMergesAddRemoveUpdate(t *testing.T) {
	s := NewStore()
	s.Snapshot(protocol.SnapshotMessage{TabID: "1", Candidates: []protocol.ActionCandidate{
		{ID: "a_0", Rect: rect(10, 10)},
		{ID: "a_2", Rect: rect(10, 10), State: protocol.State{Disabled: false}},
	}}, 100)

	disabled := true
	s.Delta(protocol.DeltaMessage{
		TabID:   "1",
		Removed: []string{"a_0"},
		Added:   []protocol.ActionCandidate{{ID: "a_1", Rect: rect(20, 20)}},
		Updated: []protocol.CandidateDelta{{ID: "a_2", State: &protocol.State{Disabled: disabled}}},
	}, 150)

	tab, _ := s.Tab("1")
	if _, ok := tab.Candidates["a_0"]; ok {
		t.Fatalf("expected a_0 removed")
	}
	if _, ok := tab.Candidates["a_1"]; !ok {
		t.Fatalf("expected a_1 added")
	}
	if !tab.Candidates["a_2"].State.Disabled {
		t.Fatalf("expected a_2 merged to disabled")
	}
	if len(tab.DeltaHistory) != 1 {
		t.Fatalf("expected 1 entry in delta history, got %d", len(tab.DeltaHistory))
	}
}

func TestDeltaHistoryEvictsPast50Entries(t *testing.T) {
	s := NewStore()
	s.Snapshot(protocol.SnapshotMessage{TabID: "1"}, 0)

	for i := 0; i < 60; i++ {
		s.Delta(protocol.DeltaMessage{TabID: "1", Removed: []string{"nonexistent"}}, int64(i))
	}

	tab, _ := s.Tab("1")
	if len(tab.DeltaHistory) != maxDeltaHistory {
		t.Fatalf("expected delta history capped at %d, got %d", maxDeltaHistory, len(tab.DeltaHistory))
	}
}

func TestDisconnectErasesTabState(t *testing.T) {
	s := NewStore()
	s.Hello(protocol.HelloMessage{TabID: "1"}, 100)
	s.Disconnect("1")

	if _, ok := s.Tab("1"); ok {
		t.Fatalf("expected tab erased after disconnect")
	}
}

func TestUpdatePointerIsGlobal(t *testing.T) {
	s := NewStore()
	s.UpdatePointer(10, 20, 1)
	x, y, buttons := s.Pointer()
	if x != 10 || y != 20 || buttons != 1 {
		t.Fatalf("unexpected pointer state: %d,%d,%d", x, y, buttons)
	}
}

func TestDeltaReplayIsIdempotent(t *testing.T) {
	s := NewStore()
	s.Snapshot(protocol.SnapshotMessage{TabID: "1", Candidates: []protocol.ActionCandidate{{ID: "a_0", Rect: rect(10, 10)}}}, 0)

	delta := protocol.DeltaMessage{TabID: "1", Removed: []string{"a_1"}, Added: []protocol.ActionCandidate{{ID: "a_0", Rect: rect(10, 10)}}}
	s.Delta(delta, 1)
	first := len(s.Candidates("1"))
	s.Delta(delta, 2)
	if len(s.Candidates("1")) != first {
		t.Fatalf("expected idempotent replay, size changed from %d to %d", first, len(s.Candidates("1")))
	}
}

func TestSnapshotThenDeltaRemovingAllYieldsEmptyMap(t *testing.T) {
	s := NewStore()
	s.Snapshot(protocol.SnapshotMessage{TabID: "1", Candidates: []protocol.ActionCandidate{{ID: "a_0"}, {ID: "a_1"}}}, 0)
	s.Delta(protocol.DeltaMessage{TabID: "1", Removed: []string{"a_0", "a_1"}}, 1)

	if len(s.Candidates("1")) != 0 {
		t.Fatalf("expected empty candidate map, got %+v", s.Candidates("1"))
	}
}
