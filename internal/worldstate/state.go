// Package worldstate holds the gateway's view of every connected tab: its
// url, viewport, candidate map, and recent delta history, per spec.md §4.4.
package worldstate

import (
	"log"
	"sync"

	"actionplane/internal/perception"
	"actionplane/internal/protocol"
)

// maxDeltaHistory bounds TabState.DeltaHistory; the oldest entry is evicted
// once a tab crosses this count.
const maxDeltaHistory = 50

// TabState is the gateway's record of one connected tab.
type TabState struct {
	TabID        string
	URL          string
	Viewport     protocol.Viewport
	UserAgent    string
	ConnectedAt  int64
	LastUpdate   int64
	Candidates   map[string]protocol.ActionCandidate
	DeltaHistory []protocol.DeltaMessage
}

// Summary reduces a TabState to the shape list_tabs and GET /tabs expose.
func (t *TabState) Summary() protocol.TabSummary {
	return protocol.TabSummary{
		TabID:          t.TabID,
		URL:            t.URL,
		CandidateCount: len(t.Candidates),
		Viewport:       t.Viewport,
		LastUpdate:     t.LastUpdate,
	}
}

// Store holds every tracked tab plus the single global pointer state (§9:
// pointer state is intentionally process-wide, not per tab).
type Store struct {
	mu   sync.RWMutex
	tabs map[string]*TabState

	pointerX       int
	pointerY       int
	pointerButtons int
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{tabs: make(map[string]*TabState)}
}

// Hello creates or refreshes a TabState. An existing tab keeps its
// ConnectedAt, Candidates, and DeltaHistory; only URL/Viewport/UserAgent/
// LastUpdate are refreshed.
func (s *Store) Hello(msg protocol.HelloMessage, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tabs[msg.TabID]
	if !ok {
		t = &TabState{
			TabID:       msg.TabID,
			ConnectedAt: now,
			Candidates:  make(map[string]protocol.ActionCandidate),
		}
		s.tabs[msg.TabID] = t
	}
	t.URL = msg.URL
	t.Viewport = msg.Viewport
	t.UserAgent = msg.UserAgent
	t.LastUpdate = now
}

// Snapshot creates the TabState if missing, then clears and repopulates its
// candidate map and clears DeltaHistory.
func (s *Store) Snapshot(msg protocol.SnapshotMessage, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tabs[msg.TabID]
	if !ok {
		t = &TabState{TabID: msg.TabID, ConnectedAt: now}
		s.tabs[msg.TabID] = t
	}
	t.URL = msg.URL
	t.Viewport = msg.Viewport
	t.LastUpdate = now

	t.Candidates = make(map[string]protocol.ActionCandidate, len(msg.Candidates))
	for _, c := range msg.Candidates {
		t.Candidates[c.ID] = c
	}
	t.DeltaHistory = nil
}

// Delta applies an incremental update. A delta for an unknown tab is logged
// and dropped, never creating a TabState.
func (s *Store) Delta(msg protocol.DeltaMessage, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tabs[msg.TabID]
	if !ok {
		log.Printf("[worldstate] dropping delta for unknown tab %q", msg.TabID)
		return
	}

	perception.ApplyDelta(t.Candidates, protocol.DeltaMessage{
		Removed: msg.Removed,
		Added:   msg.Added,
		Updated: msg.Updated,
	})
	t.LastUpdate = now

	t.DeltaHistory = append(t.DeltaHistory, msg)
	if over := len(t.DeltaHistory) - maxDeltaHistory; over > 0 {
		t.DeltaHistory = t.DeltaHistory[over:]
	}
}

// Disconnect erases a tab's state entirely.
func (s *Store) Disconnect(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tabs, tabID)
}

// UpdatePointer records the single global last-known pointer state.
func (s *Store) UpdatePointer(x, y, buttons int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointerX, s.pointerY, s.pointerButtons = x, y, buttons
}

// Pointer returns the last recorded global pointer state.
func (s *Store) Pointer() (x, y, buttons int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pointerX, s.pointerY, s.pointerButtons
}

// Tab returns a snapshot copy of a tab's state, including copies of its
// candidate map and delta history, plus whether it exists.
func (s *Store) Tab(tabID string) (TabState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tabs[tabID]
	if !ok {
		return TabState{}, false
	}
	candidates := make(map[string]protocol.ActionCandidate, len(t.Candidates))
	for id, c := range t.Candidates {
		candidates[id] = c
	}
	return TabState{
		TabID:        t.TabID,
		URL:          t.URL,
		Viewport:     t.Viewport,
		UserAgent:    t.UserAgent,
		ConnectedAt:  t.ConnectedAt,
		LastUpdate:   t.LastUpdate,
		Candidates:   candidates,
		DeltaHistory: append([]protocol.DeltaMessage(nil), t.DeltaHistory...),
	}, true
}

// CandidateName returns the Name of candidate id within tabID's current
// candidate set, and whether it was found, taken safely under the Store's
// lock.
func (s *Store) CandidateName(tabID, id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tabs[tabID]
	if !ok {
		return "", false
	}
	c, ok := t.Candidates[id]
	if !ok {
		return "", false
	}
	return c.Name, true
}

// Tabs returns a summary of every tracked tab, in no particular order.
func (s *Store) Tabs() []protocol.TabSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.TabSummary, 0, len(s.tabs))
	for _, t := range s.tabs {
		out = append(out, t.Summary())
	}
	return out
}

// Candidates returns a snapshot slice of a tab's current candidates, or nil
// if the tab is unknown.
func (s *Store) Candidates(tabID string) []protocol.ActionCandidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tabs[tabID]
	if !ok {
		return nil
	}
	out := make([]protocol.ActionCandidate, 0, len(t.Candidates))
	for _, c := range t.Candidates {
		out = append(out, c)
	}
	return out
}
