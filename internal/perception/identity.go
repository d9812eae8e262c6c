package perception

import "actionplane/internal/protocol"

// identityTable holds the Key-to-id association the spec describes as a
// weak map from DOM element to id. Go has no element garbage collection to
// hook a real weak map against, so entries are instead pruned by Engine
// whenever a Key goes missing from a full extraction (see
// Engine.extractAndIndex),
// which is the disposer-on-removal substitute the spec's DESIGN NOTES calls
// for on runtimes without weak references.
type identityTable struct {
	byKey map[string]string
	gen   *protocol.ElementIDGenerator
	seen  map[string]bool // html ids already claimed this document lifetime
}

func newIdentityTable() *identityTable {
	return &identityTable{
		byKey: make(map[string]string),
		gen:   protocol.NewElementIDGenerator(),
		seen:  make(map[string]bool),
	}
}

// assign returns the stable id for r, minting one on first encounter. The
// same Key always yields the same id until prune drops it; a Key assigned
// again after being pruned gets a freshly minted id.
func (t *identityTable) assign(r RawElement) string {
	if id, ok := t.byKey[r.Key]; ok {
		return id
	}

	var id string
	if r.HTMLID != "" && r.HTMLIDIsUnique && !t.seen[r.HTMLID] {
		id = t.gen.FromHTMLID(r.HTMLID)
		t.seen[r.HTMLID] = true
	} else {
		id = t.gen.NextCounter()
	}

	t.byKey[r.Key] = id
	return id
}

// prune drops identity entries for Keys not present in liveKeys, simulating
// garbage collection of removed elements.
func (t *identityTable) prune(liveKeys map[string]bool) {
	for key := range t.byKey {
		if !liveKeys[key] {
			delete(t.byKey, key)
		}
	}
}
