package perception

import "actionplane/internal/protocol"

// rectTolerancePx is the maximum per-axis pixel difference still considered
// "unchanged" for diffing purposes.
const rectTolerancePx = 2

// rectChanged reports whether a or b differ by more than the tolerance on
// any axis.
func rectChanged(a, b protocol.Rect) bool {
	return absDiff(a.X, b.X) > rectTolerancePx ||
		absDiff(a.Y, b.Y) > rectTolerancePx ||
		absDiff(a.W, b.W) > rectTolerancePx ||
		absDiff(a.H, b.H) > rectTolerancePx
}

func absDiff(a, b int) int {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

// diffCandidates computes the DeltaMessage between an old and new candidate
// map, per the diff rules of §4.1: rect changed beyond tolerance emits
// rect/rectN/hit; any state boolean differing emits the full state; name,
// value, occluded differing emit that field; inModal/inNav differing emits
// ctx. Candidates only in old become removed ids; only in new become added
// full records.
func diffCandidates(old, new map[string]protocol.ActionCandidate) protocol.DeltaMessage {
	var delta protocol.DeltaMessage

	for id := range old {
		if _, ok := new[id]; !ok {
			delta.Removed = append(delta.Removed, id)
		}
	}

	for id, nc := range new {
		oc, existed := old[id]
		if !existed {
			delta.Added = append(delta.Added, nc)
			continue
		}

		var entry protocol.CandidateDelta
		changed := false

		if rectChanged(oc.Rect, nc.Rect) {
			r := nc.Rect
			rn := nc.RectN
			h := nc.Hit
			entry.Rect = &r
			entry.RectN = &rn
			entry.Hit = &h
			changed = true
		}
		if !oc.State.Equal(nc.State) {
			s := nc.State
			entry.State = &s
			changed = true
		}
		if oc.Name != nc.Name {
			n := nc.Name
			entry.Name = &n
			changed = true
		}
		if oc.Value != nc.Value {
			v := nc.Value
			entry.Value = &v
			changed = true
		}
		if oc.Occluded != nc.Occluded {
			o := nc.Occluded
			entry.Occluded = &o
			changed = true
		}
		if oc.Ctx.InModal != nc.Ctx.InModal || oc.Ctx.InNav != nc.Ctx.InNav {
			c := nc.Ctx
			entry.Ctx = &c
			changed = true
		}

		if changed {
			entry.ID = id
			delta.Updated = append(delta.Updated, entry)
		}
	}

	return delta
}

// ApplyDelta mutates candidates in place per the WorldState merge rule:
// (prev \ removed) ∪ added, then each updated[i] merged by id. It is kept
// here, alongside the rules that produce deltas, so both emission and
// application share the exact same semantics; internal/worldstate calls
// this directly rather than re-implementing it.
func ApplyDelta(candidates map[string]protocol.ActionCandidate, delta protocol.DeltaMessage) {
	for _, id := range delta.Removed {
		delete(candidates, id)
	}
	for _, c := range delta.Added {
		candidates[c.ID] = c
	}
	for _, upd := range delta.Updated {
		c, ok := candidates[upd.ID]
		if !ok {
			continue
		}
		mergeDelta(&c, upd)
		candidates[upd.ID] = c
	}
}

func mergeDelta(c *protocol.ActionCandidate, upd protocol.CandidateDelta) {
	if upd.Rect != nil {
		c.Rect = *upd.Rect
	}
	if upd.RectN != nil {
		c.RectN = *upd.RectN
	}
	if upd.Hit != nil {
		c.Hit = *upd.Hit
	}
	if upd.State != nil {
		c.State = *upd.State
	}
	if upd.Name != nil {
		c.Name = *upd.Name
	}
	if upd.Value != nil {
		c.Value = *upd.Value
	}
	if upd.Occluded != nil {
		c.Occluded = *upd.Occluded
	}
	if upd.Ctx != nil {
		c.Ctx = *upd.Ctx
	}
}
