package perception

import (
	"strings"

	"actionplane/internal/protocol"
)

// buildCandidate assembles a full protocol.ActionCandidate from a raw
// element and its assigned identity. Callers must have already applied
// IsInteractive and IsVisible.
func buildCandidate(id string, r RawElement) protocol.ActionCandidate {
	rect := protocol.Rect{X: r.Rect.X, Y: r.Rect.Y, W: r.Rect.W, H: r.Rect.H}
	rectN := normalizeRect(rect, r.ViewportW, r.ViewportH)

	return protocol.ActionCandidate{
		ID:          id,
		Rect:        rect,
		RectN:       rectN,
		Hit:         protocol.CenterHit(rect),
		Role:        DeriveRole(r),
		Tag:         strings.ToLower(r.Tag),
		Name:        DeriveName(r),
		Aria:        r.AriaLabel,
		Placeholder: r.Placeholder,
		Value:       r.Value,
		Href:        r.Href,
		State:       DeriveState(r),
		Ctx:         DeriveCtx(r),
		StyleHint:   DeriveStyleHint(r),
		Occluded:    r.Occluded,
	}
}

func normalizeRect(rect protocol.Rect, vw, vh int) protocol.RectN {
	if vw <= 0 || vh <= 0 {
		return protocol.RectN{}
	}
	return protocol.RectN{
		X: float64(rect.X) / float64(vw),
		Y: float64(rect.Y) / float64(vh),
		W: float64(rect.W) / float64(vw),
		H: float64(rect.H) / float64(vh),
	}
}
