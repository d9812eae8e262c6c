package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"actionplane/internal/executor"
	"actionplane/internal/protocol"

	"github.com/go-rod/rod"
)

// Tab wraps one go-rod page with the candidate cache that bridges
// perception's engine-minted element ids back to screen coordinates: the
// engine assigns ids from facts it never sends back across the boundary
// (see perception.RawElement.Key's doc), so the actuator addresses elements
// by their last-known Hit point rather than re-resolving identity itself.
// This is also the teacher's own coordinate/eval-centric automation style
// (session_manager.go never held long-lived element handles either, always
// re-querying the live DOM per Eval call).
type Tab struct {
	tabID string
	page  *rod.Page

	mu         sync.RWMutex
	candidates map[string]protocol.ActionCandidate
}

// NewTab constructs a Tab backed by a connected go-rod page.
func NewTab(tabID string, page *rod.Page) *Tab {
	return &Tab{
		tabID:      tabID,
		page:       page,
		candidates: make(map[string]protocol.ActionCandidate),
	}
}

// UpdateCandidates refreshes the actuator's coordinate/kind cache; the agent
// main loop calls this after every perception snapshot or delta merge so
// Resolve/Click/Type/... can address elements by id.
func (t *Tab) UpdateCandidates(cands []protocol.ActionCandidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range cands {
		t.candidates[c.ID] = c
	}
}

// RemoveCandidates drops ids from the cache; the agent main loop calls this
// for every id a delta's Removed list carries, since a removed candidate's
// coordinates can no longer be trusted even if the id happens to be reused.
func (t *Tab) RemoveCandidates(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.candidates, id)
	}
}

// ApplyCandidateDeltas merges a delta's per-id partial updates into the
// cache; only fields the perception engine actually recomputed (and so set non-nil)
// are overwritten, matching the Added/Updated/Removed semantics the
// perception engine already uses for its own diffing.
func (t *Tab) ApplyCandidateDeltas(updates []protocol.CandidateDelta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range updates {
		c, ok := t.candidates[u.ID]
		if !ok {
			continue
		}
		if u.Rect != nil {
			c.Rect = *u.Rect
		}
		if u.RectN != nil {
			c.RectN = *u.RectN
		}
		if u.Hit != nil {
			c.Hit = *u.Hit
		}
		if u.State != nil {
			c.State = *u.State
		}
		if u.Name != nil {
			c.Name = *u.Name
		}
		if u.Value != nil {
			c.Value = *u.Value
		}
		if u.Occluded != nil {
			c.Occluded = *u.Occluded
		}
		if u.Ctx != nil {
			c.Ctx = *u.Ctx
		}
		t.candidates[u.ID] = c
	}
}

// Candidates implements executor.CandidateProvider for the `query` command.
func (t *Tab) Candidates() []protocol.ActionCandidate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]protocol.ActionCandidate, 0, len(t.candidates))
	for _, c := range t.candidates {
		out = append(out, c)
	}
	return out
}

// resetCandidates drops the cache on navigation, since every previously
// minted id becomes meaningless against the new document.
func (t *Tab) resetCandidates() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = make(map[string]protocol.ActionCandidate)
}

func (t *Tab) lookup(id string) (protocol.ActionCandidate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.candidates[id]
	return c, ok
}

func classifyKind(c protocol.ActionCandidate) executor.ElementKind {
	tag := strings.ToLower(c.Tag)
	if tag == "select" {
		return executor.KindMultiOption
	}
	if tag == "textarea" {
		return executor.KindTextInput
	}
	switch c.Role {
	case "textbox", "searchbox":
		return executor.KindTextInput
	}
	return executor.KindOther
}

// Resolve reports whether id currently maps to a cached candidate.
func (t *Tab) Resolve(ctx context.Context, id string) (executor.ElementKind, bool, error) {
	c, ok := t.lookup(id)
	if !ok {
		return executor.KindUnknown, false, nil
	}
	return classifyKind(c), true, nil
}

const clickScript = `
(cx, cy, button, clickCount, ctrlKey, shiftKey, altKey, metaKey) => {
	const el = document.elementFromPoint(cx, cy);
	if (!el) return false;
	const opts = { bubbles: true, cancelable: true, clientX: cx, clientY: cy, button, ctrlKey, shiftKey, altKey, metaKey };
	for (let i = 0; i < clickCount; i++) {
		el.dispatchEvent(new MouseEvent('mousedown', opts));
		el.dispatchEvent(new MouseEvent('mouseup', opts));
		el.dispatchEvent(new MouseEvent('click', { ...opts, detail: i + 1 }));
	}
	return true;
}
`

func hasModifier(mods []string, name string) bool {
	for _, m := range mods {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

func (t *Tab) Click(ctx context.Context, id string, button int, modifiers []string, clickCount int) error {
	c, ok := t.lookup(id)
	if !ok {
		return fmt.Errorf("unknown element: %s", id)
	}
	_, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: clickScript,
		JSArgs: []interface{}{
			c.Hit.CX, c.Hit.CY, button, clickCount,
			hasModifier(modifiers, "ctrl"), hasModifier(modifiers, "shift"),
			hasModifier(modifiers, "alt"), hasModifier(modifiers, "meta"),
		},
		ByValue:      true,
		AwaitPromise: true,
	})
	return err
}

const typeScript = `
async (cx, cy, text, mode, clearFirst, delayMs) => {
	const el = document.elementFromPoint(cx, cy);
	if (!el) throw new Error('no element at point');
	el.focus();

	const sleep = (ms) => new Promise((r) => setTimeout(r, ms));
	const setValue = (v) => {
		const proto = Object.getPrototypeOf(el);
		const setter = Object.getOwnPropertyDescriptor(proto, 'value');
		if (setter && setter.set) { setter.set.call(el, v); } else { el.value = v; }
	};

	let current = (typeof el.value === 'string') ? el.value : '';
	if (clearFirst) { current = ''; setValue(current); el.dispatchEvent(new Event('input', { bubbles: true })); }

	for (const ch of text) {
		el.dispatchEvent(new KeyboardEvent('keydown', { key: ch, bubbles: true }));
		if (mode === 'prepend') { current = ch + current; } else { current = current + ch; }
		setValue(current);
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new KeyboardEvent('keyup', { key: ch, bubbles: true }));
		if (delayMs > 0) await sleep(delayMs);
	}
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return current;
}
`

func (t *Tab) Type(ctx context.Context, id string, text string, mode protocol.TypeMode, clearFirst bool, delayMs int) (string, error) {
	c, ok := t.lookup(id)
	if !ok {
		return "", fmt.Errorf("unknown element: %s", id)
	}
	res, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           typeScript,
		JSArgs:       []interface{}{c.Hit.CX, c.Hit.CY, text, string(mode), clearFirst, delayMs},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", err
	}
	if res == nil || res.Value.Nil() {
		return "", nil
	}
	return res.Value.String(), nil
}

const hoverScript = `
async (cx, cy, durationMs) => {
	const el = document.elementFromPoint(cx, cy);
	if (!el) return false;
	const opts = { bubbles: true, cancelable: true, clientX: cx, clientY: cy };
	el.dispatchEvent(new MouseEvent('mouseenter', opts));
	el.dispatchEvent(new MouseEvent('mouseover', opts));
	el.dispatchEvent(new MouseEvent('mousemove', opts));
	if (durationMs > 0) await new Promise((r) => setTimeout(r, durationMs));
	return true;
}
`

func (t *Tab) Hover(ctx context.Context, id string, durationMs int) error {
	c, ok := t.lookup(id)
	if !ok {
		return fmt.Errorf("unknown element: %s", id)
	}
	_, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           hoverScript,
		JSArgs:       []interface{}{c.Hit.CX, c.Hit.CY, durationMs},
		ByValue:      true,
		AwaitPromise: true,
	})
	return err
}

const scrollScript = `
async (dx, dy, cx, cy, hasTarget) => {
	const settle = () => new Promise((r) => setTimeout(r, 300));
	if (hasTarget) {
		const el = document.elementFromPoint(cx, cy);
		if (el && el.scrollIntoView) el.scrollIntoView({ behavior: 'smooth', block: 'center' });
	} else {
		window.scrollBy({ left: dx, top: dy, behavior: 'smooth' });
	}
	await settle();
	return { x: Math.round(window.scrollX), y: Math.round(window.scrollY) };
}
`

func (t *Tab) Scroll(ctx context.Context, dx, dy int, target string) (int, int, error) {
	cx, cy := 0, 0
	hasTarget := target != "" && target != "viewport"
	if hasTarget {
		c, ok := t.lookup(target)
		if !ok {
			return 0, 0, fmt.Errorf("unknown scroll target: %s", target)
		}
		cx, cy = c.Hit.CX, c.Hit.CY
	}

	res, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           scrollScript,
		JSArgs:       []interface{}{dx, dy, cx, cy, hasTarget},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return 0, 0, err
	}
	if res == nil || res.Value.Nil() {
		return 0, 0, nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return 0, 0, err
	}
	var out struct{ X, Y int }
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, 0, err
	}
	return out.X, out.Y, nil
}

const focusScript = `
(cx, cy) => {
	const el = document.elementFromPoint(cx, cy);
	if (!el || typeof el.focus !== 'function') return false;
	el.focus();
	return true;
}
`

func (t *Tab) Focus(ctx context.Context, id string) error {
	c, ok := t.lookup(id)
	if !ok {
		return fmt.Errorf("unknown element: %s", id)
	}
	_, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           focusScript,
		JSArgs:       []interface{}{c.Hit.CX, c.Hit.CY},
		ByValue:      true,
		AwaitPromise: true,
	})
	return err
}

const selectScript = `
(cx, cy, value) => {
	const el = document.elementFromPoint(cx, cy);
	if (!el || el.tagName.toLowerCase() !== 'select') throw new Error('target is not a select element');
	const matches = (opt) => opt.value === value || opt.text === value;
	for (const opt of el.options) {
		opt.selected = matches(opt);
	}
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return el.value;
}
`

func (t *Tab) Select(ctx context.Context, id string, value string) (string, error) {
	c, ok := t.lookup(id)
	if !ok {
		return "", fmt.Errorf("unknown element: %s", id)
	}
	res, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           selectScript,
		JSArgs:       []interface{}{c.Hit.CX, c.Hit.CY, value},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", err
	}
	if res == nil || res.Value.Nil() {
		return "", nil
	}
	return res.Value.String(), nil
}

const moveMouseScript = `
(x, y) => {
	const el = document.elementFromPoint(x, y) || document.documentElement;
	const opts = { bubbles: true, cancelable: true, clientX: x, clientY: y };
	el.dispatchEvent(new MouseEvent('mousemove', opts));
	return true;
}
`

func (t *Tab) MoveMouse(ctx context.Context, path []executor.Point) error {
	for _, p := range path {
		if _, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
			JS:           moveMouseScript,
			JSArgs:       []interface{}{p.X, p.Y},
			ByValue:      true,
			AwaitPromise: true,
		}); err != nil {
			return err
		}
	}
	return nil
}

const verifyScript = `
(cx, cy) => {
	const el = document.elementFromPoint(cx, cy);
	if (!el) return { found: false };
	const rect = el.getBoundingClientRect();
	const style = window.getComputedStyle(el);
	const visible = style.display !== 'none' && style.visibility !== 'hidden' && rect.width > 0 && rect.height > 0;
	const newCx = Math.round(rect.x + rect.width / 2);
	const newCy = Math.round(rect.y + rect.height / 2);
	const topEl = document.elementFromPoint(newCx, newCy);
	const hitTestOk = !!topEl && (topEl === el || el.contains(topEl) || topEl.contains(el));
	return {
		found: true,
		visible,
		hitTestOk,
		rect: { x: Math.round(rect.x), y: Math.round(rect.y), w: Math.round(rect.width), h: Math.round(rect.height) },
	};
}
`

func (t *Tab) Verify(ctx context.Context, id string) (protocol.Verification, error) {
	c, ok := t.lookup(id)
	if !ok {
		return protocol.Verification{}, fmt.Errorf("unknown element: %s", id)
	}

	res, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           verifyScript,
		JSArgs:       []interface{}{c.Hit.CX, c.Hit.CY},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return protocol.Verification{}, err
	}

	var out struct {
		Found     bool
		Visible   bool
		HitTestOk bool
		Rect      protocol.Rect
	}
	if res != nil && !res.Value.Nil() {
		raw, err := res.Value.MarshalJSON()
		if err != nil {
			return protocol.Verification{}, err
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return protocol.Verification{}, err
		}
	}

	v := protocol.Verification{
		StillVisible: out.Found && out.Visible,
		HitTestOk:    out.Found && out.HitTestOk,
	}
	if out.Found && out.Rect != c.Rect {
		v.RectChanged = true
		newRect := out.Rect
		v.NewRect = &newRect
	}
	return v, nil
}
