package perception

import (
	"strings"

	"actionplane/internal/protocol"
)

// interactiveRoles is the fixed list of ARIA roles counted as interactive,
// beyond whatever native-element rules already match.
var interactiveRoles = map[string]bool{
	"button":           true,
	"link":             true,
	"menuitem":         true,
	"menuitemradio":    true,
	"menuitemcheckbox": true,
	"option":           true,
	"tab":              true,
	"switch":           true,
	"checkbox":         true,
	"radio":            true,
	"combobox":         true,
	"listbox":          true,
	"slider":           true,
	"spinbutton":       true,
	"searchbox":        true,
	"textbox":          true,
}

var nativeFormControls = map[string]bool{
	"button":   true,
	"input":    true,
	"select":   true,
	"textarea": true,
}

// IsInteractive reports whether r matches the candidate-selection predicate
// of the perception engine.
func IsInteractive(r RawElement) bool {
	tag := strings.ToLower(r.Tag)
	role := strings.ToLower(r.ExplicitRole)

	if tag == "a" && r.HasHref {
		return true
	}
	if nativeFormControls[tag] {
		return true
	}
	if tag == "summary" || tag == "details" {
		return true
	}
	if tag == "label" && r.HasForAttr {
		return true
	}
	if r.HasTabIndex && r.TabIndex > 0 {
		return true
	}
	if r.HasOnClick {
		return true
	}
	if r.ContentEditable {
		return true
	}
	if role != "" && interactiveRoles[role] {
		return true
	}
	return false
}

// IsVisible reports whether r passes the visibility filter. Occlusion is
// computed separately and never excludes a candidate.
func IsVisible(r RawElement) bool {
	if r.Rect.W <= 0 || r.Rect.H <= 0 {
		return false
	}
	if strings.EqualFold(r.Display, "none") {
		return false
	}
	if strings.EqualFold(r.Visibility, "hidden") {
		return false
	}
	if r.Opacity == 0 {
		return false
	}
	if rectEntirelyOutside(r.Rect, r.ViewportW, r.ViewportH) {
		return false
	}
	return true
}

func rectEntirelyOutside(rect RectPx, vw, vh int) bool {
	if rect.X+rect.W <= 0 || rect.Y+rect.H <= 0 {
		return true
	}
	if rect.X >= vw || rect.Y >= vh {
		return true
	}
	return false
}

// DeriveRole computes the ARIA role for r per the priority: explicit role
// wins, otherwise tag/type-based derivation, falling back to "generic".
func DeriveRole(r RawElement) string {
	if r.ExplicitRole != "" {
		return strings.ToLower(r.ExplicitRole)
	}

	tag := strings.ToLower(r.Tag)
	typ := strings.ToLower(r.Type)

	switch tag {
	case "a":
		if r.HasHref {
			return "link"
		}
	case "button":
		return "button"
	case "input":
		switch typ {
		case "button", "submit", "reset", "image":
			return "button"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "range":
			return "slider"
		case "search":
			return "searchbox"
		case "text", "email", "tel", "url", "password", "number", "":
			return "textbox"
		default:
			return "textbox"
		}
	case "select":
		if r.Multiple {
			return "listbox"
		}
		return "combobox"
	case "textarea":
		return "textbox"
	case "nav":
		return "navigation"
	case "main":
		return "main"
	case "header":
		return "banner"
	case "footer":
		return "contentinfo"
	case "aside":
		return "complementary"
	case "form":
		return "form"
	case "summary":
		return "button"
	}
	return "generic"
}

// DeriveName computes the accessible name for r per the priority chain:
// aria-label -> aria-labelledby target text -> associated label text ->
// title -> placeholder -> truncated text content.
func DeriveName(r RawElement) string {
	const maxTextLen = 120

	if v := strings.TrimSpace(r.AriaLabel); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.AriaLabelledByText); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.LabelText); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Title); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Placeholder); v != "" {
		return v
	}
	text := strings.TrimSpace(r.TextContent)
	if len(text) > maxTextLen {
		text = text[:maxTextLen]
	}
	return text
}

// DeriveState computes the State booleans from DOM properties and aria
// attributes, aria taking precedence only when the DOM property is absent.
func DeriveState(r RawElement) protocol.State {
	checked := r.Checked
	if !r.HasChecked {
		checked = r.AriaChecked
	}
	selected := r.Selected
	if !r.HasSelected {
		selected = r.AriaSelected
	}
	expanded := r.AriaExpanded && r.HasExpanded

	return protocol.State{
		Disabled: r.Disabled || r.AriaDisabled,
		Expanded: expanded,
		Checked:  checked,
		Selected: selected,
		Focused:  r.Focused,
	}
}

// DeriveStyleHint produces a heuristic visual classification from class
// names, data attributes, and computed colors.
func DeriveStyleHint(r RawElement) protocol.StyleHint {
	classes := strings.ToLower(r.ClassName)
	variant := strings.ToLower(coalesceData(r.DataAttrs, "variant", "type", "style"))
	combined := classes + " " + variant

	isPrimary := containsAny(combined, "primary", "btn-primary", "cta", "accent")
	isDanger := containsAny(combined, "danger", "destructive", "error", "delete", "warn")

	return protocol.StyleHint{
		IsPrimary:       isPrimary,
		IsDanger:        isDanger,
		CursorPointer:   r.CursorPointer,
		BackgroundColor: r.BackgroundColor,
		TextColor:       r.TextColor,
	}
}

func coalesceData(attrs map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := attrs[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// DeriveCtx copies the ancestry flags a PageSource already computed; these
// require DOM-tree walking, not derivable from the fields above alone.
func DeriveCtx(r RawElement) protocol.Ctx {
	return protocol.Ctx{
		InModal: r.InModal,
		InNav:   r.InNav,
		InForm:  r.InForm,
		Depth:   r.Depth,
		FormID:  r.FormID,
	}
}
