package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"actionplane/internal/perception"

	"github.com/go-rod/rod"
)

// pollInterval is how often Watch drains the observer dirty-buffer the
// injected hook script accumulates; the same 50ms-class ticker-drain shape
// the teacher used for click/input/toast event draining in session_manager.go.
const pollInterval = 50 * time.Millisecond

type rawElementJSON struct {
	Key                string            `json:"key"`
	Tag                string            `json:"tag"`
	Type               string            `json:"type"`
	HTMLID             string            `json:"htmlId"`
	HTMLIDIsUnique     bool              `json:"htmlIdIsUnique"`
	HasHref            bool              `json:"hasHref"`
	Href               string            `json:"href"`
	TabIndex           int               `json:"tabIndex"`
	HasTabIndex        bool              `json:"hasTabIndex"`
	HasOnClick         bool              `json:"hasOnClick"`
	ContentEditable    bool              `json:"contentEditable"`
	HasForAttr         bool              `json:"hasForAttr"`
	ExplicitRole       string            `json:"explicitRole"`
	Multiple           bool              `json:"multiple"`
	AriaLabel          string            `json:"ariaLabel"`
	AriaLabelledByText string            `json:"ariaLabelledByText"`
	LabelText          string            `json:"labelText"`
	Title              string            `json:"title"`
	Placeholder        string            `json:"placeholder"`
	Value              string            `json:"value"`
	TextContent        string            `json:"textContent"`
	Rect               struct {
		X, Y, W, H int
	} `json:"rect"`
	ViewportW       int     `json:"viewportW"`
	ViewportH       int     `json:"viewportH"`
	Display         string  `json:"display"`
	Visibility      string  `json:"visibility"`
	Opacity         float64 `json:"opacity"`
	Disabled        bool    `json:"disabled"`
	AriaDisabled    bool    `json:"ariaDisabled"`
	AriaExpanded    bool    `json:"ariaExpanded"`
	HasExpanded     bool    `json:"hasExpanded"`
	AriaChecked     bool    `json:"ariaChecked"`
	Checked         bool    `json:"checked"`
	HasChecked      bool    `json:"hasChecked"`
	AriaSelected    bool    `json:"ariaSelected"`
	Selected        bool    `json:"selected"`
	HasSelected     bool    `json:"hasSelected"`
	Focused         bool    `json:"focused"`
	InModal         bool    `json:"inModal"`
	InNav           bool    `json:"inNav"`
	InForm          bool    `json:"inForm"`
	FormID          string  `json:"formId"`
	Depth           int     `json:"depth"`
	ClassName       string  `json:"className"`
	DataAttrs       map[string]string `json:"dataAttrs"`
	BackgroundColor string            `json:"backgroundColor"`
	TextColor       string            `json:"textColor"`
	CursorPointer   bool              `json:"cursorPointer"`
}

func (r rawElementJSON) toRawElement() perception.RawElement {
	return perception.RawElement{
		Key:                r.Key,
		Tag:                r.Tag,
		Type:               r.Type,
		HTMLID:             r.HTMLID,
		HTMLIDIsUnique:     r.HTMLIDIsUnique,
		HasHref:            r.HasHref,
		Href:               r.Href,
		TabIndex:           r.TabIndex,
		HasTabIndex:        r.HasTabIndex,
		HasOnClick:         r.HasOnClick,
		ContentEditable:    r.ContentEditable,
		HasForAttr:         r.HasForAttr,
		ExplicitRole:       r.ExplicitRole,
		Multiple:           r.Multiple,
		AriaLabel:          r.AriaLabel,
		AriaLabelledByText: r.AriaLabelledByText,
		LabelText:          r.LabelText,
		Title:              r.Title,
		Placeholder:        r.Placeholder,
		Value:              r.Value,
		TextContent:        r.TextContent,
		Rect: perception.RectPx{
			X: r.Rect.X, Y: r.Rect.Y, W: r.Rect.W, H: r.Rect.H,
		},
		ViewportW:       r.ViewportW,
		ViewportH:       r.ViewportH,
		Display:         r.Display,
		Visibility:      r.Visibility,
		Opacity:         r.Opacity,
		Disabled:        r.Disabled,
		AriaDisabled:    r.AriaDisabled,
		AriaExpanded:    r.AriaExpanded,
		HasExpanded:     r.HasExpanded,
		AriaChecked:     r.AriaChecked,
		Checked:         r.Checked,
		HasChecked:      r.HasChecked,
		AriaSelected:    r.AriaSelected,
		Selected:        r.Selected,
		HasSelected:     r.HasSelected,
		Focused:         r.Focused,
		InModal:         r.InModal,
		InNav:           r.InNav,
		InForm:          r.InForm,
		FormID:          r.FormID,
		Depth:           r.Depth,
		ClassName:       r.ClassName,
		DataAttrs:       r.DataAttrs,
		BackgroundColor: r.BackgroundColor,
		TextColor:       r.TextColor,
		CursorPointer:   r.CursorPointer,
	}
}

// Extract implements perception.PageSource by evaluating extractScript
// against the live page.
func (t *Tab) Extract(ctx context.Context) ([]perception.RawElement, error) {
	if err := t.ensureHooked(ctx); err != nil {
		return nil, err
	}

	res, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           extractScript,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("extract raw elements: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal extracted elements: %w", err)
	}

	var elems []rawElementJSON
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("decode extracted elements: %w", err)
	}

	out := make([]perception.RawElement, 0, len(elems))
	for _, e := range elems {
		out = append(out, e.toRawElement())
	}
	return out, nil
}

// Watch implements perception.PageSource by installing the observer hook
// and polling its dirty-trigger buffer on pollInterval, mapping raw JS
// trigger names to perception.Trigger values.
func (t *Tab) Watch(ctx context.Context) (<-chan perception.Trigger, error) {
	if err := t.ensureHooked(ctx); err != nil {
		return nil, err
	}

	out := make(chan perception.Trigger, 32)
	go func() {
		defer close(out)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				triggers, err := t.drainDirty(ctx)
				if err != nil {
					continue
				}
				for _, trig := range triggers {
					select {
					case out <- trig:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (t *Tab) ensureHooked(ctx context.Context) error {
	_, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           hookScript,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return fmt.Errorf("install observer hook: %w", err)
	}
	return nil
}

func (t *Tab) drainDirty(ctx context.Context) ([]perception.Trigger, error) {
	res, err := t.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           drainScript,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return nil, err
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, err
	}

	out := make([]perception.Trigger, 0, len(names))
	for _, n := range names {
		switch n {
		case "mutation":
			out = append(out, perception.TriggerMutation)
		case "resize":
			out = append(out, perception.TriggerResize)
		case "intersection":
			out = append(out, perception.TriggerIntersection)
		case "scroll":
			out = append(out, perception.TriggerScroll)
		case "window_resize":
			out = append(out, perception.TriggerWindowResize)
		}
	}
	return out, nil
}
