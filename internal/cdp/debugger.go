// Package cdp provides the go-rod-backed RemoteDebugger implementation
// spec.md §6 describes as the gateway's second CDP session: a collaborator
// distinct from the agent's own session, connected to the same Chrome
// instance on its remote-debugging port, used only to serve cdp_* controller
// requests (navigate, typeText, pressKey, evaluate).
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// Debugger is the gateway's remote-debugging collaborator: a second go-rod
// connection to the Chrome instance the agent drives, addressing whichever
// page is currently active rather than any particular perception tab.
type Debugger struct {
	mu      sync.RWMutex
	browser *rod.Browser
	page    *rod.Page
}

// Connect dials controlURL (the same DevTools websocket the agent's
// SessionManager uses) and attaches to its first open page.
func Connect(controlURL string) (*Debugger, error) {
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect remote debugger: %w", err)
	}

	pages, err := browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	var page *rod.Page
	if len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			return nil, fmt.Errorf("open page: %w", err)
		}
	}

	return &Debugger{browser: browser, page: page}, nil
}

// Close disconnects the collaborator's CDP session without touching the
// agent's own session on the same browser.
func (d *Debugger) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	d.page = nil
	return err
}

// Connected reports whether the collaborator session is live.
func (d *Debugger) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.browser == nil {
		return false
	}
	_, err := d.browser.Version()
	return err == nil
}

// CurrentURL returns the active page's current URL, or "" if disconnected.
func (d *Debugger) CurrentURL() string {
	d.mu.RLock()
	page := d.page
	d.mu.RUnlock()
	if page == nil {
		return ""
	}
	info, err := page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Navigate loads url in the active page.
func (d *Debugger) Navigate(ctx context.Context, url string) error {
	d.mu.RLock()
	page := d.page
	d.mu.RUnlock()
	if page == nil {
		return fmt.Errorf("remote debugger not connected")
	}
	return page.Context(ctx).Navigate(url)
}

// TypeText inserts text at the active page's current focus, grounded in the
// teacher's InsertText usage in navigation_javascript.go.
func (d *Debugger) TypeText(ctx context.Context, text string) error {
	d.mu.RLock()
	page := d.page
	d.mu.RUnlock()
	if page == nil {
		return fmt.Errorf("remote debugger not connected")
	}
	return page.Context(ctx).InsertText(text)
}

// namedKeys maps the controller protocol's key names to go-rod's input.Key
// constants, the same table the teacher's PressKeyTool built by hand.
var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Space":      input.Space,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
}

// resolveKey maps a controller key name to an input.Key, falling back to
// treating a single-character name as the literal character.
func resolveKey(key string) (input.Key, error) {
	if k, ok := namedKeys[key]; ok {
		return k, nil
	}
	if len(key) != 1 {
		return 0, fmt.Errorf("unknown key: %s", key)
	}
	return input.Key(rune(key[0])), nil
}

// PressKey presses key on the active page, resolving named keys (Enter,
// Tab, arrows, ...) and single characters per namedKeys.
func (d *Debugger) PressKey(ctx context.Context, key string) error {
	d.mu.RLock()
	page := d.page
	d.mu.RUnlock()
	if page == nil {
		return fmt.Errorf("remote debugger not connected")
	}

	k, err := resolveKey(key)
	if err != nil {
		return err
	}
	return page.Context(ctx).Keyboard.Press(k)
}

// Evaluate runs expression in the active page's main world and returns its
// JSON-decoded value.
func (d *Debugger) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	d.mu.RLock()
	page := d.page
	d.mu.RUnlock()
	if page == nil {
		return nil, fmt.Errorf("remote debugger not connected")
	}

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           fmt.Sprintf("() => (%s)", expression),
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}

	var out interface{}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
