// Package browser adapts github.com/go-rod/rod into the two CDP-facing
// boundaries the rest of the module consumes through pure interfaces:
// perception.PageSource (element extraction + observer wiring) and
// executor.DOMActuator (command dispatch). SessionManager keeps the
// teacher's launch/attach/reconnect machinery; Tab is the per-page piece
// that implements both boundaries.
package browser

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"actionplane/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// Session describes the public metadata for a tracked browser context.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta Session
	page *rod.Page
	tab  *Tab
}

// SessionManager owns the detached Chrome instance and tracks active pages.
type SessionManager struct {
	cfg        config.BrowserConfig
	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	controlURL string // WebSocket URL for DevTools
}

func NewSessionManager(cfg config.BrowserConfig) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		sessions: make(map[string]*sessionRecord),
	}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *SessionManager) Start() error {
	// If we already have a browser, verify it's still alive
	if m.browser != nil {
		// Try a simple operation to test connection health
		_, err := m.browser.Version()
		if err == nil {
			return nil // Browser is healthy, reuse it
		}
		// Browser is dead, clean up and reconnect
		log.Printf("[browser] stale connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		// Clear all sessions since they're orphaned
		m.mu.Lock()
		m.sessions = make(map[string]*sessionRecord)
		m.mu.Unlock()
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		if len(m.cfg.Launch) > 1 {
			for _, rawFlag := range m.cfg.Launch[1:] {
				flagStr := strings.TrimLeft(rawFlag, "-")
				name, val, hasVal := strings.Cut(flagStr, "=")
				if hasVal {
					launch = launch.Set(flags.Flag(name), val)
				} else {
					launch = launch.Set(flags.Flag(name))
				}
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Fallback: let Rod pick the port and defaults.
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			if alt, altErr := fallback.Launch(); altErr == nil {
				controlURL = alt
			} else {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	log.Printf("[browser] connected at %s", controlURL)
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes tracked pages and the underlying browser.
func (m *SessionManager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, record := range m.sessions {
		if record.page != nil {
			_ = record.page.Close()
		}
		delete(m.sessions, id)
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	log.Printf("[browser] shutdown complete")
	return err
}

// List returns lightweight metadata for all known sessions.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, record := range m.sessions {
		results = append(results, record.meta)
	}
	return results
}

// CreateSession opens a new page (incognito context by default), wraps it in
// a Tab, and tracks both under the page's CDP target id.
func (m *SessionManager) CreateSession(url string) (*Session, *Tab, error) {
	if m.browser == nil {
		return nil, nil, errors.New("browser not connected")
	}

	incognito, err := m.browser.Incognito()
	if err != nil {
		return nil, nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("[browser] warning: failed to set viewport: %v", err)
	}

	// Best-effort load; failures are not fatal for scaffolding.
	_ = page.Timeout(m.cfg.NavigationTimeout()).Navigate(url)

	tabID := string(page.TargetID)
	tab := NewTab(tabID, page)

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   tabID,
		URL:        url,
		Status:     "active",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, tab: tab}
	m.mu.Unlock()

	m.watchNavigation(meta.ID, page)

	return &meta, tab, nil
}

// Attach attempts to bind to an existing target by TargetID.
func (m *SessionManager) Attach(targetID string) (*Session, *Tab, error) {
	if m.browser == nil {
		return nil, nil, errors.New("browser not connected")
	}

	page, err := m.browser.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}

	tab := NewTab(targetID, page)

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Status:     "attached",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, tab: tab}
	m.mu.Unlock()

	m.watchNavigation(meta.ID, page)

	return &meta, tab, nil
}

// Page returns the underlying Rod page for a session when present.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.page, true
}

// Tab returns the DOM actuator/page source for a session.
func (m *SessionManager) Tab(sessionID string) (*Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.tab, true
}

// UpdateMetadata allows callers to refresh metadata (e.g., URL/title after navigation).
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

// GetSession returns the current session metadata when available.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// watchNavigation clears the tab's candidate identity on every navigation,
// since candidate ids minted against the previous document no longer
// resolve to anything; it also keeps Session metadata's URL current.
func (m *SessionManager) watchNavigation(sessionID string, page *rod.Page) {
	go page.EachEvent(func(ev *proto.PageFrameNavigated) {
		now := time.Now()
		m.UpdateMetadata(sessionID, func(s Session) Session {
			s.URL = ev.Frame.URL
			s.LastActive = now
			return s
		})
		if tab, ok := m.Tab(sessionID); ok {
			tab.resetCandidates()
		}
	})()
}
