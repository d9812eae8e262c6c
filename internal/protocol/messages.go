package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates every frame exchanged on either websocket link.
// All wire messages are UTF-8 JSON, one message per frame, carrying a "type"
// discriminator (see spec.md §6).
type MessageType string

const (
	// Agent -> Gateway
	MsgHello     MessageType = "hello"
	MsgSnapshot  MessageType = "snapshot"
	MsgDelta     MessageType = "delta"
	MsgPointer   MessageType = "pointer"
	MsgEvent     MessageType = "event"
	MsgHeartbeat MessageType = "heartbeat"
	MsgAck       MessageType = "ack"

	// Gateway -> Agent (control, beyond the Command types themselves)
	MsgRequestSnapshot MessageType = "request_snapshot"

	// Controller -> Gateway
	MsgSubscribe MessageType = "subscribe"
	MsgListTabs  MessageType = "list_tabs"
	MsgQuery     MessageType = "query"
	MsgAct       MessageType = "act"
	MsgNavigate  MessageType = "navigate"
	MsgCDPStatus MessageType = "cdp_status"
	MsgCDPType   MessageType = "cdp_type"
	MsgCDPKey    MessageType = "cdp_key"
	MsgCDPEval   MessageType = "cdp_eval"

	// Gateway -> Controller
	MsgTabs            MessageType = "tabs"
	MsgCandidates      MessageType = "candidates"
	MsgSubscribed      MessageType = "subscribed"
	MsgNavigateResult  MessageType = "navigate_result"
	MsgCDPStatusResult MessageType = "cdp_status_result"
	MsgCDPTypeResult   MessageType = "cdp_type_result"
	MsgCDPKeyResult    MessageType = "cdp_key_result"
	MsgCDPEvalResult   MessageType = "cdp_eval_result"
	MsgError           MessageType = "error"
)

// Envelope is the minimal shape every frame satisfies: enough to sniff Type
// and TabID (when present) before fully decoding the payload.
type Envelope struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tabId,omitempty"`
}

// Viewport describes a tab's visible page area in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// HelloMessage announces (or refreshes) a tab's presence.
type HelloMessage struct {
	Type      MessageType `json:"type"`
	TabID     string      `json:"tabId"`
	URL       string      `json:"url"`
	Viewport  Viewport    `json:"viewport"`
	UserAgent string      `json:"userAgent"`
}

// SnapshotMessage fully replaces a tab's candidate set.
type SnapshotMessage struct {
	Type       MessageType       `json:"type"`
	TabID      string            `json:"tabId"`
	URL        string            `json:"url"`
	Viewport   Viewport          `json:"viewport"`
	Candidates []ActionCandidate `json:"candidates"`
}

// DeltaMessage carries an incremental update against the previous candidate
// set: ids removed outright, full records added, and per-id field updates.
type DeltaMessage struct {
	Type    MessageType       `json:"type"`
	TabID   string            `json:"tabId"`
	Removed []string          `json:"removed,omitempty"`
	Added   []ActionCandidate `json:"added,omitempty"`
	Updated []CandidateDelta  `json:"updated,omitempty"`
}

// IsEmpty reports whether a delta carries no changes at all, in which case
// the perception engine must not emit it.
func (d DeltaMessage) IsEmpty() bool {
	return len(d.Removed) == 0 && len(d.Added) == 0 && len(d.Updated) == 0
}

// PointerMessage reports the last-known global pointer state (spec §4.4,
// §9 open question: this is process-wide, not per tab).
type PointerMessage struct {
	Type    MessageType `json:"type"`
	X       int         `json:"x"`
	Y       int         `json:"y"`
	Buttons int         `json:"buttons"`
}

// EventName enumerates the modal/menu lifecycle events the engine emits.
type EventName string

const (
	EventModalOpened EventName = "modal_opened"
	EventModalClosed EventName = "modal_closed"
	EventMenuOpened  EventName = "menu_opened"
	EventMenuClosed  EventName = "menu_closed"
)

// EventMessage reports a modal/menu lifecycle transition detected by the
// perception engine's subtree observer.
type EventMessage struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tabId"`
	Name  EventName   `json:"name"`
}

// HeartbeatMessage is sent by the agent transport every heartbeat interval
// while the socket is open.
type HeartbeatMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// AckMessage wraps a CommandAck for transit; TabID lets the gateway route it
// even though CommandID alone is sufficient for correlation.
type AckMessage struct {
	Type       MessageType `json:"type"`
	TabID      string      `json:"tabId,omitempty"`
	CommandAck CommandAck  `json:"ack"`
}

// RequestSnapshotMessage forces the agent to emit a fresh full snapshot,
// bypassing the debounce timer.
type RequestSnapshotMessage struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tabId"`
}

// SubscribeMessage asks the gateway to narrow (or clear) this controller
// connection's telemetry feed to one tab.
type SubscribeMessage struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tabId,omitempty"`
}

// ListTabsMessage requests a summary of every tracked tab.
type ListTabsMessage struct {
	Type MessageType `json:"type"`
}

// QueryMessage runs the candidate search semantics of §4.3 against a tab.
type QueryMessage struct {
	Type    MessageType `json:"type"`
	TabID   string      `json:"tabId"`
	Search  string      `json:"search,omitempty"`
	Filters Filters     `json:"filters,omitempty"`
}

// ActMessage submits a Command for execution via the gateway's command
// pipeline (§4.5).
type ActMessage struct {
	Type    MessageType `json:"type"`
	Command Command     `json:"command"`
}

// NavigateMessage asks the remote-debugging collaborator to navigate the
// browser to URL.
type NavigateMessage struct {
	Type MessageType `json:"type"`
	URL  string      `json:"url"`
}

// CDPTypeMessage asks the remote-debugging collaborator to synthesize raw
// keystrokes, bypassing any element lookup.
type CDPTypeMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// CDPKeyMessage asks the remote-debugging collaborator to press a single
// named key (e.g. "Enter", "Tab").
type CDPKeyMessage struct {
	Type MessageType `json:"type"`
	Key  string      `json:"key"`
}

// CDPEvalMessage asks the remote-debugging collaborator to evaluate a raw
// JavaScript expression in the page and return its value.
type CDPEvalMessage struct {
	Type       MessageType `json:"type"`
	Expression string      `json:"expression"`
}

// TabSummary is the per-tab status surfaced by list_tabs and GET /tabs.
type TabSummary struct {
	TabID          string   `json:"tabId"`
	URL            string   `json:"url"`
	CandidateCount int      `json:"candidateCount"`
	Viewport       Viewport `json:"viewport"`
	LastUpdate     int64    `json:"lastUpdate"`
}

// TabsResultMessage answers list_tabs.
type TabsResultMessage struct {
	Type MessageType  `json:"type"`
	Tabs []TabSummary `json:"tabs"`
}

// CandidatesResultMessage answers a query request.
type CandidatesResultMessage struct {
	Type    MessageType       `json:"type"`
	TabID   string            `json:"tabId"`
	Matches []ActionCandidate `json:"matches"`
}

// SubscribedResultMessage confirms a subscribe request.
type SubscribedResultMessage struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tabId,omitempty"`
}

// NavigateResultMessage answers a navigate request.
type NavigateResultMessage struct {
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
}

// CDPStatusResultMessage answers a cdp_status request.
type CDPStatusResultMessage struct {
	Type      MessageType `json:"type"`
	Connected bool        `json:"connected"`
	URL       string      `json:"url,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// CDPTypeResultMessage answers a cdp_type request.
type CDPTypeResultMessage struct {
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
}

// CDPKeyResultMessage answers a cdp_key request.
type CDPKeyResultMessage struct {
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
}

// CDPEvalResultMessage answers a cdp_eval request.
type CDPEvalResultMessage struct {
	Type  MessageType `json:"type"`
	Value interface{} `json:"value,omitempty"`
	Error string      `json:"error,omitempty"`
}

// ErrorMessage reports a malformed or unroutable request back to its sender.
type ErrorMessage struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

// Decode sniffs raw's "type" field and returns Type plus the still-undecoded
// payload, so callers can switch on Type before unmarshaling into the
// concrete struct.
func Decode(raw []byte) (MessageType, []byte, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("decode envelope: missing type discriminator")
	}
	return env.Type, raw, nil
}
