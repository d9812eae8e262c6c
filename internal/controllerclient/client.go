// Package controllerclient implements the controller's one websocket link
// to the gateway: request/response correlation, telemetry subscription, and
// convenience wrappers for every controller request in spec.md §6
// (list_tabs, query, act, navigate, cdp_status, cdp_type, cdp_key, cdp_eval).
// Both cmd/controller's REPL and its optional MCP tool surface are built on
// top of this one Client, the same way the teacher's MCP tools all sat on
// top of one shared session/reasoning backend.
package controllerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"actionplane/internal/protocol"
)

// DefaultRequestTimeout bounds how long a request/response convenience
// method waits for its matching reply before returning an error; act's own
// 30s command timeout is enforced gateway-side (spec.md §6) and is given
// headroom here rather than duplicated.
const DefaultRequestTimeout = 35 * time.Second

// Telemetry is anything the gateway pushes to a controller connection
// without being asked: snapshots, deltas, and lifecycle events. Heartbeat
// frames are discarded and never surface as Telemetry.
type Telemetry struct {
	Type     protocol.MessageType
	Snapshot *protocol.SnapshotMessage
	Delta    *protocol.DeltaMessage
	Event    *protocol.EventMessage
}

// Client owns one controller websocket connection to the gateway.
type Client struct {
	url  string
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[protocol.MessageType]chan []byte
	acks    map[string]chan protocol.CommandAck

	events chan Telemetry
}

// New constructs a Client for the gateway's controller endpoint at url
// (e.g. "ws://localhost:9333/controller").
func New(url string) *Client {
	return &Client{
		url:     url,
		pending: make(map[protocol.MessageType]chan []byte),
		acks:    make(map[string]chan protocol.CommandAck),
		events:  make(chan Telemetry, 64),
	}
}

// Connect dials the gateway and starts the inbound read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial controller endpoint: %w", err)
	}
	c.conn = conn
	go c.readLoop()
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Events returns the channel telemetry frames (snapshot, delta, event) are
// published on. Callers that never subscribe to a tab can ignore it.
func (c *Client) Events() <-chan Telemetry {
	return c.events
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("[controllerclient] read error, connection closed: %v", err)
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Client) handleFrame(raw []byte) {
	msgType, _, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("[controllerclient] dropping malformed frame: %v", err)
		return
	}

	switch msgType {
	case protocol.MsgAck:
		var msg protocol.AckMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[controllerclient] malformed ack: %v", err)
			return
		}
		c.routeAck(msg.CommandAck)

	case protocol.MsgSnapshot:
		var msg protocol.SnapshotMessage
		if err := json.Unmarshal(raw, &msg); err == nil {
			c.publish(Telemetry{Type: msgType, Snapshot: &msg})
		}

	case protocol.MsgDelta:
		var msg protocol.DeltaMessage
		if err := json.Unmarshal(raw, &msg); err == nil {
			c.publish(Telemetry{Type: msgType, Delta: &msg})
		}

	case protocol.MsgEvent:
		var msg protocol.EventMessage
		if err := json.Unmarshal(raw, &msg); err == nil {
			c.publish(Telemetry{Type: msgType, Event: &msg})
		}

	case protocol.MsgHeartbeat:
		// Gateway-originated heartbeats aren't expected on this link today;
		// tolerated rather than logged as malformed.

	default:
		c.routePending(msgType, raw)
	}
}

func (c *Client) publish(t Telemetry) {
	select {
	case c.events <- t:
	default:
		log.Printf("[controllerclient] dropping telemetry frame, events channel full")
	}
}

func (c *Client) routeAck(ack protocol.CommandAck) {
	c.mu.Lock()
	ch, ok := c.acks[ack.CommandID]
	if ok {
		delete(c.acks, ack.CommandID)
	}
	c.mu.Unlock()
	if ok {
		ch <- ack
	}
}

func (c *Client) routePending(msgType protocol.MessageType, raw []byte) {
	c.mu.Lock()
	ch, ok := c.pending[msgType]
	if ok {
		delete(c.pending, msgType)
	}
	c.mu.Unlock()
	if ok {
		ch <- raw
	} else {
		log.Printf("[controllerclient] unsolicited or unrecognized frame: %s", msgType)
	}
}

// awaitResponse registers a one-shot waiter for replyType, sends req, and
// blocks until the reply arrives, ctx is canceled, or DefaultRequestTimeout
// elapses.
func (c *Client) awaitResponse(ctx context.Context, req interface{}, replyType protocol.MessageType) ([]byte, error) {
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.pending[replyType] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, replyType)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case raw := <-ch:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(DefaultRequestTimeout):
		return nil, fmt.Errorf("timed out waiting for %s", replyType)
	}
}

func (c *Client) send(payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Subscribe narrows (or, with tabID == "", clears) this connection's
// telemetry feed to one tab.
func (c *Client) Subscribe(ctx context.Context, tabID string) error {
	raw, err := c.awaitResponse(ctx, protocol.SubscribeMessage{Type: protocol.MsgSubscribe, TabID: tabID}, protocol.MsgSubscribed)
	if err != nil {
		return err
	}
	var msg protocol.SubscribedResultMessage
	return json.Unmarshal(raw, &msg)
}

// ListTabs returns a summary of every tab the gateway tracks.
func (c *Client) ListTabs(ctx context.Context) ([]protocol.TabSummary, error) {
	raw, err := c.awaitResponse(ctx, protocol.ListTabsMessage{Type: protocol.MsgListTabs}, protocol.MsgTabs)
	if err != nil {
		return nil, err
	}
	var msg protocol.TabsResultMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode tabs result: %w", err)
	}
	return msg.Tabs, nil
}

// Query runs a candidate search against one tab.
func (c *Client) Query(ctx context.Context, tabID, search string, filters protocol.Filters) ([]protocol.ActionCandidate, error) {
	req := protocol.QueryMessage{Type: protocol.MsgQuery, TabID: tabID, Search: search, Filters: filters}
	raw, err := c.awaitResponse(ctx, req, protocol.MsgCandidates)
	if err != nil {
		return nil, err
	}
	var msg protocol.CandidatesResultMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode candidates result: %w", err)
	}
	return msg.Matches, nil
}

// Act submits a command for execution and waits for its ack, correlated by
// CommandID rather than by message type since multiple acts can be
// in-flight at once.
func (c *Client) Act(ctx context.Context, cmd protocol.Command) (protocol.CommandAck, error) {
	if cmd.CommandID == "" {
		return protocol.CommandAck{}, fmt.Errorf("command must carry a commandId")
	}

	ch := make(chan protocol.CommandAck, 1)
	c.mu.Lock()
	c.acks[cmd.CommandID] = ch
	c.mu.Unlock()

	if err := c.send(protocol.ActMessage{Type: protocol.MsgAct, Command: cmd}); err != nil {
		c.mu.Lock()
		delete(c.acks, cmd.CommandID)
		c.mu.Unlock()
		return protocol.CommandAck{}, err
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-ctx.Done():
		return protocol.CommandAck{}, ctx.Err()
	case <-time.After(DefaultRequestTimeout):
		return protocol.CommandAck{}, fmt.Errorf("timed out waiting for ack of command %s", cmd.CommandID)
	}
}

// Navigate asks the remote-debugging collaborator to load url.
func (c *Client) Navigate(ctx context.Context, url string) (protocol.NavigateResultMessage, error) {
	raw, err := c.awaitResponse(ctx, protocol.NavigateMessage{Type: protocol.MsgNavigate, URL: url}, protocol.MsgNavigateResult)
	if err != nil {
		return protocol.NavigateResultMessage{}, err
	}
	var msg protocol.NavigateResultMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return protocol.NavigateResultMessage{}, fmt.Errorf("decode navigate result: %w", err)
	}
	return msg, nil
}

// CDPStatus reports whether the remote-debugging collaborator is connected.
func (c *Client) CDPStatus(ctx context.Context) (protocol.CDPStatusResultMessage, error) {
	raw, err := c.awaitResponse(ctx, protocol.Envelope{Type: protocol.MsgCDPStatus}, protocol.MsgCDPStatusResult)
	if err != nil {
		return protocol.CDPStatusResultMessage{}, err
	}
	var msg protocol.CDPStatusResultMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return protocol.CDPStatusResultMessage{}, fmt.Errorf("decode cdp_status result: %w", err)
	}
	return msg, nil
}

// CDPType synthesizes raw keystrokes via the remote-debugging collaborator.
func (c *Client) CDPType(ctx context.Context, text string) (protocol.CDPTypeResultMessage, error) {
	raw, err := c.awaitResponse(ctx, protocol.CDPTypeMessage{Type: protocol.MsgCDPType, Text: text}, protocol.MsgCDPTypeResult)
	if err != nil {
		return protocol.CDPTypeResultMessage{}, err
	}
	var msg protocol.CDPTypeResultMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return protocol.CDPTypeResultMessage{}, fmt.Errorf("decode cdp_type result: %w", err)
	}
	return msg, nil
}

// CDPKey presses one named key via the remote-debugging collaborator.
func (c *Client) CDPKey(ctx context.Context, key string) (protocol.CDPKeyResultMessage, error) {
	raw, err := c.awaitResponse(ctx, protocol.CDPKeyMessage{Type: protocol.MsgCDPKey, Key: key}, protocol.MsgCDPKeyResult)
	if err != nil {
		return protocol.CDPKeyResultMessage{}, err
	}
	var msg protocol.CDPKeyResultMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return protocol.CDPKeyResultMessage{}, fmt.Errorf("decode cdp_key result: %w", err)
	}
	return msg, nil
}

// CDPEval evaluates a raw JavaScript expression via the remote-debugging
// collaborator and returns its decoded value.
func (c *Client) CDPEval(ctx context.Context, expression string) (protocol.CDPEvalResultMessage, error) {
	raw, err := c.awaitResponse(ctx, protocol.CDPEvalMessage{Type: protocol.MsgCDPEval, Expression: expression}, protocol.MsgCDPEvalResult)
	if err != nil {
		return protocol.CDPEvalResultMessage{}, err
	}
	var msg protocol.CDPEvalResultMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return protocol.CDPEvalResultMessage{}, fmt.Errorf("decode cdp_eval result: %w", err)
	}
	return msg, nil
}
