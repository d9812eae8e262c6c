// Package transport implements the agent's one websocket link to the
// gateway: reconnect, heartbeat, outbound queueing with backpressure, and
// inbound command routing to an Executor, per spec.md §4.7.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"actionplane/internal/executor"
	"actionplane/internal/protocol"
)

const (
	// ReconnectInterval is the wait between dial attempts on a closed link.
	ReconnectInterval = 2 * time.Second
	// MaxReconnectAttempts bounds consecutive failures before giving up;
	// a successful open resets the attempt counter.
	MaxReconnectAttempts = 10
	// HeartbeatInterval is how often a heartbeat is sent on an open socket.
	HeartbeatInterval = 5 * time.Second
	// BackpressureThreshold is the queue length beyond which the queue is
	// collapsed to the last 10 snapshot/hello messages.
	BackpressureThreshold = 100
	backpressureKeep      = 10
)

// Executor is the subset of executor.Executor the transport dispatches
// commands to.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.Command) protocol.CommandAck
}

var _ Executor = (*executor.Executor)(nil)

// SnapshotProvider supplies a fresh full snapshot when request_snapshot
// arrives, bypassing the perception engine's debounce.
type SnapshotProvider interface {
	ForceSnapshot(ctx context.Context) (protocol.SnapshotMessage, error)
}

// AgentTransport owns the agent-side websocket connection to the gateway.
type AgentTransport struct {
	url      string
	tabID    string
	executor Executor
	snapshot SnapshotProvider

	mu      sync.Mutex
	conn    *websocket.Conn
	queue   [][]byte
	sendErr error
}

// NewAgentTransport constructs a transport for one tab. url is the
// gateway's agent websocket endpoint.
func NewAgentTransport(url, tabID string, exec Executor, snapshot SnapshotProvider) *AgentTransport {
	return &AgentTransport{
		url:      url,
		tabID:    tabID,
		executor: exec,
		snapshot: snapshot,
	}
}

// Run drives connect/reconnect, heartbeat, and inbound read loops until ctx
// is canceled.
func (t *AgentTransport) Run(ctx context.Context) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
		if err != nil {
			attempts++
			log.Printf("[transport] dial failed (attempt %d/%d): %v", attempts, MaxReconnectAttempts, err)
			if attempts >= MaxReconnectAttempts {
				log.Printf("[transport] giving up after %d attempts", attempts)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(ReconnectInterval):
			}
			continue
		}

		attempts = 0
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		t.drainQueue()
		t.runConnection(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// runConnection services one open connection until it closes or ctx ends.
func (t *AgentTransport) runConnection(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go t.heartbeatLoop(connCtx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[transport] read error, closing connection: %v", err)
			return
		}
		t.handleInbound(connCtx, raw)
	}
}

func (t *AgentTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := protocol.HeartbeatMessage{Type: protocol.MsgHeartbeat, Timestamp: time.Now().UnixMilli()}
			t.Send(hb)
		}
	}
}

func (t *AgentTransport) handleInbound(ctx context.Context, raw []byte) {
	msgType, _, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("[transport] dropping malformed inbound frame: %v", err)
		return
	}

	switch msgType {
	case protocol.MsgRequestSnapshot:
		if t.snapshot == nil {
			return
		}
		snap, err := t.snapshot.ForceSnapshot(ctx)
		if err != nil {
			log.Printf("[transport] force snapshot failed: %v", err)
			return
		}
		t.Send(snap)
	default:
		t.dispatchCommand(ctx, raw)
	}
}

// dispatchCommand handles anything carrying a commandId by running it
// through the Executor and sending back the resulting ack.
func (t *AgentTransport) dispatchCommand(ctx context.Context, raw []byte) {
	var cmd protocol.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		log.Printf("[transport] dropping malformed command frame: %v", err)
		return
	}
	if cmd.CommandID == "" {
		return
	}
	cmd.TabID = t.tabID

	ack := t.executor.Execute(ctx, cmd)
	t.Send(protocol.AckMessage{Type: protocol.MsgAck, TabID: t.tabID, CommandAck: ack})
}

// Send enqueues msg for delivery, stamping its tab id first, and drains
// immediately if the socket is open.
func (t *AgentTransport) Send(msg interface{}) {
	enriched, err := t.enrichWithTabID(msg)
	if err != nil {
		log.Printf("[transport] failed to encode outbound message: %v", err)
		return
	}

	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.enqueueLocked(enriched)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, enriched); err != nil {
		log.Printf("[transport] write failed, re-queueing: %v", err)
		t.mu.Lock()
		t.enqueueLocked(enriched)
		t.mu.Unlock()
	}
}

// enrichWithTabID fills TabID into every outbound message type that carries
// one (hello, snapshot, delta, event, ack) before marshaling; any other
// message is marshaled as given.
func (t *AgentTransport) enrichWithTabID(msg interface{}) ([]byte, error) {
	switch v := msg.(type) {
	case protocol.HelloMessage:
		v.TabID = t.tabID
		return json.Marshal(v)
	case protocol.SnapshotMessage:
		v.TabID = t.tabID
		return json.Marshal(v)
	case protocol.DeltaMessage:
		v.TabID = t.tabID
		return json.Marshal(v)
	case protocol.EventMessage:
		v.TabID = t.tabID
		return json.Marshal(v)
	case protocol.AckMessage:
		v.TabID = t.tabID
		return json.Marshal(v)
	default:
		return json.Marshal(msg)
	}
}

// enqueueLocked appends raw to the outbound queue, applying backpressure
// eviction when the queue exceeds BackpressureThreshold. Caller holds mu.
func (t *AgentTransport) enqueueLocked(raw []byte) {
	t.queue = append(t.queue, raw)
	if len(t.queue) <= BackpressureThreshold {
		return
	}

	kept := make([][]byte, 0, backpressureKeep)
	for i := len(t.queue) - 1; i >= 0 && len(kept) < backpressureKeep; i-- {
		if isHelloOrSnapshot(t.queue[i]) {
			kept = append([][]byte{t.queue[i]}, kept...)
		}
	}
	t.queue = kept
}

func isHelloOrSnapshot(raw []byte) bool {
	msgType, _, err := protocol.Decode(raw)
	if err != nil {
		return false
	}
	return msgType == protocol.MsgHello || msgType == protocol.MsgSnapshot
}

// drainQueue flushes any queued outbound messages in FIFO order over the
// just-opened connection.
func (t *AgentTransport) drainQueue() {
	t.mu.Lock()
	conn := t.conn
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	if conn == nil {
		return
	}
	for _, raw := range pending {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			log.Printf("[transport] drain write failed: %v", err)
			t.mu.Lock()
			t.enqueueLocked(raw)
			t.mu.Unlock()
			return
		}
	}
}

// QueueLen reports the number of outbound messages currently queued,
// exposed for tests and status reporting.
func (t *AgentTransport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
