package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"actionplane/internal/protocol"
)

// agentConn wraps the gateway's one (expected) websocket link to a
// perception agent. A write mutex serializes outbound commands against
// concurrent dispatch.
type agentConn struct {
	id   string
	gw   *Gateway
	conn *websocket.Conn
	mu   sync.Mutex
}

// ServeAgent upgrades r into the agent websocket endpoint and services it
// until the connection closes.
func (g *Gateway) ServeAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] agent upgrade failed: %v", err)
		return
	}

	ac := &agentConn{id: newConnID(), gw: g, conn: conn}
	g.registerAgent(ac)
	defer g.unregisterAgent(ac)

	log.Printf("[gateway] agent connected: %s", ac.id)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[gateway] agent %s disconnected: %v", ac.id, err)
			conn.Close()
			return
		}
		ac.handleFrame(raw)
	}
}

// writeRaw sends an already-encoded frame to the agent, serialized against
// other concurrent writers.
func (a *agentConn) writeRaw(raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, raw)
}

// handleFrame parses one inbound agent frame in isolation: a malformed
// frame is logged and dropped, never kills the connection (spec.md §7).
func (a *agentConn) handleFrame(raw []byte) {
	msgType, _, err := protocol.Decode(raw)
	if err != nil {
		logDropped("agent", err)
		return
	}

	switch msgType {
	case protocol.MsgAck:
		var msg protocol.AckMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("ack", err)
			return
		}
		a.gw.resolveAck(msg.CommandAck)

	case protocol.MsgHello:
		var msg protocol.HelloMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("hello", err)
			return
		}
		if err := a.gw.claimTab(a, msg.TabID); err != nil {
			logDropped("hello", err)
			return
		}
		a.gw.World.Hello(msg, nowMillis())
		a.gw.broadcast(msg.TabID, msg)

	case protocol.MsgSnapshot:
		var msg protocol.SnapshotMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("snapshot", err)
			return
		}
		a.gw.World.Snapshot(msg, nowMillis())
		a.gw.broadcast(msg.TabID, msg)

	case protocol.MsgDelta:
		var msg protocol.DeltaMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("delta", err)
			return
		}
		if msg.IsEmpty() {
			return
		}
		a.gw.World.Delta(msg, nowMillis())
		a.gw.broadcast(msg.TabID, msg)

	case protocol.MsgPointer:
		var msg protocol.PointerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("pointer", err)
			return
		}
		a.gw.World.UpdatePointer(msg.X, msg.Y, msg.Buttons)

	case protocol.MsgEvent:
		var msg protocol.EventMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("event", err)
			return
		}
		a.gw.broadcast(msg.TabID, msg)

	case protocol.MsgHeartbeat:
		// no action; presence alone keeps the connection considered live.

	default:
		logDropped("agent", &protocol.MalformedMessageError{Reason: "unrecognized type: " + string(msgType)})
	}
}
