package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"actionplane/internal/perception"
	"actionplane/internal/protocol"
)

// controllerConn is one open controller websocket connection and its
// narrow-to-one-tab subscription state.
type controllerConn struct {
	id   string
	gw   *Gateway
	conn *websocket.Conn

	mu              sync.Mutex
	subscribedTabID string
}

// ServeController upgrades r into the controller websocket endpoint and
// services requests until the connection closes.
func (g *Gateway) ServeController(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] controller upgrade failed: %v", err)
		return
	}

	cc := &controllerConn{id: newConnID(), gw: g, conn: conn}
	g.registerController(cc)
	defer g.unregisterController(cc)

	log.Printf("[gateway] controller connected: %s", cc.id)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[gateway] controller %s disconnected: %v", cc.id, err)
			conn.Close()
			return
		}
		cc.handleFrame(raw)
	}
}

func (c *controllerConn) send(payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[gateway] failed to encode outbound controller message: %v", err)
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		log.Printf("[gateway] controller %s write failed: %v", c.id, err)
	}
}

func (c *controllerConn) handleFrame(raw []byte) {
	msgType, _, err := protocol.Decode(raw)
	if err != nil {
		logDropped("controller", err)
		c.send(protocol.ErrorMessage{Type: protocol.MsgError, Reason: err.Error()})
		return
	}

	switch msgType {
	case protocol.MsgSubscribe:
		var msg protocol.SubscribeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("subscribe", err)
			return
		}
		c.mu.Lock()
		c.subscribedTabID = msg.TabID
		c.mu.Unlock()
		c.send(protocol.SubscribedResultMessage{Type: protocol.MsgSubscribed, TabID: msg.TabID})

	case protocol.MsgListTabs:
		c.send(protocol.TabsResultMessage{Type: protocol.MsgTabs, Tabs: c.gw.World.Tabs()})

	case protocol.MsgQuery:
		var msg protocol.QueryMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("query", err)
			return
		}
		matches := perception.Search(c.gw.World.Candidates(msg.TabID), msg.Search, msg.Filters)
		c.send(protocol.CandidatesResultMessage{Type: protocol.MsgCandidates, TabID: msg.TabID, Matches: matches})

	case protocol.MsgAct:
		var msg protocol.ActMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("act", err)
			return
		}
		ack := c.gw.ExecuteCommand(context.Background(), msg.Command)
		c.send(protocol.AckMessage{Type: protocol.MsgAck, TabID: msg.Command.TabID, CommandAck: ack})

	case protocol.MsgNavigate:
		var msg protocol.NavigateMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("navigate", err)
			return
		}
		c.gw.handleNavigate(c, msg)

	case protocol.MsgCDPStatus:
		c.gw.handleCDPStatus(c)

	case protocol.MsgCDPType:
		var msg protocol.CDPTypeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("cdp_type", err)
			return
		}
		c.gw.handleCDPType(c, msg)

	case protocol.MsgCDPKey:
		var msg protocol.CDPKeyMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("cdp_key", err)
			return
		}
		c.gw.handleCDPKey(c, msg)

	case protocol.MsgCDPEval:
		var msg protocol.CDPEvalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logDropped("cdp_eval", err)
			return
		}
		c.gw.handleCDPEval(c, msg)

	default:
		logDropped("controller", &protocol.MalformedMessageError{Reason: "unrecognized type: " + string(msgType)})
		c.send(protocol.ErrorMessage{Type: protocol.MsgError, Reason: "unrecognized request type: " + string(msgType)})
	}
}
