package controllerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"actionplane/internal/protocol"
)

var testUpgrader = websocket.Upgrader{}

// newFixtureServer starts a websocket endpoint that replies to every
// decoded request type with a canned response, driven by handler.
func newFixtureServer(t *testing.T, handler func(conn *websocket.Conn, msgType protocol.MessageType, raw []byte)) (wsURL string, closeFn func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgType, _, err := protocol.Decode(raw)
			if err != nil {
				continue
			}
			handler(conn, msgType, raw)
		}
	}))
	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, srv.Close
}

func TestClientListTabs(t *testing.T) {
	url, closeFn := newFixtureServer(t, func(conn *websocket.Conn, msgType protocol.MessageType, raw []byte) {
		if msgType != protocol.MsgListTabs {
			return
		}
		reply, _ := json.Marshal(protocol.TabsResultMessage{
			Type: protocol.MsgTabs,
			Tabs: []protocol.TabSummary{{TabID: "1", URL: "https://a/", CandidateCount: 3}},
		})
		conn.WriteMessage(websocket.TextMessage, reply)
	})
	defer closeFn()

	c := New(url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	tabs, err := c.ListTabs(ctx)
	if err != nil {
		t.Fatalf("ListTabs: %v", err)
	}
	if len(tabs) != 1 || tabs[0].TabID != "1" || tabs[0].CandidateCount != 3 {
		t.Fatalf("unexpected tabs: %+v", tabs)
	}
}

func TestClientActCorrelatesByCommandID(t *testing.T) {
	url, closeFn := newFixtureServer(t, func(conn *websocket.Conn, msgType protocol.MessageType, raw []byte) {
		if msgType != protocol.MsgAct {
			return
		}
		var msg protocol.ActMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		reply, _ := json.Marshal(protocol.AckMessage{
			Type:       protocol.MsgAck,
			TabID:      msg.Command.TabID,
			CommandAck: protocol.OK(msg.Command.CommandID),
		})
		conn.WriteMessage(websocket.TextMessage, reply)
	})
	defer closeFn()

	c := New(url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	ack, err := c.Act(ctx, protocol.Command{Type: protocol.CmdClick, CommandID: "cmd_1", TabID: "tab-1", ID: "a_0"})
	if err != nil {
		t.Fatalf("Act: %v", err)
	}
	if ack.CommandID != "cmd_1" || ack.Status != protocol.AckOK {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestClientActRequiresCommandID(t *testing.T) {
	c := New("ws://unused")
	if _, err := c.Act(context.Background(), protocol.Command{Type: protocol.CmdClick}); err == nil {
		t.Error("expected error for command missing CommandID")
	}
}

func TestClientPublishesTelemetry(t *testing.T) {
	url, closeFn := newFixtureServer(t, func(conn *websocket.Conn, msgType protocol.MessageType, raw []byte) {
		if msgType != protocol.MsgSubscribe {
			return
		}
		snap, _ := json.Marshal(protocol.SnapshotMessage{Type: protocol.MsgSnapshot, TabID: "tab-1", URL: "https://a/"})
		conn.WriteMessage(websocket.TextMessage, snap)
	})
	defer closeFn()

	c := New(url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if err := c.send(protocol.SubscribeMessage{Type: protocol.MsgSubscribe, TabID: "tab-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case telem := <-c.Events():
		if telem.Type != protocol.MsgSnapshot || telem.Snapshot == nil || telem.Snapshot.TabID != "tab-1" {
			t.Fatalf("unexpected telemetry: %+v", telem)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telemetry")
	}
}
