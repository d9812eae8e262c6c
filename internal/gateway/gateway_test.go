package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"actionplane/internal/policy"
	"actionplane/internal/protocol"
	"actionplane/internal/worldstate"
)

func newTestGateway(t *testing.T) (*Gateway, string, func()) {
	t.Helper()
	gw := New(worldstate.NewStore(), policy.NewEngine(policy.NewConfig(), nil))
	mux := http.NewServeMux()
	gw.RegisterHTTP(mux)
	srv := httptest.NewServer(mux)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return gw, wsURL, srv.Close
}

func dialAgent(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/agent", nil)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	return conn
}

func dialController(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/controller", nil)
	if err != nil {
		t.Fatalf("dial controller: %v", err)
	}
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readTyped(t *testing.T, conn *websocket.Conn, want protocol.MessageType) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read (want %s): %v", want, err)
		}
		msgType, _, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msgType == want {
			return raw
		}
	}
}

// TestHelloSnapshotListTabs exercises the §4.5 path an agent's hello and
// snapshot take through world state and back out in answer to a
// controller's list_tabs request.
func TestHelloSnapshotListTabs(t *testing.T) {
	_, wsURL, closeSrv := newTestGateway(t)
	defer closeSrv()

	agentConn := dialAgent(t, wsURL)
	defer agentConn.Close()

	viewport := protocol.Viewport{Width: 1280, Height: 720}
	sendJSON(t, agentConn, protocol.HelloMessage{Type: protocol.MsgHello, TabID: "tab-1", URL: "https://example.com", Viewport: viewport})
	sendJSON(t, agentConn, protocol.SnapshotMessage{
		Type:     protocol.MsgSnapshot,
		TabID:    "tab-1",
		URL:      "https://example.com",
		Viewport: viewport,
		Candidates: []protocol.ActionCandidate{
			{ID: "e_0", Role: "button", Tag: "button", Name: "Submit"},
		},
	})

	// give the gateway's read loop a moment to apply both frames.
	time.Sleep(100 * time.Millisecond)

	controllerConn := dialController(t, wsURL)
	defer controllerConn.Close()

	sendJSON(t, controllerConn, protocol.Envelope{Type: protocol.MsgListTabs})
	raw := readTyped(t, controllerConn, protocol.MsgTabs)

	var resp protocol.TabsResultMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal tabs result: %v", err)
	}
	if len(resp.Tabs) != 1 || resp.Tabs[0].TabID != "tab-1" {
		t.Fatalf("expected one tab tab-1, got %+v", resp.Tabs)
	}
	if resp.Tabs[0].CandidateCount != 1 {
		t.Fatalf("expected candidateCount 1, got %d", resp.Tabs[0].CandidateCount)
	}
}

// TestQueryMatchesByCandidateName checks that a controller query reaches
// perception.Search against the world state the agent populated.
func TestQueryMatchesByCandidateName(t *testing.T) {
	_, wsURL, closeSrv := newTestGateway(t)
	defer closeSrv()

	agentConn := dialAgent(t, wsURL)
	defer agentConn.Close()

	viewport := protocol.Viewport{Width: 1280, Height: 720}
	sendJSON(t, agentConn, protocol.HelloMessage{Type: protocol.MsgHello, TabID: "tab-1", URL: "https://example.com", Viewport: viewport})
	sendJSON(t, agentConn, protocol.SnapshotMessage{
		Type: protocol.MsgSnapshot, TabID: "tab-1", URL: "https://example.com", Viewport: viewport,
		Candidates: []protocol.ActionCandidate{
			{ID: "e_0", Role: "button", Tag: "button", Name: "Submit order"},
			{ID: "e_1", Role: "link", Tag: "a", Name: "Home"},
		},
	})
	time.Sleep(100 * time.Millisecond)

	controllerConn := dialController(t, wsURL)
	defer controllerConn.Close()

	sendJSON(t, controllerConn, protocol.QueryMessage{Type: protocol.MsgQuery, TabID: "tab-1", Search: "submit"})
	raw := readTyped(t, controllerConn, protocol.MsgCandidates)

	var resp protocol.CandidatesResultMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal candidates result: %v", err)
	}
	if len(resp.Matches) != 1 || resp.Matches[0].ID != "e_0" {
		t.Fatalf("expected match e_0 only, got %+v", resp.Matches)
	}
}

// TestActAcksAcrossAgentAndController drives a full act/ack correlation: a
// controller's act reaches the agent as a raw Command frame, and the
// agent's matching ack resolves only the issuing controller's pending-command
// waiter — never the telemetry broadcast path.
func TestActAcksAcrossAgentAndController(t *testing.T) {
	_, wsURL, closeSrv := newTestGateway(t)
	defer closeSrv()

	agentConn := dialAgent(t, wsURL)
	defer agentConn.Close()
	sendJSON(t, agentConn, protocol.HelloMessage{Type: protocol.MsgHello, TabID: "tab-1", URL: "https://example.com"})
	time.Sleep(50 * time.Millisecond)

	controllerConn := dialController(t, wsURL)
	defer controllerConn.Close()

	cmd := protocol.Command{Type: protocol.CmdClick, TabID: "tab-1", ID: "e_0"}
	sendJSON(t, controllerConn, protocol.ActMessage{Type: protocol.MsgAct, Command: cmd})

	// The gateway writes the raw Command straight to the agent connection;
	// read it back, recover the minted commandId, and ack it.
	agentConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, agentRaw, err := agentConn.ReadMessage()
	if err != nil {
		t.Fatalf("agent read command: %v", err)
	}
	var forwarded protocol.Command
	if err := json.Unmarshal(agentRaw, &forwarded); err != nil {
		t.Fatalf("unmarshal forwarded command: %v", err)
	}
	if forwarded.CommandID == "" {
		t.Fatal("expected gateway to mint a commandId")
	}

	sendJSON(t, agentConn, protocol.AckMessage{Type: protocol.MsgAck, TabID: "tab-1", CommandAck: protocol.OK(forwarded.CommandID)})

	raw := readTyped(t, controllerConn, protocol.MsgAck)
	var ackResp protocol.AckMessage
	if err := json.Unmarshal(raw, &ackResp); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ackResp.CommandAck.Status != protocol.AckOK {
		t.Fatalf("expected ok ack, got %+v", ackResp.CommandAck)
	}

	// The ack must resolve exactly once: no second frame (e.g. a broadcast
	// duplicate of the same ack) should follow on this connection.
	controllerConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, dup, err := controllerConn.ReadMessage(); err == nil {
		t.Fatalf("expected no further frames after the ack, got %s", dup)
	}
}

// TestActFailsWithoutAgent checks the no-agent-connected path returns a
// synthesized failure ack rather than hanging the controller.
func TestActFailsWithoutAgent(t *testing.T) {
	_, wsURL, closeSrv := newTestGateway(t)
	defer closeSrv()

	controllerConn := dialController(t, wsURL)
	defer controllerConn.Close()

	cmd := protocol.Command{Type: protocol.CmdClick, TabID: "tab-1", ID: "e_0"}
	sendJSON(t, controllerConn, protocol.ActMessage{Type: protocol.MsgAct, Command: cmd})

	raw := readTyped(t, controllerConn, protocol.MsgAck)
	var ackResp protocol.AckMessage
	if err := json.Unmarshal(raw, &ackResp); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ackResp.CommandAck.Status != protocol.AckFail {
		t.Fatalf("expected fail ack with no agent connected, got %+v", ackResp.CommandAck)
	}
}

// TestPolicyDeniesBlockedAction verifies a command matching a blocked
// action-name pattern is answered with a fail ack.
func TestPolicyDeniesBlockedAction(t *testing.T) {
	gw, wsURL, closeSrv := newTestGateway(t)
	defer closeSrv()

	agentConn := dialAgent(t, wsURL)
	defer agentConn.Close()
	sendJSON(t, agentConn, protocol.HelloMessage{Type: protocol.MsgHello, TabID: "tab-1", URL: "https://example.com"})
	sendJSON(t, agentConn, protocol.SnapshotMessage{
		Type: protocol.MsgSnapshot, TabID: "tab-1", URL: "https://example.com",
		Candidates: []protocol.ActionCandidate{{ID: "e_0", Role: "button", Tag: "button", Name: "Checkout"}},
	})
	time.Sleep(100 * time.Millisecond)

	if !gw.Policy.Config().BlockPaymentActions {
		t.Fatal("expected default policy to block payment actions")
	}

	controllerConn := dialController(t, wsURL)
	defer controllerConn.Close()

	cmd := protocol.Command{Type: protocol.CmdClick, TabID: "tab-1", ID: "e_0"}
	sendJSON(t, controllerConn, protocol.ActMessage{Type: protocol.MsgAct, Command: cmd})

	raw := readTyped(t, controllerConn, protocol.MsgAck)
	var ackResp protocol.AckMessage
	if err := json.Unmarshal(raw, &ackResp); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ackResp.CommandAck.Status != protocol.AckFail {
		t.Fatalf("expected a blocked payment action to fail, got %+v", ackResp.CommandAck)
	}
}

// TestMalformedFrameDoesNotCloseConnection checks spec.md §7's resilience
// requirement: neither link drops the connection on an invalid frame, and
// the controller link answers with an error message instead.
func TestMalformedFrameDoesNotCloseConnection(t *testing.T) {
	_, wsURL, closeSrv := newTestGateway(t)
	defer closeSrv()

	controllerConn := dialController(t, wsURL)
	defer controllerConn.Close()

	if err := controllerConn.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	raw := readTyped(t, controllerConn, protocol.MsgError)
	var errResp protocol.ErrorMessage
	if err := json.Unmarshal(raw, &errResp); err != nil {
		t.Fatalf("unmarshal error message: %v", err)
	}
	if errResp.Reason == "" {
		t.Fatal("expected a non-empty error reason")
	}

	// the connection must still be alive: list_tabs should still answer.
	sendJSON(t, controllerConn, protocol.Envelope{Type: protocol.MsgListTabs})
	readTyped(t, controllerConn, protocol.MsgTabs)
}

// TestCDPStatusWithoutCollaborator confirms the gateway reports a clean
// failure rather than panicking when no RemoteDebugger is wired.
func TestCDPStatusWithoutCollaborator(t *testing.T) {
	_, wsURL, closeSrv := newTestGateway(t)
	defer closeSrv()

	controllerConn := dialController(t, wsURL)
	defer controllerConn.Close()

	sendJSON(t, controllerConn, protocol.Envelope{Type: protocol.MsgCDPStatus})
	raw := readTyped(t, controllerConn, protocol.MsgCDPStatusResult)

	var resp protocol.CDPStatusResultMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal cdp status result: %v", err)
	}
	if resp.Connected {
		t.Fatal("expected Connected=false with no collaborator configured")
	}
	if resp.Error == "" {
		t.Fatal("expected a non-empty error explaining the missing collaborator")
	}
}

// TestStatusHTTPEndpoint exercises the plain HTTP read surface end to end.
func TestStatusHTTPEndpoint(t *testing.T) {
	_, wsURL, closeSrv := newTestGateway(t)
	defer closeSrv()
	httpURL := "http" + strings.TrimPrefix(wsURL, "ws")

	resp, err := http.Get(httpURL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.AgentCount != 0 || status.ControllerCount != 0 {
		t.Fatalf("expected a fresh gateway to report zero connections, got %+v", status)
	}
}
