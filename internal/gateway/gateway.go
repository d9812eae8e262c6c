// Package gateway implements the broker between the in-page perception
// agent and the external controller: websocket endpoints for both, the
// command correlation pipeline, and an HTTP read surface, per spec.md
// §4.5.
package gateway

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"actionplane/internal/mangle"
	"actionplane/internal/policy"
	"actionplane/internal/protocol"
	"actionplane/internal/worldstate"
)

// CommandTimeout is how long the gateway waits for an agent ack before
// synthesizing a fail(timeout).
const CommandTimeout = 30 * time.Second

// AuditQuerier exposes read access to the policy audit trail backing
// GET /audit. *mangle.Engine satisfies this without any adapter; Gateway
// only needs the read half, so it depends on the narrow interface rather
// than the whole Engine.
type AuditQuerier interface {
	FactsByPredicate(predicate string) []mangle.Fact
}

// Gateway owns the world state, the pending-command table, the policy
// engine, and every open agent/controller connection.
type Gateway struct {
	World  *worldstate.Store
	Policy *policy.Engine
	CDP    RemoteDebugger
	Audit  AuditQuerier

	upgrader websocket.Upgrader

	mu          sync.Mutex
	agents      []*agentConn // outbound commands always target agents[0]
	tabOwner    map[string]*agentConn
	controllers map[*controllerConn]struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingCommand
}

type pendingCommand struct {
	resultCh chan protocol.CommandAck
	timer    *time.Timer
	done     bool
}

// New constructs a Gateway. A nil policy.Engine is replaced with one using
// spec.md §6 defaults and no audit sink.
func New(world *worldstate.Store, pol *policy.Engine) *Gateway {
	if world == nil {
		world = worldstate.NewStore()
	}
	if pol == nil {
		pol = policy.NewEngine(policy.NewConfig(), nil)
	}
	return &Gateway{
		World:       world,
		Policy:      pol,
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		tabOwner:    make(map[string]*agentConn),
		controllers: make(map[*controllerConn]struct{}),
		pending:     make(map[string]*pendingCommand),
	}
}

// newConnID mints an internal websocket-connection identifier, distinct
// from protocol commandId/elementId.
func newConnID() string { return uuid.NewString() }

// broadcast fans a telemetry/ack frame out to every controller whose
// subscribedTabId is unset or matches tabID (spec.md §4.5 broadcast
// filter).
func (g *Gateway) broadcast(tabID string, payload interface{}) {
	g.mu.Lock()
	targets := make([]*controllerConn, 0, len(g.controllers))
	for c := range g.controllers {
		c.mu.Lock()
		sub := c.subscribedTabID
		c.mu.Unlock()
		if sub == "" || sub == tabID {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()

	for _, c := range targets {
		c.send(payload)
	}
}

// firstAgent returns the outbound-target agent connection, if any is open.
func (g *Gateway) firstAgent() *agentConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.agents) == 0 {
		return nil
	}
	return g.agents[0]
}

// registerAgent adds a newly-upgraded agent connection as an outbound
// candidate.
func (g *Gateway) registerAgent(ac *agentConn) {
	g.mu.Lock()
	g.agents = append(g.agents, ac)
	g.mu.Unlock()
}

// unregisterAgent removes a closed agent connection and releases any tab
// ids it owned.
func (g *Gateway) unregisterAgent(ac *agentConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, a := range g.agents {
		if a == ac {
			g.agents = append(g.agents[:i], g.agents[i+1:]...)
			break
		}
	}
	for tabID, owner := range g.tabOwner {
		if owner == ac {
			delete(g.tabOwner, tabID)
		}
	}
}

// claimTab registers ac as the owner of tabID, per the concurrent-agents
// open-question decision: a hello for a tab id already owned by a
// different open connection is rejected.
func (g *Gateway) claimTab(ac *agentConn, tabID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if owner, ok := g.tabOwner[tabID]; ok && owner != ac {
		return &protocol.MalformedMessageError{Reason: "tab id already owned by another agent connection: " + tabID}
	}
	g.tabOwner[tabID] = ac
	return nil
}

func (g *Gateway) registerController(cc *controllerConn) {
	g.mu.Lock()
	g.controllers[cc] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) unregisterController(cc *controllerConn) {
	g.mu.Lock()
	delete(g.controllers, cc)
	g.mu.Unlock()
}

// StatusReport is the read-only payload GET /status returns.
type StatusReport struct {
	AgentCount      int                       `json:"agentCount"`
	ControllerCount int                       `json:"controllerCount"`
	Tabs            []protocol.TabSummary     `json:"tabs"`
	Policy          policy.Config             `json:"policy"`
	RateLimit       policy.RateLimitCounters  `json:"rateLimit"`
}

// Status assembles the current StatusReport.
func (g *Gateway) Status() StatusReport {
	g.mu.Lock()
	agentCount := len(g.agents)
	controllerCount := len(g.controllers)
	g.mu.Unlock()

	return StatusReport{
		AgentCount:      agentCount,
		ControllerCount: controllerCount,
		Tabs:            g.World.Tabs(),
		Policy:          g.Policy.Config(),
		RateLimit:       g.Policy.RateLimitStatus(time.Now()),
	}
}

func logDropped(kind string, err error) {
	log.Printf("[gateway] dropping malformed %s frame: %v", kind, err)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
