package gateway

import (
	"context"
	"encoding/json"
	"time"

	"actionplane/internal/protocol"
)

// ExecuteCommand runs the five-step command pipeline of spec.md §4.5 for
// an `act` request and returns the final ack. Every resolution path
// (policy, no-agent, transport, timeout, success) is exactly-once.
func (g *Gateway) ExecuteCommand(ctx context.Context, cmd protocol.Command) protocol.CommandAck {
	if cmd.CommandID == "" {
		cmd.CommandID = protocol.NewCommandID()
	}

	tab, ok := g.World.Tab(cmd.TabID)
	tabURL := ""
	if ok {
		tabURL = tab.URL
	}
	candidateName := g.lookupCandidateName(cmd.TabID, cmd.ID)

	decision := g.Policy.Evaluate(cmd.CommandID, string(cmd.Type), cmd.TabID, tabURL, candidateName, time.Now())
	if !decision.Allowed {
		return protocol.Fail(cmd.CommandID, decision.Reason)
	}

	agent := g.firstAgent()
	if agent == nil {
		return protocol.Fail(cmd.CommandID, (&protocol.NoAgentError{}).Error())
	}

	resultCh := make(chan protocol.CommandAck, 1)
	pc := &pendingCommand{resultCh: resultCh}

	g.pendingMu.Lock()
	g.pending[cmd.CommandID] = pc
	pc.timer = time.AfterFunc(CommandTimeout, func() { g.resolveTimeout(cmd.CommandID) })
	g.pendingMu.Unlock()

	raw, err := json.Marshal(cmd)
	if err != nil {
		g.dropPending(cmd.CommandID)
		return protocol.Fail(cmd.CommandID, "internal error: "+err.Error())
	}
	if err := agent.writeRaw(raw); err != nil {
		g.resolveTransportError(cmd.CommandID, err)
	}

	select {
	case ack := <-resultCh:
		return ack
	case <-ctx.Done():
		g.dropPending(cmd.CommandID)
		return protocol.Fail(cmd.CommandID, ctx.Err().Error())
	}
}

// lookupCandidateName resolves id's Name within tabID's current candidate
// set, or "" if unknown, for the Policy action-name-pattern check.
func (g *Gateway) lookupCandidateName(tabID, id string) string {
	if id == "" {
		return ""
	}
	name, ok := g.World.CandidateName(tabID, id)
	if !ok {
		return ""
	}
	return name
}

// resolveAck is called when an inbound ack frame carries a recorded
// commandId: it cancels the timer and resolves the waiter exactly once.
func (g *Gateway) resolveAck(ack protocol.CommandAck) {
	g.pendingMu.Lock()
	pc, ok := g.pending[ack.CommandID]
	if ok {
		delete(g.pending, ack.CommandID)
	}
	g.pendingMu.Unlock()

	if !ok {
		// Either already resolved (timeout) or a duplicate redelivery after
		// reconnect; per spec.md §9, silently dropped.
		return
	}
	pc.timer.Stop()
	pc.resultCh <- ack
}

func (g *Gateway) resolveTimeout(commandID string) {
	g.pendingMu.Lock()
	pc, ok := g.pending[commandID]
	if ok {
		delete(g.pending, commandID)
	}
	g.pendingMu.Unlock()

	if !ok {
		return
	}
	pc.resultCh <- protocol.Fail(commandID, (&protocol.TimeoutError{}).Error())
}

func (g *Gateway) resolveTransportError(commandID string, cause error) {
	g.pendingMu.Lock()
	pc, ok := g.pending[commandID]
	if ok {
		delete(g.pending, commandID)
	}
	g.pendingMu.Unlock()

	if !ok {
		return
	}
	pc.timer.Stop()
	pc.resultCh <- protocol.Fail(commandID, (&protocol.TransportError{Cause: cause}).Error())
}

func (g *Gateway) dropPending(commandID string) {
	g.pendingMu.Lock()
	pc, ok := g.pending[commandID]
	if ok {
		delete(g.pending, commandID)
	}
	g.pendingMu.Unlock()
	if ok {
		pc.timer.Stop()
	}
}
