package gateway

import (
	"context"

	"actionplane/internal/protocol"
)

// RemoteDebugger is the three-operation collaborator spec.md §6 describes:
// the gateway consumes it to serve cdp_* controller requests without
// implementing CDP itself. internal/cdp provides the go-rod-backed
// implementation; tests and a gateway with no second CDP session leave
// Gateway.CDP nil.
type RemoteDebugger interface {
	Navigate(ctx context.Context, url string) error
	TypeText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	Evaluate(ctx context.Context, expression string) (interface{}, error)
	Connected() bool
	CurrentURL() string
}

func (g *Gateway) handleNavigate(c *controllerConn, msg protocol.NavigateMessage) {
	if g.CDP == nil {
		c.send(protocol.NavigateResultMessage{Type: protocol.MsgNavigateResult, Success: false, Error: "no remote-debugging collaborator configured"})
		return
	}
	err := g.CDP.Navigate(context.Background(), msg.URL)
	if err != nil {
		c.send(protocol.NavigateResultMessage{Type: protocol.MsgNavigateResult, Success: false, Error: err.Error()})
		return
	}
	c.send(protocol.NavigateResultMessage{Type: protocol.MsgNavigateResult, Success: true})
}

func (g *Gateway) handleCDPStatus(c *controllerConn) {
	if g.CDP == nil {
		c.send(protocol.CDPStatusResultMessage{Type: protocol.MsgCDPStatusResult, Connected: false, Error: "no remote-debugging collaborator configured"})
		return
	}
	c.send(protocol.CDPStatusResultMessage{Type: protocol.MsgCDPStatusResult, Connected: g.CDP.Connected(), URL: g.CDP.CurrentURL()})
}

func (g *Gateway) handleCDPType(c *controllerConn, msg protocol.CDPTypeMessage) {
	if g.CDP == nil {
		c.send(protocol.CDPTypeResultMessage{Type: protocol.MsgCDPTypeResult, Success: false, Error: "no remote-debugging collaborator configured"})
		return
	}
	if err := g.CDP.TypeText(context.Background(), msg.Text); err != nil {
		c.send(protocol.CDPTypeResultMessage{Type: protocol.MsgCDPTypeResult, Success: false, Error: err.Error()})
		return
	}
	c.send(protocol.CDPTypeResultMessage{Type: protocol.MsgCDPTypeResult, Success: true})
}

func (g *Gateway) handleCDPKey(c *controllerConn, msg protocol.CDPKeyMessage) {
	if g.CDP == nil {
		c.send(protocol.CDPKeyResultMessage{Type: protocol.MsgCDPKeyResult, Success: false, Error: "no remote-debugging collaborator configured"})
		return
	}
	if err := g.CDP.PressKey(context.Background(), msg.Key); err != nil {
		c.send(protocol.CDPKeyResultMessage{Type: protocol.MsgCDPKeyResult, Success: false, Error: err.Error()})
		return
	}
	c.send(protocol.CDPKeyResultMessage{Type: protocol.MsgCDPKeyResult, Success: true})
}

func (g *Gateway) handleCDPEval(c *controllerConn, msg protocol.CDPEvalMessage) {
	if g.CDP == nil {
		c.send(protocol.CDPEvalResultMessage{Type: protocol.MsgCDPEvalResult, Error: "no remote-debugging collaborator configured"})
		return
	}
	value, err := g.CDP.Evaluate(context.Background(), msg.Expression)
	if err != nil {
		c.send(protocol.CDPEvalResultMessage{Type: protocol.MsgCDPEvalResult, Error: err.Error()})
		return
	}
	c.send(protocol.CDPEvalResultMessage{Type: protocol.MsgCDPEvalResult, Value: value})
}
