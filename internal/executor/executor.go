// Package executor converts protocol.Command values into DOM-level input
// and produces the corresponding protocol.CommandAck, per §4.2.
package executor

import (
	"context"
	"strings"

	"actionplane/internal/perception"
	"actionplane/internal/protocol"
)

// ElementKind classifies a resolved element for command-type validation.
type ElementKind int

const (
	KindUnknown ElementKind = iota
	KindTextInput
	KindMultiOption
	KindOther
)

// DOMActuator is the browser-facing boundary the Executor consumes. A live
// implementation (internal/browserdriver) backs it with go-rod; tests back
// it with an in-memory fake.
type DOMActuator interface {
	// Resolve reports whether id currently maps to a live element and its
	// kind, used both for existence checks and type validation.
	Resolve(ctx context.Context, id string) (ElementKind, bool, error)

	Click(ctx context.Context, id string, button int, modifiers []string, clickCount int) error
	Type(ctx context.Context, id string, text string, mode protocol.TypeMode, clearFirst bool, delayMs int) (value string, err error)
	Hover(ctx context.Context, id string, durationMs int) error
	Scroll(ctx context.Context, dx, dy int, target string) (scrollX, scrollY int, err error)
	Focus(ctx context.Context, id string) error
	Select(ctx context.Context, id string, value string) (value2 string, err error)
	MoveMouse(ctx context.Context, path []Point) error
	Verify(ctx context.Context, id string) (protocol.Verification, error)
}

// CandidateProvider supplies the current candidate set for query commands.
type CandidateProvider interface {
	Candidates() []protocol.ActionCandidate
}

// Executor dispatches commands to a DOMActuator and assembles acks.
type Executor struct {
	actuator   DOMActuator
	candidates CandidateProvider
	lastPoint  Point
}

// New constructs an Executor. The initial pointer origin is the viewport
// center, matching the spec's move_mouse starting point before any pointer
// update has been observed.
func New(actuator DOMActuator, candidates CandidateProvider, viewport protocol.Viewport) *Executor {
	return &Executor{
		actuator:   actuator,
		candidates: candidates,
		lastPoint:  Point{X: viewport.Width / 2, Y: viewport.Height / 2},
	}
}

// SetPointerOrigin overrides the remembered pointer position that the next
// move_mouse path starts from.
func (e *Executor) SetPointerOrigin(p Point) {
	e.lastPoint = p
}

// Execute runs cmd and returns its ack. It never returns an error: every
// failure mode is represented as a fail/verify ack per the spec's error
// propagation rule that every command resolves exactly once.
func (e *Executor) Execute(ctx context.Context, cmd protocol.Command) protocol.CommandAck {
	switch cmd.Type {
	case protocol.CmdClick:
		return e.execClick(ctx, cmd)
	case protocol.CmdType:
		return e.execType(ctx, cmd)
	case protocol.CmdHover:
		return e.execHover(ctx, cmd)
	case protocol.CmdScroll:
		return e.execScroll(ctx, cmd)
	case protocol.CmdFocus:
		return e.execFocus(ctx, cmd)
	case protocol.CmdSelect:
		return e.execSelect(ctx, cmd)
	case protocol.CmdMoveMouse:
		return e.execMoveMouse(ctx, cmd)
	case protocol.CmdQuery:
		return e.execQuery(cmd)
	default:
		return protocol.Fail(cmd.CommandID, "unknown command type: "+string(cmd.Type))
	}
}

func (e *Executor) execClick(ctx context.Context, cmd protocol.Command) protocol.CommandAck {
	if _, ok, err := e.actuator.Resolve(ctx, cmd.ID); err != nil || !ok {
		return protocol.Fail(cmd.CommandID, "unknown element: "+cmd.ID)
	}

	clickCount := cmd.ClickCount
	if clickCount <= 0 {
		clickCount = 1
	}
	if err := e.actuator.Click(ctx, cmd.ID, cmd.Button, cmd.Modifiers, clickCount); err != nil {
		return protocol.Fail(cmd.CommandID, err.Error())
	}
	return e.verifyAck(ctx, cmd.CommandID, cmd.ID)
}

func (e *Executor) execType(ctx context.Context, cmd protocol.Command) protocol.CommandAck {
	kind, ok, err := e.actuator.Resolve(ctx, cmd.ID)
	if err != nil || !ok {
		return protocol.Fail(cmd.CommandID, "unknown element: "+cmd.ID)
	}
	if kind != KindTextInput {
		return protocol.Fail(cmd.CommandID, "invalid target for type: "+cmd.ID)
	}

	mode := cmd.Mode
	if mode == "" {
		mode = protocol.TypeModeAppend
	}
	clearFirst := cmd.ClearFirst || mode == protocol.TypeModeReplace

	value, err := e.actuator.Type(ctx, cmd.ID, cmd.Text, mode, clearFirst, cmd.DelayMillis)
	if err != nil {
		return protocol.Fail(cmd.CommandID, err.Error())
	}
	ack := protocol.OK(cmd.CommandID)
	ack.Value = value
	return ack
}

func (e *Executor) execHover(ctx context.Context, cmd protocol.Command) protocol.CommandAck {
	if _, ok, err := e.actuator.Resolve(ctx, cmd.ID); err != nil || !ok {
		return protocol.Fail(cmd.CommandID, "unknown element: "+cmd.ID)
	}
	if err := e.actuator.Hover(ctx, cmd.ID, cmd.DurationMillis); err != nil {
		return protocol.Fail(cmd.CommandID, err.Error())
	}
	return e.verifyAck(ctx, cmd.CommandID, cmd.ID)
}

func (e *Executor) execScroll(ctx context.Context, cmd protocol.Command) protocol.CommandAck {
	target := cmd.Target
	if target == "" {
		target = "viewport"
	}
	sx, sy, err := e.actuator.Scroll(ctx, cmd.DX, cmd.DY, target)
	if err != nil {
		return protocol.Fail(cmd.CommandID, err.Error())
	}
	ack := protocol.OK(cmd.CommandID)
	ack.ScrollX = sx
	ack.ScrollY = sy
	return ack
}

func (e *Executor) execFocus(ctx context.Context, cmd protocol.Command) protocol.CommandAck {
	if _, ok, err := e.actuator.Resolve(ctx, cmd.ID); err != nil || !ok {
		return protocol.Fail(cmd.CommandID, "unknown element: "+cmd.ID)
	}
	if err := e.actuator.Focus(ctx, cmd.ID); err != nil {
		return protocol.Fail(cmd.CommandID, err.Error())
	}
	return protocol.OK(cmd.CommandID)
}

func (e *Executor) execSelect(ctx context.Context, cmd protocol.Command) protocol.CommandAck {
	kind, ok, err := e.actuator.Resolve(ctx, cmd.ID)
	if err != nil || !ok {
		return protocol.Fail(cmd.CommandID, "unknown element: "+cmd.ID)
	}
	if kind != KindMultiOption {
		return protocol.Fail(cmd.CommandID, "invalid target for select: "+cmd.ID)
	}
	value, err := e.actuator.Select(ctx, cmd.ID, cmd.Value)
	if err != nil {
		return protocol.Fail(cmd.CommandID, err.Error())
	}
	ack := protocol.OK(cmd.CommandID)
	ack.Value = value
	return ack
}

func (e *Executor) execMoveMouse(ctx context.Context, cmd protocol.Command) protocol.CommandAck {
	dest := Point{X: cmd.X, Y: cmd.Y}
	path := GeneratePath(e.lastPoint, dest, cmd.Steps, cmd.Curve)
	if err := e.actuator.MoveMouse(ctx, path); err != nil {
		return protocol.Fail(cmd.CommandID, err.Error())
	}
	e.lastPoint = dest
	return protocol.OK(cmd.CommandID)
}

func (e *Executor) execQuery(cmd protocol.Command) protocol.CommandAck {
	matches := perception.Search(e.candidates.Candidates(), cmd.Search, cmd.Filters)
	ack := protocol.OK(cmd.CommandID)
	ack.Matches = matches
	return ack
}

func (e *Executor) verifyAck(ctx context.Context, commandID, id string) protocol.CommandAck {
	v, err := e.actuator.Verify(ctx, id)
	if err != nil {
		return protocol.Fail(commandID, err.Error())
	}
	v.ID = id
	return protocol.CommandAck{
		CommandID:    commandID,
		Status:       protocol.AckVerify,
		Verification: &v,
	}
}

// IsTextLikeInputType reports whether an HTML input "type" attribute value
// is one the spec treats as a text input for the `type` command (anything
// other than checkbox/radio/button/submit/etc. that native HTML exposes
// text editing for).
func IsTextLikeInputType(inputType string) bool {
	switch strings.ToLower(inputType) {
	case "button", "submit", "reset", "checkbox", "radio", "range", "file", "color", "image", "hidden":
		return false
	default:
		return true
	}
}
