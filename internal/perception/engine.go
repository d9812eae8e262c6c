package perception

import (
	"context"
	"log"
	"sync"
	"time"

	"actionplane/internal/protocol"
)

// debounceWindow is the coalescing window for observer-triggered updates.
const debounceWindow = 50 * time.Millisecond

// Emission is what the Engine hands back to its caller on every update: the
// very first emission after Start is always a Snapshot (caller sends a
// snapshot message); every later one is a non-empty Delta or a modal/menu
// Event.
type Emission struct {
	Snapshot *protocol.SnapshotMessage
	Delta    *protocol.DeltaMessage
	Event    *protocol.EventMessage
}

// Engine maintains one tab's candidate set: identity, debounced diffing,
// and modal/menu event detection, per §4.1.
type Engine struct {
	tabID  string
	source PageSource

	mu       sync.Mutex
	identity *identityTable
	prev     map[string]protocol.ActionCandidate
	force    chan struct{}
}

// NewEngine constructs an engine for one tab backed by source.
func NewEngine(tabID string, source PageSource) *Engine {
	return &Engine{
		tabID:    tabID,
		source:   source,
		identity: newIdentityTable(),
		prev:     make(map[string]protocol.ActionCandidate),
		force:    make(chan struct{}, 1),
	}
}

// Start extracts the initial candidate set and begins watching for
// mutations. It returns the initial Emission (always a Snapshot) and a
// channel of subsequent emissions (Deltas and modal/menu Events), which is
// closed when ctx is done.
func (e *Engine) Start(ctx context.Context, viewport protocol.Viewport, url string) (Emission, <-chan Emission, error) {
	initial, err := e.extractAndIndex(ctx)
	if err != nil {
		return Emission{}, nil, err
	}

	e.mu.Lock()
	e.prev = initial
	e.mu.Unlock()

	out := make(chan Emission, 8)
	triggers, err := e.source.Watch(ctx)
	if err != nil {
		close(out)
		return Emission{}, nil, err
	}

	go e.loop(ctx, triggers, out)

	snap := protocol.SnapshotMessage{
		Type:       protocol.MsgSnapshot,
		TabID:      e.tabID,
		URL:        url,
		Viewport:   viewport,
		Candidates: mapValues(initial),
	}
	return Emission{Snapshot: &snap}, out, nil
}

// CurrentSnapshot returns the engine's current candidate set as a full
// SnapshotMessage, used to answer a gateway request_snapshot without
// waiting for the next debounced update.
func (e *Engine) CurrentSnapshot(viewport protocol.Viewport, url string) protocol.SnapshotMessage {
	e.mu.Lock()
	candidates := mapValues(e.prev)
	e.mu.Unlock()

	return protocol.SnapshotMessage{
		Type:       protocol.MsgSnapshot,
		TabID:      e.tabID,
		URL:        url,
		Viewport:   viewport,
		Candidates: candidates,
	}
}

// ForceUpdate bypasses the debounce timer and emits immediately. It is
// safe to call concurrently with Start's background loop; a pending force
// request already queued is not duplicated.
func (e *Engine) ForceUpdate() {
	select {
	case e.force <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context, triggers <-chan Trigger, out chan<- Emission) {
	defer close(out)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.force:
			if timer != nil {
				timer.Stop()
				timer = nil
				timerC = nil
			}
			e.emitUpdate(ctx, out)
		case trig, ok := <-triggers:
			if !ok {
				return
			}
			if trig == TriggerForced {
				if timer != nil {
					timer.Stop()
					timer = nil
					timerC = nil
				}
				e.emitUpdate(ctx, out)
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			}
		case <-timerC:
			timer = nil
			timerC = nil
			e.emitUpdate(ctx, out)
		}
	}
}

func (e *Engine) emitUpdate(ctx context.Context, out chan<- Emission) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[perception:%s] observer callback panic recovered: %v", e.tabID, r)
		}
	}()

	next, err := e.extractAndIndex(ctx)
	if err != nil {
		log.Printf("[perception:%s] extract error: %v", e.tabID, err)
		return
	}

	e.mu.Lock()
	delta := diffCandidates(e.prev, next)
	prevCopy := e.prev
	e.prev = next
	e.mu.Unlock()

	if !delta.IsEmpty() {
		delta.Type = protocol.MsgDelta
		delta.TabID = e.tabID
		select {
		case out <- Emission{Delta: &delta}:
		case <-ctx.Done():
			return
		}
	}

	e.emitModalMenuEvents(ctx, out, prevCopy, next)
}

// extractAndIndex pulls the raw element list, applies the interactive and
// visibility predicates, assigns identity, prunes dead entries, and returns
// the resulting id-to-candidate map.
func (e *Engine) extractAndIndex(ctx context.Context) (map[string]protocol.ActionCandidate, error) {
	raws, err := e.source.Extract(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make(map[string]protocol.ActionCandidate, len(raws))
	liveKeys := make(map[string]bool, len(raws))

	for _, r := range raws {
		liveKeys[r.Key] = true
		if !IsInteractive(r) || !IsVisible(r) {
			continue
		}
		id := e.identity.assign(r)
		candidates[id] = buildCandidate(id, r)
	}

	e.identity.prune(liveKeys)
	return candidates, nil
}

// modalRoles and menuRoles are the roles whose add/remove triggers an event.
var modalRoles = map[string]bool{"dialog": true, "alertdialog": true}
var menuRoles = map[string]bool{"menu": true, "listbox": true}

func (e *Engine) emitModalMenuEvents(ctx context.Context, out chan<- Emission, old, new map[string]protocol.ActionCandidate) {
	oldModal, oldMenu := classifyOpenSets(old)
	newModal, newMenu := classifyOpenSets(new)

	send := func(name protocol.EventName) {
		ev := protocol.EventMessage{Type: protocol.MsgEvent, TabID: e.tabID, Name: name}
		select {
		case out <- Emission{Event: &ev}:
		case <-ctx.Done():
		}
	}

	if len(newModal) > len(oldModal) {
		send(protocol.EventModalOpened)
	} else if len(newModal) < len(oldModal) {
		send(protocol.EventModalClosed)
	}
	if len(newMenu) > len(oldMenu) {
		send(protocol.EventMenuOpened)
	} else if len(newMenu) < len(oldMenu) {
		send(protocol.EventMenuClosed)
	}
}

func classifyOpenSets(candidates map[string]protocol.ActionCandidate) (modals, menus map[string]bool) {
	modals = make(map[string]bool)
	menus = make(map[string]bool)
	for id, c := range candidates {
		if modalRoles[c.Role] {
			modals[id] = true
		}
		if menuRoles[c.Role] {
			menus[id] = true
		}
	}
	return modals, menus
}

func mapValues(m map[string]protocol.ActionCandidate) []protocol.ActionCandidate {
	out := make([]protocol.ActionCandidate, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}
