package topics

import (
	"sync"

	"github.com/mcdev12/bidsync/internal/transport"
	"github.com/rs/zerolog/log"
)

// Wire is what the multiplexer needs from the connection manager
type Wire interface {
	Send(transport.Frame)
	State() transport.ConnState
	OnFrame(func(transport.Frame))
	OnStateChange(func(transport.ConnState))
}

// Mux maps logical per-item subscriptions onto wire subscribe and
// unsubscribe frames over the single connection. Observers are
// reference-counted: only the first observer for an item sends a
// SUBSCRIBE frame and only the last leave sends an UNSUBSCRIBE frame.
// Because the server holds no subscription state across a dropped
// connection, every desired topic is replayed on each CONNECTED
// transition.
type Mux struct {
	wire Wire

	mu   sync.Mutex
	subs map[int64]map[string]func(transport.Frame)
}

// NewMux creates a multiplexer and registers it on the wire
func NewMux(wire Wire) *Mux {
	m := &Mux{
		wire: wire,
		subs: make(map[int64]map[string]func(transport.Frame)),
	}
	wire.OnFrame(m.route)
	wire.OnStateChange(m.handleState)
	return m
}

// Subscribe registers an observer callback for an item's bid events and
// returns its unsubscribe function. Subscribing the same observer id
// twice updates the callback without doubling the wire subscription.
func (m *Mux) Subscribe(itemID int64, observerID string, fn func(transport.Frame)) func() {
	m.mu.Lock()
	observers, ok := m.subs[itemID]
	if !ok {
		observers = make(map[string]func(transport.Frame))
		m.subs[itemID] = observers
	}
	first := len(observers) == 0
	observers[observerID] = fn
	m.mu.Unlock()

	if first && m.wire.State() == transport.StateConnected {
		m.wire.Send(transport.SubscribeFrame(itemID))
	}

	log.Debug().
		Int64("item_id", itemID).
		Str("observer_id", observerID).
		Bool("wire_subscribe", first).
		Msg("observer subscribed")

	return func() { m.Unsubscribe(itemID, observerID) }
}

// Unsubscribe removes an observer. Removing an unknown observer is a
// no-op. The wire subscription is released only when the last observer
// for the item leaves.
func (m *Mux) Unsubscribe(itemID int64, observerID string) {
	m.mu.Lock()
	observers, ok := m.subs[itemID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, ok := observers[observerID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(observers, observerID)
	last := len(observers) == 0
	if last {
		delete(m.subs, itemID)
	}
	m.mu.Unlock()

	if last && m.wire.State() == transport.StateConnected {
		m.wire.Send(transport.UnsubscribeFrame(itemID))
	}

	log.Debug().
		Int64("item_id", itemID).
		Str("observer_id", observerID).
		Bool("wire_unsubscribe", last).
		Msg("observer unsubscribed")
}

// route delivers an inbound frame to every observer of its item. Frames
// for unknown topics, or for items whose observers have all left while
// the frame was in flight, are discarded.
func (m *Mux) route(frame transport.Frame) {
	switch frame.Type {
	case transport.FrameTypeBidConfirmed, transport.FrameTypeBidRejected:
	case transport.FrameTypeSubscribeAck:
		log.Debug().Str("topic", frame.Topic).Msg("subscribe acknowledged")
		return
	default:
		log.Debug().Str("frame_type", string(frame.Type)).Msg("ignoring unhandled frame type")
		return
	}

	itemID, ok := transport.ParseBidTopic(frame.Topic)
	if !ok {
		log.Debug().Str("topic", frame.Topic).Msg("dropping frame for unknown topic")
		return
	}

	m.mu.Lock()
	observers, ok := m.subs[itemID]
	if !ok {
		m.mu.Unlock()
		return
	}
	callbacks := make([]func(transport.Frame), 0, len(observers))
	for _, fn := range observers {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(frame)
	}
}

// handleState replays all desired topics when the connection comes up
func (m *Mux) handleState(state transport.ConnState) {
	if state != transport.StateConnected {
		return
	}

	m.mu.Lock()
	itemIDs := make([]int64, 0, len(m.subs))
	for itemID := range m.subs {
		itemIDs = append(itemIDs, itemID)
	}
	m.mu.Unlock()

	for _, itemID := range itemIDs {
		m.wire.Send(transport.SubscribeFrame(itemID))
	}
	if len(itemIDs) > 0 {
		log.Info().Int("topics", len(itemIDs)).Msg("replayed subscriptions after connect")
	}
}
