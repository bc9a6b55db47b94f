package events

import "haggle/core/types"

// Event is anything the node broadcasts after a committed transition.
type Event interface {
	EventType() string
}

// Emitter receives committed events (metrics, indexer, websocket hub,
// webhooks).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Typed carries an attribute payload through emitters.
type Typed struct {
	Payload *types.Event
}

// Wrap returns evt as an Event.
func Wrap(evt *types.Event) Typed { return Typed{Payload: evt} }

// EventType implements Event.
func (t Typed) EventType() string {
	if t.Payload == nil {
		return ""
	}
	return t.Payload.Type
}

// Event returns the wrapped payload.
func (t Typed) Event() *types.Event { return t.Payload }

// Unwrap extracts the attribute payload from evt. It reports false for
// events that carry none.
func Unwrap(evt Event) (*types.Event, bool) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return nil, false
	}
	payload := carrier.Event()
	return payload, payload != nil
}
