package indexer

import (
	"context"
	"log/slog"

	"haggle/core/events"
)

// Emitter records every committed negotiation event in the store. Failures
// are logged; indexing never blocks state transitions.
type Emitter struct {
	store  *Store
	logger *slog.Logger
}

// NewEmitter wraps store as an events.Emitter.
func NewEmitter(store *Store, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: store, logger: logger.With(slog.String("component", "indexer"))}
}

// Emit implements events.Emitter.
func (e *Emitter) Emit(evt events.Event) {
	if e == nil || e.store == nil {
		return
	}
	payload, ok := events.Unwrap(evt)
	if !ok {
		return
	}
	if err := e.store.Record(context.Background(), payload); err != nil {
		e.logger.Warn("index event", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

var _ events.Emitter = (*Emitter)(nil)
