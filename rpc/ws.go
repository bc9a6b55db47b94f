package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"haggle/core/events"
)

const (
	wsWriteTimeout     = 10 * time.Second
	wsSubscriberBuffer = 64
)

// Hub fans negotiation events out to websocket subscribers. Subscribers that
// fall behind are disconnected rather than blocking the node.
type Hub struct {
	origins []string
	logger  *slog.Logger

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	filter string
	ch     chan []byte
	once   sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.ch) })
}

// NewHub creates a hub accepting websocket upgrades from origins. An empty
// list accepts any origin.
func NewHub(origins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	return &Hub{
		origins: patterns,
		logger:  logger.With(slog.String("component", "ws")),
		subs:    make(map[*subscriber]struct{}),
	}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	raw, ok := events.Unwrap(evt)
	if !ok {
		return
	}
	data, err := json.Marshal(raw)
	if err != nil {
		h.logger.Warn("encode ws event", slog.Any("error", err))
		return
	}
	negotiationID := raw.Attributes["negotiationId"]

	var slow []*subscriber
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	for sub := range h.subs {
		if sub.filter != "" && sub.filter != negotiationID {
			continue
		}
		select {
		case sub.ch <- data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()
	if len(slow) == 0 {
		return
	}
	// Channels are only closed under the write lock so no sender can race
	// the close.
	h.mu.Lock()
	for _, sub := range slow {
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			sub.stop()
		}
	}
	h.mu.Unlock()
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		sub.stop()
		delete(h.subs, sub)
	}
}

func (h *Hub) subscribe(filter string) *subscriber {
	sub := &subscriber{filter: filter, ch: make(chan []byte, wsSubscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.stop()
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
	sub.stop()
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. The optional negotiation query parameter limits the stream to one
// negotiation id.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(r.URL.Query().Get("negotiation")), "0x"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub := h.subscribe(filter)
	defer h.unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sub.ch:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if err := writeWS(ctx, conn, data); err != nil {
				return
			}
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

var _ events.Emitter = (*Hub)(nil)
