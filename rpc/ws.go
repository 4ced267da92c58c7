package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"nhbchain/core/events"
	"nhbchain/core/types"
)

var errSubscriberDropped = errors.New("rpc: event subscriber dropped")

const (
	wsWriteTimeout     = 10 * time.Second
	defaultEventBuffer = 64
)

// EventHub fans committed ledger events out to websocket subscribers. A
// subscriber whose buffer fills up is disconnected rather than blocking the
// dispatcher.
type EventHub struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	buffer int
}

type subscription struct {
	ch     chan *types.Event
	filter map[string]struct{}
	once   sync.Once
}

func (s *subscription) close() { s.once.Do(func() { close(s.ch) }) }

func (s *subscription) wants(eventType string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[eventType]
	return ok
}

func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &EventHub{subs: make(map[*subscription]struct{}), buffer: buffer}
}

// Emit implements events.Emitter.
func (h *EventHub) Emit(evt events.Event) {
	typed, ok := evt.(events.Typed)
	if !ok {
		return
	}
	payload := typed.Event()
	if payload == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.wants(payload.Type) {
			continue
		}
		select {
		case sub.ch <- payload.Clone():
		default:
			delete(h.subs, sub)
			sub.close()
		}
	}
}

// Subscribe registers a listener for the given event types, or all types when
// none are given. The returned cancel function is idempotent.
func (h *EventHub) Subscribe(eventTypes ...string) (<-chan *types.Event, func()) {
	sub := &subscription{ch: make(chan *types.Event, h.buffer)}
	if len(eventTypes) > 0 {
		sub.filter = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			if t = strings.TrimSpace(t); t != "" {
				sub.filter[t] = struct{}{}
			}
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub.ch, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		sub.close()
	}
}

// Subscribers reports the number of live subscriptions.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}
	var filter []string
	if raw := strings.TrimSpace(r.URL.Query().Get("types")); raw != "" {
		filter = strings.Split(raw, ",")
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.hub.Subscribe(filter...)
	defer cancel()
	// Reads are only needed to observe the peer closing.
	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, updates); errors.Is(err, errSubscriberDropped) {
		_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan *types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return errSubscriberDropped
			}
			data, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
