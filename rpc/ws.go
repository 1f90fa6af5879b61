package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"bucketchain/core/events"
	"bucketchain/core/types"
	"bucketchain/observability"
)

const (
	wsWriteTimeout          = 10 * time.Second
	defaultSubscriberBuffer = 256
)

// EventFilter narrows a subscription. TypePrefix matches event types by
// prefix; Bucket matches the "bucket" attribute exactly.
type EventFilter struct {
	TypePrefix string
	Bucket     string
}

func (f EventFilter) match(evt *types.Event) bool {
	if f.TypePrefix != "" && !strings.HasPrefix(evt.Type, f.TypePrefix) {
		return false
	}
	if f.Bucket != "" && evt.Attr("bucket") != f.Bucket {
		return false
	}
	return true
}

type subscriber struct {
	filter EventFilter
	ch     chan *types.Event
}

// Hub fans committed events out to subscribers. Slow subscribers lose events
// rather than stall the ledger.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*subscriber]struct{}), buffer: buffer, logger: logger}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	typed, ok := evt.(events.Typed)
	if !ok || typed.Event() == nil {
		return
	}
	payload := typed.Event()
	observability.Events().RecordEmitted(payload.Type)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.filter.match(payload) {
			continue
		}
		select {
		case sub.ch <- payload.Clone():
		default:
			observability.Events().RecordDropped("ws")
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func must be called
// to release it.
func (h *Hub) Subscribe(filter EventFilter) (<-chan *types.Event, func()) {
	sub := &subscriber{filter: filter, ch: make(chan *types.Event, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
}

// ServeHTTP upgrades to a websocket and streams matching events as JSON.
// Query parameters "type" and "bucket" set the filter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := EventFilter{
		TypePrefix: strings.TrimSpace(r.URL.Query().Get("type")),
		Bucket:     strings.TrimSpace(r.URL.Query().Get("bucket")),
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := h.stream(ctx, conn, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			h.logger.Debug("event stream ended", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, filter EventFilter) error {
	updates, cancel := h.Subscribe(filter)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-updates:
			writeCtx, done := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, evt)
			done()
			if err != nil {
				return err
			}
		}
	}
}
