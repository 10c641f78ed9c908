// Package broadcast fans out round lifecycle events to connected viewers
// over websockets. The hub owns the session registry; the engine only
// sees it as a Broadcaster capability. Delivery is best-effort: a viewer
// that cannot keep up is dropped and can reconcile by polling.
package broadcast

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/MJE43/crash-engine-go/internal/ledger"
	"github.com/MJE43/crash-engine-go/internal/store"
)

// Event is the wire envelope for every pushed message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Sink receives the two inbound operations a connected participant may
// send. Implemented by the engine.
type Sink interface {
	PlaceBet(ctx context.Context, userID, amount int64, autoCashoutAt *int64) (*store.Bet, error)
	CashOut(ctx context.Context, userID int64) (*ledger.CashOut, error)
}

// Hub is the session registry and fan-out loop.
type Hub struct {
	log  *zap.Logger
	sink Sink

	register   chan *Client
	unregister chan *Client
	events     chan []byte
	done       chan struct{}
	clients    map[*Client]struct{}
}

// NewHub creates a hub. The sink is attached afterwards with SetSink,
// once the engine exists; the hub and the engine reference each other.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan []byte, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// SetSink attaches the receiver of inbound participant operations. Must
// be called before Run.
func (h *Hub) SetSink(sink Sink) {
	h.sink = sink
}

// Run owns the client set until ctx is canceled. Closing done releases
// any pump goroutine still trying to register or unregister.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.log.Debug("viewer connected",
				zap.String("session_id", c.id.String()),
				zap.Int64("user_id", c.userID),
				zap.Int("viewers", len(h.clients)),
			)
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.events:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer; drop it rather than stall the
					// fan-out.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Broadcast queues an event for every connected viewer. Never blocks the
// caller; if the hub's queue is full the event is dropped.
func (h *Hub) Broadcast(event string, data any) {
	msg, err := json.Marshal(Event{Type: event, Data: data})
	if err != nil {
		h.log.Error("event marshal failed", zap.String("event", event), zap.Error(err))
		return
	}

	select {
	case h.events <- msg:
	default:
		h.log.Warn("event queue full, dropping", zap.String("event", event))
	}
}
