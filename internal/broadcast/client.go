package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The surrounding session layer fronts this server; origin policy
	// belongs there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one connected viewer session.
type Client struct {
	id     uuid.UUID
	userID int64
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	log    *zap.Logger
}

// inbound is the only message shape participants may send.
type inbound struct {
	Type          string `json:"type"` // "place_bet" | "cash_out"
	Amount        int64  `json:"amount,omitempty"`
	AutoCashoutAt *int64 `json:"auto_cashout_at,omitempty"`
}

// ServeWS upgrades an HTTP request to a websocket session. userID comes
// from the session layer; 0 means an unauthenticated spectator that can
// watch but not play.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		id:     uuid.New(),
		userID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 64),
		log:    hub.log,
	}
	select {
	case hub.register <- c:
	case <-hub.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", zap.String("session_id", c.id.String()), zap.Error(err))
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply("error", map[string]any{"message": "malformed message"})
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg inbound) {
	if c.userID == 0 || c.hub.sink == nil {
		c.reply("error", map[string]any{"message": "spectator session cannot play"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch msg.Type {
	case "place_bet":
		if _, err := c.hub.sink.PlaceBet(ctx, c.userID, msg.Amount, msg.AutoCashoutAt); err != nil {
			c.reply("error", map[string]any{"op": "place_bet", "message": err.Error()})
		}
	case "cash_out":
		if _, err := c.hub.sink.CashOut(ctx, c.userID); err != nil {
			c.reply("error", map[string]any{"op": "cash_out", "message": err.Error()})
		}
	default:
		c.reply("error", map[string]any{"message": "unknown message type"})
	}
}

// reply sends a message to this session only. Outcomes of accepted
// operations arrive through the regular broadcast events.
func (c *Client) reply(event string, data any) {
	msg, err := json.Marshal(Event{Type: event, Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
