package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MJE43/crash-engine-go/internal/ledger"
	"github.com/MJE43/crash-engine-go/internal/store"
)

// stubSink records inbound operations from websocket sessions.
type stubSink struct {
	mu       sync.Mutex
	bets     []int64
	cashouts []int64
}

func (s *stubSink) PlaceBet(ctx context.Context, userID, amount int64, autoCashoutAt *int64) (*store.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bets = append(s.bets, userID)
	if amount <= 0 {
		return nil, ledger.ErrInvalidBet
	}
	return &store.Bet{RoundID: 1, UserID: userID, Amount: amount, AutoCashoutAt: autoCashoutAt}, nil
}

func (s *stubSink) CashOut(ctx context.Context, userID int64) (*ledger.CashOut, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cashouts = append(s.cashouts, userID)
	return &ledger.CashOut{RoundID: 1, UserID: userID, Multiplier: 150, Payout: 150}, nil
}

func (s *stubSink) betCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bets)
}

type hubFixture struct {
	hub  *Hub
	sink *stubSink
	srv  *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()

	hub := NewHub(zap.NewNop())
	sink := &stubSink{}
	hub.SetSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		ServeWS(hub, w, r, userID)
	}))
	t.Cleanup(srv.Close)

	return &hubFixture{hub: hub, sink: sink, srv: srv}
}

func (f *hubFixture) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?user=" + strconv.FormatInt(userID, 10)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestBroadcastFanOut(t *testing.T) {
	f := newHubFixture(t)

	a := f.dial(t, 1)
	b := f.dial(t, 0)

	// Registration races the broadcast; give the hub loop a beat.
	time.Sleep(50 * time.Millisecond)
	f.hub.Broadcast("round_starting", map[string]any{"round_id": 42})

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, "round_starting", ev.Type)
		data := ev.Data.(map[string]any)
		assert.Equal(t, float64(42), data["round_id"])
	}
}

func TestInboundPlaceBet(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, 7)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "place_bet",
		"amount": 500,
	}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "cash_out"}))

	require.Eventually(t, func() bool {
		f.sink.mu.Lock()
		defer f.sink.mu.Unlock()
		return len(f.sink.bets) == 1 && len(f.sink.cashouts) == 1
	}, 5*time.Second, 10*time.Millisecond)

	f.sink.mu.Lock()
	assert.Equal(t, int64(7), f.sink.bets[0])
	assert.Equal(t, int64(7), f.sink.cashouts[0])
	f.sink.mu.Unlock()
}

func TestInboundErrorsReportedToSender(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, 7)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "place_bet", "amount": 0}))
	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "warp"}))
	ev = readEvent(t, conn)
	assert.Equal(t, "error", ev.Type)
}

func TestSpectatorCannotPlay(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, 0)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "place_bet", "amount": 100}))
	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev.Type)
	assert.Zero(t, f.sink.betCount(), "spectator operations never reach the engine")
}

func TestMalformedMessage(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, 7)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev.Type)
	assert.Zero(t, f.sink.betCount())
}

// Session pumps must wind down once the hub stops; an unregister send
// with no receiver would strand a goroutine per client.
func TestPumpsExitAfterHubStops(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.SetSink(&stubSink{})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r, 1)
	}))
	defer srv.Close()

	before := runtime.NumGoroutine()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conns := make([]*websocket.Conn, 0, 4)
	for i := 0; i < 4; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	time.Sleep(50 * time.Millisecond)

	cancel()
	for _, conn := range conns {
		conn.Close()
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 5*time.Second, 20*time.Millisecond, "pump goroutines still alive")

	// A connection arriving after shutdown is turned away promptly.
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, readErr := conn.ReadMessage()
		assert.Error(t, readErr, "post-shutdown session must be closed, not serviced")
		conn.Close()
	}
}

func TestDisconnectedClientDropped(t *testing.T) {
	f := newHubFixture(t)

	conn := f.dial(t, 1)
	time.Sleep(50 * time.Millisecond)
	conn.Close()
	time.Sleep(50 * time.Millisecond)

	// Broadcast after disconnect must not panic or wedge the hub, and a
	// fresh connection still receives events.
	f.hub.Broadcast("round_crashed", map[string]any{"round_id": 1})

	fresh := f.dial(t, 2)
	time.Sleep(50 * time.Millisecond)
	f.hub.Broadcast("round_starting", map[string]any{"round_id": 2})

	for {
		ev := readEvent(t, fresh)
		raw, _ := json.Marshal(ev.Data)
		if ev.Type == "round_starting" && strings.Contains(string(raw), "2") {
			return
		}
	}
}
