package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketsync/internal/config"
	"marketsync/internal/exchange"
	"marketsync/internal/fanout"
	"marketsync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleFeed struct{}

func (idleFeed) Run(ctx context.Context) { <-ctx.Done() }

func idleFactory(string, []string, exchange.PriceSink, exchange.StatusSink) fanout.Runner {
	return idleFeed{}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestServer(t *testing.T) (*httptest.Server, *fanout.Manager) {
	t.Helper()
	manager := fanout.NewManager(config.FanoutConfig{
		MinResendInterval: time.Millisecond,
		StopTimeout:       time.Second,
	}, idleFactory, nil, quietLogger())

	srv := New(manager, quietLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		manager.Shutdown()
	})
	return ts, manager
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestPingPong(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestSubscribeAndReceivePrice(t *testing.T) {
	ts, manager := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action":   "subscribe",
		"exchange": "bitfinex",
		"symbols":  []string{"BTCUSD"},
	}))

	// Confirm the subscription landed before broadcasting.
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn)["type"])

	manager.BroadcastPrice(models.PriceUpdate{
		Exchange:  "bitfinex",
		Symbol:    "BTCUSD",
		Price:     decimal.NewFromInt(50000),
		Timestamp: time.Now().UTC(),
	})

	msg := readMessage(t, conn)
	assert.Equal(t, "price", msg["type"])
	assert.Equal(t, "bitfinex", msg["exchange"])
	assert.Equal(t, "BTCUSD", msg["symbol"])
}

func TestMalformedRequest(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestUnknownAction(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "unsubscribe-all"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["error"], "unknown action")
}

func TestDisconnectRemovesSubscription(t *testing.T) {
	ts, manager := newTestServer(t)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action":   "subscribe",
		"exchange": "bitfinex",
		"symbols":  []string{"BTCUSD"},
	}))
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	readMessage(t, conn)

	require.Equal(t, []string{"bitfinex"}, manager.ActiveExchanges())

	conn.Close()

	// The server-side read loop notices the close and deregisters, which
	// stops the now-subscriberless feed.
	require.Eventually(t, func() bool {
		return len(manager.ActiveExchanges()) == 0
	}, 2*time.Second, 20*time.Millisecond)
}
