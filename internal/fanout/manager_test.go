package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketsync/internal/config"
	"marketsync/internal/exchange"
	"marketsync/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession records delivered messages and can be made to fail sends.
type fakeSession struct {
	mu       sync.Mutex
	prices   []PriceMessage
	statuses []StatusMessage
	failSend bool
}

func (s *fakeSession) SendPrice(msg PriceMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return errors.New("send failed")
	}
	s.prices = append(s.prices, msg)
	return nil
}

func (s *fakeSession) SendStatus(msg StatusMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return errors.New("send failed")
	}
	s.statuses = append(s.statuses, msg)
	return nil
}

func (s *fakeSession) priceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prices)
}

func (s *fakeSession) lastPrice() PriceMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prices[len(s.prices)-1]
}

// fakeFeed is a Runner that blocks until cancelled.
type fakeFeed struct {
	symbols []string
	started chan struct{}
	stopped chan struct{}
}

func (f *fakeFeed) Run(ctx context.Context) {
	close(f.started)
	<-ctx.Done()
	close(f.stopped)
}

// feedRecorder builds fakeFeeds and remembers every start.
type feedRecorder struct {
	mu    sync.Mutex
	feeds []*fakeFeed
}

func (r *feedRecorder) factory(exchangeName string, symbols []string, onPrice exchange.PriceSink, onStatus exchange.StatusSink) Runner {
	f := &fakeFeed{
		symbols: symbols,
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	r.mu.Lock()
	r.feeds = append(r.feeds, f)
	r.mu.Unlock()
	return f
}

func (r *feedRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.feeds)
}

func (r *feedRecorder) feed(i int) *fakeFeed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeds[i]
}

func (r *feedRecorder) last() *fakeFeed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeds[len(r.feeds)-1]
}

func testFanoutConfig() config.FanoutConfig {
	return config.FanoutConfig{
		MinResendInterval: 50 * time.Millisecond,
		StopTimeout:       time.Second,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestManager(recorder *feedRecorder) *Manager {
	return NewManager(testFanoutConfig(), recorder.factory, nil, quietLogger())
}

func priceUpdate(exchangeName, symbol string, price int64) models.PriceUpdate {
	return models.PriceUpdate{
		Exchange:  exchangeName,
		Symbol:    symbol,
		Price:     decimal.NewFromInt(price),
		Timestamp: time.Now().UTC(),
	}
}

func waitClosed(t *testing.T, ch chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

func TestSubscribeStartsOneFeedPerExchange(t *testing.T) {
	recorder := &feedRecorder{}
	m := newTestManager(recorder)
	defer m.Shutdown()

	a, b := &fakeSession{}, &fakeSession{}
	m.Connect(a)
	m.Connect(b)

	require.NoError(t, m.UpdateSubscription(a, "bitfinex", []string{"BTCUSD"}))
	require.NoError(t, m.UpdateSubscription(b, "bitfinex", []string{"ETHUSD"}))

	// The second subscription widened the union, so the feed restarted once.
	assert.Equal(t, 2, recorder.count())
	waitClosed(t, recorder.last().started, "feed task did not start")
	assert.Equal(t, []string{"BTCUSD", "ETHUSD"}, recorder.last().symbols)
	assert.Equal(t, []string{"bitfinex"}, m.ActiveExchanges())
}

func TestUnchangedUnionDoesNotRestart(t *testing.T) {
	recorder := &feedRecorder{}
	m := newTestManager(recorder)
	defer m.Shutdown()

	a, b := &fakeSession{}, &fakeSession{}
	m.Connect(a)
	m.Connect(b)

	require.NoError(t, m.UpdateSubscription(a, "bitfinex", []string{"BTCUSD", "ETHUSD"}))
	started := recorder.count()

	// b's interest is a subset of the current union.
	require.NoError(t, m.UpdateSubscription(b, "bitfinex", []string{"BTCUSD"}))
	// Resubscribing the same set is also a no-op.
	require.NoError(t, m.UpdateSubscription(a, "bitfinex", []string{"ETHUSD", "BTCUSD"}))

	assert.Equal(t, started, recorder.count())
}

func TestBroadcastPriceMatchesExchangeAndSymbol(t *testing.T) {
	recorder := &feedRecorder{}
	m := newTestManager(recorder)
	defer m.Shutdown()

	btc, eth, binance := &fakeSession{}, &fakeSession{}, &fakeSession{}
	m.Connect(btc)
	m.Connect(eth)
	m.Connect(binance)

	require.NoError(t, m.UpdateSubscription(btc, "bitfinex", []string{"BTCUSD"}))
	require.NoError(t, m.UpdateSubscription(eth, "bitfinex", []string{"ETHUSD"}))
	require.NoError(t, m.UpdateSubscription(binance, "binance", []string{"BTCUSD"}))

	m.BroadcastPrice(priceUpdate("bitfinex", "BTCUSD", 50000))

	assert.Equal(t, 1, btc.priceCount())
	assert.Equal(t, 0, eth.priceCount())
	assert.Equal(t, 0, binance.priceCount())

	msg := btc.lastPrice()
	assert.Equal(t, "price", msg.Type)
	assert.Equal(t, "bitfinex", msg.Exchange)
	assert.Equal(t, "BTCUSD", msg.Symbol)
	assert.Equal(t, "50000", msg.Price.String())
}

func TestBroadcastPriceThrottlesPerConnectionSymbol(t *testing.T) {
	recorder := &feedRecorder{}
	m := newTestManager(recorder)
	defer m.Shutdown()

	conn := &fakeSession{}
	m.Connect(conn)
	require.NoError(t, m.UpdateSubscription(conn, "bitfinex", []string{"BTCUSD", "ETHUSD"}))

	// Two updates for the same symbol inside the interval: one delivery.
	m.BroadcastPrice(priceUpdate("bitfinex", "BTCUSD", 50000))
	m.BroadcastPrice(priceUpdate("bitfinex", "BTCUSD", 50001))
	assert.Equal(t, 1, conn.priceCount())

	// A different symbol has its own throttle window.
	m.BroadcastPrice(priceUpdate("bitfinex", "ETHUSD", 3000))
	assert.Equal(t, 2, conn.priceCount())

	// After the interval elapses the symbol delivers again.
	time.Sleep(testFanoutConfig().MinResendInterval + 10*time.Millisecond)
	m.BroadcastPrice(priceUpdate("bitfinex", "BTCUSD", 50002))
	assert.Equal(t, 3, conn.priceCount())
	assert.Equal(t, "50002", conn.lastPrice().Price.String())
}

func TestBroadcastStatus(t *testing.T) {
	recorder := &feedRecorder{}
	m := newTestManager(recorder)
	defer m.Shutdown()

	conn, other := &fakeSession{}, &fakeSession{}
	m.Connect(conn)
	m.Connect(other)
	require.NoError(t, m.UpdateSubscription(conn, "bitfinex", []string{"BTCUSD"}))
	require.NoError(t, m.UpdateSubscription(other, "binance", []string{"BTCUSD"}))

	m.BroadcastStatus("bitfinex", exchange.StatusDisconnected)

	conn.mu.Lock()
	require.Len(t, conn.statuses, 1)
	assert.Equal(t, "status", conn.statuses[0].Type)
	assert.Equal(t, exchange.StatusDisconnected, conn.statuses[0].Status)
	conn.mu.Unlock()

	other.mu.Lock()
	assert.Empty(t, other.statuses)
	other.mu.Unlock()
}

func TestLastDisconnectStopsFeed(t *testing.T) {
	recorder := &feedRecorder{}
	m := newTestManager(recorder)

	a, b := &fakeSession{}, &fakeSession{}
	m.Connect(a)
	m.Connect(b)
	require.NoError(t, m.UpdateSubscription(a, "bitfinex", []string{"BTCUSD"}))
	require.NoError(t, m.UpdateSubscription(b, "bitfinex", []string{"BTCUSD"}))

	started := recorder.count()
	require.Equal(t, 1, started)
	waitClosed(t, recorder.feed(0).started, "feed task did not start")

	// First disconnect leaves the union unchanged.
	m.Disconnect(a)
	assert.Equal(t, started, recorder.count())
	assert.Equal(t, []string{"bitfinex"}, m.ActiveExchanges())

	// Last subscriber gone: the task stops and nothing restarts.
	m.Disconnect(b)
	waitClosed(t, recorder.feed(0).stopped, "feed task did not stop after last disconnect")
	assert.Equal(t, started, recorder.count())
	assert.Empty(t, m.ActiveExchanges())
}

func TestFailedSendRemovesOnlyThatConnection(t *testing.T) {
	recorder := &feedRecorder{}
	m := newTestManager(recorder)
	defer m.Shutdown()

	healthy, broken := &fakeSession{}, &fakeSession{failSend: true}
	m.Connect(healthy)
	m.Connect(broken)
	require.NoError(t, m.UpdateSubscription(healthy, "bitfinex", []string{"BTCUSD"}))
	require.NoError(t, m.UpdateSubscription(broken, "bitfinex", []string{"BTCUSD"}))

	m.BroadcastPrice(priceUpdate("bitfinex", "BTCUSD", 50000))
	assert.Equal(t, 1, healthy.priceCount())

	// The broken connection is gone; the healthy one keeps receiving.
	time.Sleep(testFanoutConfig().MinResendInterval + 10*time.Millisecond)
	m.BroadcastPrice(priceUpdate("bitfinex", "BTCUSD", 50001))
	assert.Equal(t, 2, healthy.priceCount())

	require.Error(t, m.UpdateSubscription(broken, "bitfinex", []string{"BTCUSD"}))
}

func TestSwitchingExchangeReconcilesBoth(t *testing.T) {
	recorder := &feedRecorder{}
	m := newTestManager(recorder)
	defer m.Shutdown()

	conn := &fakeSession{}
	m.Connect(conn)
	require.NoError(t, m.UpdateSubscription(conn, "bitfinex", []string{"BTCUSD"}))
	waitClosed(t, recorder.feed(0).started, "bitfinex feed did not start")

	require.NoError(t, m.UpdateSubscription(conn, "binance", []string{"BTCUSD"}))

	// The old exchange's feed stopped, the new one started.
	waitClosed(t, recorder.feed(0).stopped, "bitfinex feed did not stop after switch")
	assert.Equal(t, []string{"binance"}, m.ActiveExchanges())
}

func TestNormalizerAppliesToSubscriptions(t *testing.T) {
	recorder := &feedRecorder{}
	normalize := func(exchangeName, raw string) (string, error) {
		if raw == "bad" {
			return "", exchange.ErrInvalidSymbol
		}
		return "t" + raw, nil
	}
	m := NewManager(testFanoutConfig(), recorder.factory, normalize, quietLogger())
	defer m.Shutdown()

	conn := &fakeSession{}
	m.Connect(conn)

	err := m.UpdateSubscription(conn, "bitfinex", []string{"bad"})
	require.Error(t, err)
	assert.ErrorIs(t, err, exchange.ErrInvalidSymbol)
	assert.Equal(t, 0, recorder.count())

	require.NoError(t, m.UpdateSubscription(conn, "bitfinex", []string{"BTCUSD"}))
	assert.Equal(t, []string{"tBTCUSD"}, recorder.last().symbols)

	// Broadcasts match on the normalized form.
	m.BroadcastPrice(priceUpdate("bitfinex", "tBTCUSD", 50000))
	assert.Equal(t, 1, conn.priceCount())
}

func TestShutdownStopsAllFeeds(t *testing.T) {
	recorder := &feedRecorder{}
	m := newTestManager(recorder)

	a, b := &fakeSession{}, &fakeSession{}
	m.Connect(a)
	m.Connect(b)
	require.NoError(t, m.UpdateSubscription(a, "bitfinex", []string{"BTCUSD"}))
	require.NoError(t, m.UpdateSubscription(b, "binance", []string{"BTCUSD"}))

	m.Shutdown()

	for i := 0; i < recorder.count(); i++ {
		waitClosed(t, recorder.feed(i).stopped, "feed task did not stop on shutdown")
	}
	assert.Empty(t, m.ActiveExchanges())
}
