// Package fanout tracks downstream subscription interest, keeps exactly one
// upstream feed task per exchange streaming the union of subscribed symbols,
// and broadcasts price/status events to interested connections.
package fanout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketsync/internal/config"
	"marketsync/internal/exchange"
	"marketsync/internal/metrics"
	"marketsync/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Session is a downstream connection. Implementations must not block
// indefinitely in the send methods; a returned error removes the connection.
type Session interface {
	SendPrice(msg PriceMessage) error
	SendStatus(msg StatusMessage) error
}

// PriceMessage is the downstream price event.
type PriceMessage struct {
	Type      string          `json:"type"`
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// StatusMessage is the downstream feed-status event.
type StatusMessage struct {
	Type     string `json:"type"`
	Exchange string `json:"exchange"`
	Status   string `json:"status"`
}

// Runner is one feed task streaming prices for a fixed symbol set.
type Runner interface {
	Run(ctx context.Context)
}

// FeedFactory builds the feed task for an exchange and symbol union. The
// returned runner must exit promptly when its context is cancelled.
type FeedFactory func(exchangeName string, symbols []string, onPrice exchange.PriceSink, onStatus exchange.StatusSink) Runner

// Normalizer canonicalizes a raw symbol for an exchange.
type Normalizer func(exchangeName, raw string) (string, error)

type connState struct {
	exchange string
	symbols  map[string]struct{}
	lastSent map[string]time.Time
}

type exchangeStream struct {
	symbols map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager owns all subscription bookkeeping. A single mutex protects the
// connection and per-exchange maps with short critical sections; feed network
// I/O and the stop-await run outside it. Stream lifecycle changes are
// serialized by a second mutex so at most one feed task per exchange is ever
// active.
type Manager struct {
	cfg       config.FanoutConfig
	factory   FeedFactory
	normalize Normalizer
	logger    *logrus.Logger

	mu        sync.Mutex
	conns     map[Session]*connState
	exchanges map[string]*exchangeStream

	lifecycleMu sync.Mutex
}

func NewManager(cfg config.FanoutConfig, factory FeedFactory, normalize Normalizer, logger *logrus.Logger) *Manager {
	if normalize == nil {
		normalize = func(_, raw string) (string, error) { return raw, nil }
	}
	return &Manager{
		cfg:       cfg,
		factory:   factory,
		normalize: normalize,
		logger:    logger,
		conns:     make(map[Session]*connState),
		exchanges: make(map[string]*exchangeStream),
	}
}

// Connect registers a downstream connection with no interest yet.
func (m *Manager) Connect(conn Session) {
	m.mu.Lock()
	if _, ok := m.conns[conn]; !ok {
		m.conns[conn] = &connState{
			symbols:  make(map[string]struct{}),
			lastSent: make(map[string]time.Time),
		}
		metrics.ActiveConnections.Inc()
	}
	m.mu.Unlock()
}

// Disconnect removes a connection and shrinks its exchange's union.
func (m *Manager) Disconnect(conn Session) {
	m.mu.Lock()
	st, ok := m.conns[conn]
	if ok {
		delete(m.conns, conn)
		metrics.ActiveConnections.Dec()
	}
	m.mu.Unlock()

	if ok && st.exchange != "" {
		m.reconcileExchange(st.exchange)
	}
}

// UpdateSubscription replaces the connection's interest with the given
// exchange and symbol set. Updates from one connection are applied in the
// order received.
func (m *Manager) UpdateSubscription(conn Session, exchangeName string, symbols []string) error {
	normalized := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		sym, err := m.normalize(exchangeName, raw)
		if err != nil {
			return fmt.Errorf("symbol %q: %w", raw, err)
		}
		normalized[sym] = struct{}{}
	}

	m.mu.Lock()
	st, ok := m.conns[conn]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("connection not registered")
	}
	oldExchange := st.exchange
	st.exchange = exchangeName
	st.symbols = normalized
	m.mu.Unlock()

	if oldExchange != "" && oldExchange != exchangeName {
		m.reconcileExchange(oldExchange)
	}
	m.reconcileExchange(exchangeName)
	return nil
}

// unionLocked computes the symbol union across all connections on an exchange.
// Caller holds m.mu.
func (m *Manager) unionLocked(exchangeName string) map[string]struct{} {
	union := make(map[string]struct{})
	for _, st := range m.conns {
		if st.exchange != exchangeName {
			continue
		}
		for sym := range st.symbols {
			union[sym] = struct{}{}
		}
	}
	return union
}

func equalSets(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// reconcileExchange restarts the exchange's feed task if the union changed.
// An unchanged union is a no-op, so repeated identical subscriptions cause no
// restart storms.
func (m *Manager) reconcileExchange(exchangeName string) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	union := m.unionLocked(exchangeName)
	current := m.exchanges[exchangeName]
	if current != nil && equalSets(current.symbols, union) {
		m.mu.Unlock()
		return
	}
	if current == nil && len(union) == 0 {
		m.mu.Unlock()
		return
	}
	delete(m.exchanges, exchangeName)
	m.mu.Unlock()

	if current != nil {
		m.stopStream(exchangeName, current)
	}
	if len(union) == 0 {
		m.logger.Infof("%s: no subscribers left, feed idle", exchangeName)
		return
	}

	symbols := make([]string, 0, len(union))
	for sym := range union {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	ctx, cancel := context.WithCancel(context.Background())
	stream := &exchangeStream{
		symbols: union,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	runner := m.factory(exchangeName, symbols, m.BroadcastPrice, func(status string) {
		m.BroadcastStatus(exchangeName, status)
	})

	m.mu.Lock()
	m.exchanges[exchangeName] = stream
	m.mu.Unlock()

	metrics.ActiveFeeds.Inc()
	m.logger.Infof("%s: starting feed task for %d symbols", exchangeName, len(symbols))

	go func() {
		defer close(stream.done)
		defer metrics.ActiveFeeds.Dec()
		runner.Run(ctx)
	}()
}

// stopStream signals the task to stop and waits up to the configured timeout
// before abandoning it.
func (m *Manager) stopStream(exchangeName string, stream *exchangeStream) {
	stream.cancel()
	select {
	case <-stream.done:
	case <-time.After(m.cfg.StopTimeout):
		m.logger.Warnf("%s: feed task did not stop within %v, force-cancelled", exchangeName, m.cfg.StopTimeout)
	}
}

// BroadcastPrice delivers an update to every connection on the update's
// exchange whose symbol set contains the symbol, subject to the per
// (connection, symbol) minimum resend interval. A failed send removes that
// connection only.
func (m *Manager) BroadcastPrice(update models.PriceUpdate) {
	now := time.Now()
	msg := PriceMessage{
		Type:      "price",
		Exchange:  update.Exchange,
		Symbol:    update.Symbol,
		Price:     update.Price,
		Timestamp: update.Timestamp.UnixMilli(),
	}

	m.mu.Lock()
	targets := make([]Session, 0, len(m.conns))
	for conn, st := range m.conns {
		if st.exchange != update.Exchange {
			continue
		}
		if _, ok := st.symbols[update.Symbol]; !ok {
			continue
		}
		if last, ok := st.lastSent[update.Symbol]; ok && now.Sub(last) < m.cfg.MinResendInterval {
			metrics.FanoutThrottled.Inc()
			continue
		}
		st.lastSent[update.Symbol] = now
		targets = append(targets, conn)
	}
	m.mu.Unlock()

	for _, conn := range targets {
		if err := conn.SendPrice(msg); err != nil {
			m.logger.WithError(err).Debug("price delivery failed, removing connection")
			metrics.FanoutDropped.Inc()
			m.dropConn(conn)
			continue
		}
		metrics.FanoutDeliveries.WithLabelValues("price").Inc()
	}
}

// dropConn removes a connection from inside a broadcast. The union reconcile
// runs on its own goroutine: broadcasts are invoked from feed tasks, and a
// task must never block waiting for its own stop.
func (m *Manager) dropConn(conn Session) {
	m.mu.Lock()
	st, ok := m.conns[conn]
	if ok {
		delete(m.conns, conn)
		metrics.ActiveConnections.Dec()
	}
	m.mu.Unlock()

	if ok && st.exchange != "" {
		go m.reconcileExchange(st.exchange)
	}
}

// BroadcastStatus delivers a feed status transition to every connection on the
// exchange.
func (m *Manager) BroadcastStatus(exchangeName, status string) {
	msg := StatusMessage{Type: "status", Exchange: exchangeName, Status: status}

	m.mu.Lock()
	targets := make([]Session, 0, len(m.conns))
	for conn, st := range m.conns {
		if st.exchange == exchangeName {
			targets = append(targets, conn)
		}
	}
	m.mu.Unlock()

	for _, conn := range targets {
		if err := conn.SendStatus(msg); err != nil {
			m.logger.WithError(err).Debug("status delivery failed, removing connection")
			metrics.FanoutDropped.Inc()
			m.dropConn(conn)
			continue
		}
		metrics.FanoutDeliveries.WithLabelValues("status").Inc()
	}
}

// Shutdown stops every running feed task.
func (m *Manager) Shutdown() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	streams := make(map[string]*exchangeStream, len(m.exchanges))
	for name, stream := range m.exchanges {
		streams[name] = stream
	}
	m.exchanges = make(map[string]*exchangeStream)
	m.mu.Unlock()

	for name, stream := range streams {
		m.stopStream(name, stream)
	}
}

// ActiveExchanges lists exchanges with a running feed task, for health output.
func (m *Manager) ActiveExchanges() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.exchanges))
	for name := range m.exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
