// Package feed owns the per-exchange reconnect loop around a single upstream
// streaming session.
package feed

import (
	"context"
	"sync"
	"time"

	"marketsync/internal/exchange"
	"marketsync/internal/metrics"
	"marketsync/internal/models"

	"github.com/sirupsen/logrus"
)

// Backoff produces capped exponential retry delays. Reset after a successful
// reconnect returns the delay to its floor.
type Backoff struct {
	floor   time.Duration
	cap     time.Duration
	mu      sync.Mutex
	current time.Duration
}

func NewBackoff(floor, cap time.Duration) *Backoff {
	if floor <= 0 {
		floor = time.Second
	}
	if cap < floor {
		cap = floor
	}
	return &Backoff{floor: floor, cap: cap}
}

// Next returns the delay to wait before the next attempt and doubles the
// internal state up to the cap.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == 0 {
		b.current = b.floor
	}
	d := b.current
	b.current *= 2
	if b.current > b.cap {
		b.current = b.cap
	}
	return d
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = 0
	b.mu.Unlock()
}

// Client maintains one upstream feed for one exchange:
// disconnected -> connecting -> connected -> disconnected, looping until the
// context is cancelled. Stream errors never propagate to the caller; they are
// observable only through onStatus transitions and logs.
type Client struct {
	adapter  exchange.Adapter
	symbols  []string
	onPrice  exchange.PriceSink
	onStatus exchange.StatusSink
	backoff  *Backoff
	logger   *logrus.Logger
}

func NewClient(adapter exchange.Adapter, symbols []string, onPrice exchange.PriceSink, onStatus exchange.StatusSink, backoff *Backoff, logger *logrus.Logger) *Client {
	return &Client{
		adapter:  adapter,
		symbols:  symbols,
		onPrice:  onPrice,
		onStatus: onStatus,
		backoff:  backoff,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled. With an empty symbol set no connection is
// made at all.
func (c *Client) Run(ctx context.Context) {
	if len(c.symbols) == 0 {
		return
	}

	name := c.adapter.Name()

	for {
		if ctx.Err() != nil {
			return
		}

		c.emitStatus(exchange.StatusConnecting)
		metrics.FeedReconnects.WithLabelValues(name).Inc()

		err := c.adapter.StreamPrices(ctx, c.symbols, c.handlePrice, c.handleSessionStatus)
		c.emitStatus(exchange.StatusDisconnected)

		if ctx.Err() != nil {
			return
		}

		delay := c.backoff.Next()
		c.logger.WithError(err).Warnf("%s feed disconnected, reconnecting in %v", name, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) handlePrice(update models.PriceUpdate) {
	metrics.PriceUpdates.WithLabelValues(c.adapter.Name()).Inc()
	if c.onPrice != nil {
		c.onPrice(update)
	}
}

// handleSessionStatus forwards adapter status and resets the backoff once a
// session reports connected, so the next failure starts from the floor again.
func (c *Client) handleSessionStatus(status string) {
	if status == exchange.StatusConnected {
		c.backoff.Reset()
	}
	c.emitStatus(status)
}

func (c *Client) emitStatus(status string) {
	if c.onStatus != nil {
		c.onStatus(status)
	}
}
