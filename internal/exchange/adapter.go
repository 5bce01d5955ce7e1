// Package exchange contains the per-exchange adapters: symbol and timeframe
// normalization, paginated REST candle fetches and live price streaming.
package exchange

import (
	"context"
	"net/http"
	"time"

	"marketsync/internal/models"
)

// Feed status values delivered through StatusSink.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// PriceSink receives parsed live ticks.
type PriceSink func(update models.PriceUpdate)

// StatusSink receives connection-state transitions.
type StatusSink func(status string)

// Adapter is the per-exchange contract. Symbol normalization must be
// deterministic and idempotent: the canonical form is used both for storage
// keys and for upstream channel subscriptions.
type Adapter interface {
	Name() string

	// NormalizeSymbol converts a raw symbol to its canonical form for this
	// exchange. Empty or malformed input returns ErrInvalidSymbol.
	NormalizeSymbol(raw string) (string, error)

	// Timeframes maps canonical timeframe tokens to the exchange wire tokens.
	Timeframes() map[string]string

	// FetchCandles returns one ordered page of candles with open time in
	// [startMs, endMs). Unsupported timeframes return ErrUnsupportedTimeframe;
	// fetch failures return a *FetchError.
	FetchCandles(ctx context.Context, symbol, timeframe string, startMs, endMs int64, limit int) ([]*models.Candle, error)

	// StreamPrices runs a single connection session: dial, subscribe to the
	// given symbols, emit ticks until the context is cancelled or the
	// connection fails. onStatus receives "connected" once the subscription is
	// live. The reconnect loop is owned by the caller.
	StreamPrices(ctx context.Context, symbols []string, onPrice PriceSink, onStatus StatusSink) error
}

// Registry holds the configured adapters keyed by exchange name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(exchange string) (Adapter, bool) {
	a, ok := r.adapters[exchange]
	return a, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}
