package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Ingest metrics
	CandlesUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_candles_upserted_total",
			Help: "Total candles written to the store",
		},
		[]string{"exchange", "timeframe"},
	)

	BackfillPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_backfill_pages_total",
			Help: "Total candle pages fetched during backfill",
		},
		[]string{"exchange"},
	)

	BackfillRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_backfill_retries_total",
			Help: "Total transient fetch retries during backfill",
		},
		[]string{"exchange"},
	)

	// Gap reconciliation metrics
	GapsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_gaps_detected_total",
			Help: "Total candle gaps detected",
		},
		[]string{"exchange", "timeframe"},
	)

	GapsRepaired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_gaps_repaired_total",
			Help: "Total candle gaps repaired",
		},
		[]string{"exchange", "timeframe"},
	)

	// Live feed metrics
	FeedReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_feed_reconnects_total",
			Help: "Total upstream feed reconnect attempts",
		},
		[]string{"exchange"},
	)

	PriceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_price_updates_total",
			Help: "Total live price updates received",
		},
		[]string{"exchange"},
	)

	ActiveFeeds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketsync_active_feeds",
			Help: "Number of running upstream feed tasks",
		},
	)

	// Fan-out metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketsync_active_connections",
			Help: "Number of downstream connections",
		},
	)

	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_fanout_deliveries_total",
			Help: "Total price/status messages delivered downstream",
		},
		[]string{"type"},
	)

	FanoutThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketsync_fanout_throttled_total",
			Help: "Total price deliveries suppressed by the per-symbol resend interval",
		},
	)

	FanoutDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketsync_fanout_dropped_connections_total",
			Help: "Total connections removed after a failed delivery",
		},
	)
)

// CounterValue reads the current value of a counter child, used by status
// endpoints and tests.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
