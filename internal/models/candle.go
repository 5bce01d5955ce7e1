package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents one OHLCV bar for an exchange/symbol/timeframe.
// Uniqueness key: (Exchange, Symbol, Timeframe, OpenTime).
type Candle struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PriceUpdate is a transient live tick. Produced by a feed client, consumed
// by the fan-out manager and discarded after broadcast.
type PriceUpdate struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// TimeframeDuration converts a canonical timeframe token to a duration.
// Unknown tokens return zero.
func TimeframeDuration(timeframe string) time.Duration {
	switch timeframe {
	case "1m":
		return 1 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return 1 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return 0
	}
}

// TimeframeStepMs returns the timeframe step in milliseconds, or 0 if unknown.
func TimeframeStepMs(timeframe string) int64 {
	return TimeframeDuration(timeframe).Milliseconds()
}

// AlignToStep truncates a millisecond timestamp down to the timeframe boundary.
func AlignToStep(ms int64, timeframe string) int64 {
	step := TimeframeStepMs(timeframe)
	if step <= 0 {
		return ms
	}
	return ms - ms%step
}

// ValidTimeframes returns the canonical timeframe tokens.
func ValidTimeframes() []string {
	return []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"}
}

// IsValidTimeframe reports whether the token is a known canonical timeframe.
func IsValidTimeframe(timeframe string) bool {
	return TimeframeDuration(timeframe) > 0
}
