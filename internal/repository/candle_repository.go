package repository

import (
	"context"
	"fmt"
	"time"

	"marketsync/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// CandleRepository stores candles in ClickHouse. The candles table is a
// ReplacingMergeTree keyed by (exchange, symbol, timeframe, open_time), so
// inserting the same point again replaces the row instead of duplicating it.
type CandleRepository struct {
	clickhouse driver.Conn
	logger     *logrus.Logger
}

func NewCandleRepository(clickhouse driver.Conn, logger *logrus.Logger) *CandleRepository {
	return &CandleRepository{
		clickhouse: clickhouse,
		logger:     logger,
	}
}

// UpsertCandles writes a batch of candles and returns the number written.
func (r *CandleRepository) UpsertCandles(ctx context.Context, candles []*models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	batch, err := r.clickhouse.PrepareBatch(ctx, `
		INSERT INTO candles (
			exchange, symbol, timeframe, open_time, close_time,
			open, high, low, close, volume,
			created_at, updated_at
		)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, candle := range candles {
		open, _ := candle.Open.Float64()
		high, _ := candle.High.Float64()
		low, _ := candle.Low.Float64()
		close, _ := candle.Close.Float64()
		volume, _ := candle.Volume.Float64()

		err := batch.Append(
			candle.Exchange, candle.Symbol, candle.Timeframe,
			candle.OpenTime, candle.CloseTime,
			open, high, low, close, volume,
			candle.CreatedAt, candle.UpdatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send batch: %w", err)
	}

	return len(candles), nil
}

// GetLatestOpenTime returns the most recent stored open time for the key, in
// milliseconds. The second return is false when no data exists.
func (r *CandleRepository) GetLatestOpenTime(ctx context.Context, exchange, symbol, timeframe string) (int64, bool, error) {
	query := `
		SELECT count(), max(open_time)
		FROM candles
		WHERE exchange = ? AND symbol = ? AND timeframe = ?`

	row := r.clickhouse.QueryRow(ctx, query, exchange, symbol, timeframe)

	var count uint64
	var latest time.Time
	if err := row.Scan(&count, &latest); err != nil {
		return 0, false, fmt.Errorf("failed to query latest open time: %w", err)
	}
	if count == 0 {
		return 0, false, nil
	}

	return latest.UnixMilli(), true, nil
}

// GetOpenTimesInRange returns the set of stored open times (milliseconds) with
// open_time in [startMs, endMs).
func (r *CandleRepository) GetOpenTimesInRange(ctx context.Context, exchange, symbol, timeframe string, startMs, endMs int64) (map[int64]struct{}, error) {
	query := `
		SELECT DISTINCT open_time
		FROM candles
		WHERE exchange = ? AND symbol = ? AND timeframe = ?
		  AND open_time >= ? AND open_time < ?`

	rows, err := r.clickhouse.Query(ctx, query,
		exchange, symbol, timeframe,
		time.UnixMilli(startMs).UTC(), time.UnixMilli(endMs).UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query open times: %w", err)
	}
	defer rows.Close()

	stored := make(map[int64]struct{})
	for rows.Next() {
		var openTime time.Time
		if err := rows.Scan(&openTime); err != nil {
			return nil, fmt.Errorf("failed to scan open time: %w", err)
		}
		stored[openTime.UnixMilli()] = struct{}{}
	}

	return stored, rows.Err()
}

// GetCandles retrieves candles in chronological order, mainly for inspection
// and tests against a live store.
func (r *CandleRepository) GetCandles(ctx context.Context, exchange, symbol, timeframe string, startTime, endTime time.Time, limit int) ([]models.Candle, error) {
	query := `
		SELECT
			exchange, symbol, timeframe, open_time, close_time,
			open, high, low, close, volume,
			created_at, updated_at
		FROM candles FINAL
		WHERE exchange = ? AND symbol = ? AND timeframe = ?`

	args := []interface{}{exchange, symbol, timeframe}

	if !startTime.IsZero() {
		query += " AND open_time >= ?"
		args = append(args, startTime)
	}
	if !endTime.IsZero() {
		query += " AND open_time < ?"
		args = append(args, endTime)
	}

	query += " ORDER BY open_time ASC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.clickhouse.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var candle models.Candle
		var open, high, low, close, volume float64

		err := rows.Scan(
			&candle.Exchange, &candle.Symbol, &candle.Timeframe,
			&candle.OpenTime, &candle.CloseTime,
			&open, &high, &low, &close, &volume,
			&candle.CreatedAt, &candle.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}

		candle.Open = decimal.NewFromFloat(open)
		candle.High = decimal.NewFromFloat(high)
		candle.Low = decimal.NewFromFloat(low)
		candle.Close = decimal.NewFromFloat(close)
		candle.Volume = decimal.NewFromFloat(volume)

		candles = append(candles, candle)
	}

	return candles, rows.Err()
}
