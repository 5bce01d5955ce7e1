package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marketsync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Binance adapter. Klines use the standard
// [openTimeMs, open, high, low, close, volume, closeTimeMs, ...] order.
type Binance struct {
	restURL    string
	wsURL      string
	httpClient *http.Client
	logger     *logrus.Logger
}

var binanceTimeframes = map[string]string{
	"1m":  "1m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "1h",
	"4h":  "4h",
	"1d":  "1d",
}

// Base assets whose USD pairs trade as USDT pairs on Binance.
var binanceUSDTBases = map[string]struct{}{
	"BTC": {}, "ETH": {}, "LTC": {}, "XRP": {}, "BNB": {},
	"ADA": {}, "SOL": {}, "DOGE": {}, "DOT": {}, "AVAX": {},
}

func NewBinance(logger *logrus.Logger) *Binance {
	return &Binance{
		restURL:    "https://api.binance.com",
		wsURL:      "wss://stream.binance.com:9443",
		httpClient: defaultHTTPClient(),
		logger:     logger,
	}
}

func (b *Binance) Name() string {
	return "binance"
}

func (b *Binance) Timeframes() map[string]string {
	return binanceTimeframes
}

// NormalizeSymbol uppercases and substitutes USD with USDT for the known base
// assets, e.g. "btcusd" becomes "BTCUSDT". Already-USDT symbols pass through.
func (b *Binance) NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", ErrInvalidSymbol
	}
	if len(s) < 5 || strings.ContainsAny(s, " \t@/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	if strings.HasSuffix(s, "USD") && !strings.HasSuffix(s, "TUSD") {
		base := strings.TrimSuffix(s, "USD")
		if _, ok := binanceUSDTBases[base]; ok {
			return base + "USDT", nil
		}
	}
	return s, nil
}

// FetchCandles returns one ascending page of klines with open time in
// [startMs, endMs).
func (b *Binance) FetchCandles(ctx context.Context, symbol, timeframe string, startMs, endMs int64, limit int) ([]*models.Candle, error) {
	sym, err := b.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	wireTf, ok := binanceTimeframes[timeframe]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, timeframe)
	}

	// Binance treats endTime as inclusive
	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&startTime=%d&endTime=%d&limit=%d",
		b.restURL, sym, wireTf, startMs, endMs-1, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Kind: Permanent, Exchange: b.Name(), Err: err}
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: Transient, Exchange: b.Name(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Kind: Transient, Exchange: b.Name(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{
			Kind:     classifyStatus(resp.StatusCode),
			Exchange: b.Name(),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body))),
		}
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &FetchError{Kind: Permanent, Exchange: b.Name(), Err: fmt.Errorf("malformed kline response: %w", err)}
	}

	now := time.Now().UTC()
	candles := make([]*models.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseBinanceKline(row, b.Name(), sym, timeframe, now)
		if err != nil {
			return nil, &FetchError{Kind: Permanent, Exchange: b.Name(), Err: err}
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// parseBinanceKline converts one kline array. Prices arrive as JSON strings,
// timestamps as numbers.
func parseBinanceKline(row []json.RawMessage, exchange, symbol, timeframe string, now time.Time) (*models.Candle, error) {
	if len(row) < 7 {
		return nil, fmt.Errorf("kline row has %d fields, want at least 7", len(row))
	}

	var openMs, closeMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return nil, fmt.Errorf("bad kline open time: %w", err)
	}
	if err := json.Unmarshal(row[6], &closeMs); err != nil {
		return nil, fmt.Errorf("bad kline close time: %w", err)
	}

	fields := make([]decimal.Decimal, 5)
	for i := 1; i <= 5; i++ {
		var s string
		if err := json.Unmarshal(row[i], &s); err != nil {
			return nil, fmt.Errorf("bad kline field %d: %w", i, err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("bad kline field %d: %w", i, err)
		}
		fields[i-1] = d
	}

	return &models.Candle{
		Exchange:  exchange,
		Symbol:    symbol,
		Timeframe: timeframe,
		OpenTime:  time.UnixMilli(openMs).UTC(),
		CloseTime: time.UnixMilli(closeMs).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

type binanceStreamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		TradeTime int64  `json:"T"`
	} `json:"data"`
}

// StreamPrices runs one WebSocket session against the combined-stream
// endpoint: all symbols are multiplexed into a single URL, so no channel-id
// bookkeeping is needed.
func (b *Binance) StreamPrices(ctx context.Context, symbols []string, onPrice PriceSink, onStatus StatusSink) error {
	streams := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		streams = append(streams, strings.ToLower(sym)+"@trade")
	}
	url := fmt.Sprintf("%s/stream?streams=%s", b.wsURL, strings.Join(streams, "/"))

	dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", url, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if onStatus != nil {
		onStatus(StatusConnected)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read failed: %w", err)
		}

		var msg binanceStreamMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // ping frames and stream control messages
		}
		if msg.Data.EventType != "trade" {
			continue
		}

		price, err := decimal.NewFromString(msg.Data.Price)
		if err != nil {
			continue
		}

		onPrice(models.PriceUpdate{
			Exchange:  b.Name(),
			Symbol:    msg.Data.Symbol,
			Price:     price,
			Timestamp: time.UnixMilli(msg.Data.TradeTime).UTC(),
		})
	}
}
