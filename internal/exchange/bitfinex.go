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

// Bitfinex adapter. Candle rows come back as
// [MTS, OPEN, CLOSE, HIGH, LOW, VOLUME]. Close precedes high/low on this
// exchange; the field order is preserved here and pinned by tests.
type Bitfinex struct {
	restURL    string
	wsURL      string
	httpClient *http.Client
	logger     *logrus.Logger
}

var bitfinexTimeframes = map[string]string{
	"1m":  "1m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "1h",
	"4h":  "4h",
	"1d":  "1D",
}

func NewBitfinex(logger *logrus.Logger) *Bitfinex {
	return &Bitfinex{
		restURL:    "https://api-pub.bitfinex.com/v2",
		wsURL:      "wss://api-pub.bitfinex.com/ws/2",
		httpClient: defaultHTTPClient(),
		logger:     logger,
	}
}

func (b *Bitfinex) Name() string {
	return "bitfinex"
}

func (b *Bitfinex) Timeframes() map[string]string {
	return bitfinexTimeframes
}

// NormalizeSymbol canonicalizes to the t-prefixed form, e.g. "btcusd" and
// "tBTCUSD" both become "tBTCUSD".
func (b *Bitfinex) NormalizeSymbol(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidSymbol
	}
	if strings.HasPrefix(s, "t") {
		s = s[1:]
	}
	s = strings.ToUpper(s)
	if len(s) < 6 || strings.ContainsAny(s, " \t@/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return "t" + s, nil
}

// FetchCandles returns one ascending page of candles with open time in
// [startMs, endMs).
func (b *Bitfinex) FetchCandles(ctx context.Context, symbol, timeframe string, startMs, endMs int64, limit int) ([]*models.Candle, error) {
	sym, err := b.NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	wireTf, ok := bitfinexTimeframes[timeframe]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, timeframe)
	}

	// Bitfinex treats end as inclusive
	url := fmt.Sprintf("%s/candles/trade:%s:%s/hist?start=%d&end=%d&limit=%d&sort=1",
		b.restURL, wireTf, sym, startMs, endMs-1, limit)

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

	var rows [][]json.Number
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &FetchError{Kind: Permanent, Exchange: b.Name(), Err: fmt.Errorf("malformed candle response: %w", err)}
	}

	step := models.TimeframeDuration(timeframe)
	now := time.Now().UTC()
	candles := make([]*models.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseBitfinexRow(row, b.Name(), sym, timeframe, step, now)
		if err != nil {
			return nil, &FetchError{Kind: Permanent, Exchange: b.Name(), Err: err}
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// parseBitfinexRow converts one [mts, open, close, high, low, volume] tuple.
func parseBitfinexRow(row []json.Number, exchange, symbol, timeframe string, step time.Duration, now time.Time) (*models.Candle, error) {
	if len(row) < 6 {
		return nil, fmt.Errorf("candle row has %d fields, want 6", len(row))
	}

	mts, err := row[0].Int64()
	if err != nil {
		return nil, fmt.Errorf("bad candle timestamp %q: %w", row[0], err)
	}

	open, err1 := decimal.NewFromString(row[1].String())
	close, err2 := decimal.NewFromString(row[2].String())
	high, err3 := decimal.NewFromString(row[3].String())
	low, err4 := decimal.NewFromString(row[4].String())
	volume, err5 := decimal.NewFromString(row[5].String())
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return nil, fmt.Errorf("bad candle field: %w", err)
		}
	}

	openTime := time.UnixMilli(mts).UTC()
	return &models.Candle{
		Exchange:  exchange,
		Symbol:    symbol,
		Timeframe: timeframe,
		OpenTime:  openTime,
		CloseTime: openTime.Add(step - time.Millisecond),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

type bitfinexEvent struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
}

// StreamPrices runs one WebSocket session. Bitfinex assigns an opaque channel
// id per subscribed symbol; ticks only carry that id, so the subscribed event
// must be mapped back to the symbol before any tick can be attributed.
func (b *Bitfinex) StreamPrices(ctx context.Context, symbols []string, onPrice PriceSink, onStatus StatusSink) error {
	dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", b.wsURL, err)
	}
	defer conn.Close()

	// Unblock the read loop when the caller cancels.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for _, sym := range symbols {
		msg := map[string]string{
			"event":   "subscribe",
			"channel": "ticker",
			"symbol":  sym,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", sym, err)
		}
	}

	if onStatus != nil {
		onStatus(StatusConnected)
	}

	channels := make(map[int64]string, len(symbols))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read failed: %w", err)
		}

		if len(message) == 0 {
			continue
		}

		if message[0] == '{' {
			var ev bitfinexEvent
			if err := json.Unmarshal(message, &ev); err != nil {
				b.logger.WithError(err).Debug("bitfinex: unparseable event")
				continue
			}
			switch ev.Event {
			case "subscribed":
				channels[ev.ChanID] = ev.Symbol
				b.logger.Debugf("bitfinex: channel %d mapped to %s", ev.ChanID, ev.Symbol)
			case "error":
				return fmt.Errorf("bitfinex subscribe error %d: %s", ev.Code, ev.Msg)
			}
			continue
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(message, &frame); err != nil || len(frame) < 2 {
			continue
		}

		var chanID int64
		if err := json.Unmarshal(frame[0], &chanID); err != nil {
			continue
		}

		// Heartbeats arrive as [chanId, "hb"]
		var hb string
		if err := json.Unmarshal(frame[1], &hb); err == nil && hb == "hb" {
			continue
		}

		symbol, ok := channels[chanID]
		if !ok {
			continue
		}

		var ticker []json.Number
		if err := json.Unmarshal(frame[1], &ticker); err != nil || len(ticker) < 7 {
			continue
		}

		// Ticker payload index 6 is LAST_PRICE
		price, err := decimal.NewFromString(ticker[6].String())
		if err != nil {
			continue
		}

		onPrice(models.PriceUpdate{
			Exchange:  b.Name(),
			Symbol:    symbol,
			Price:     price,
			Timestamp: time.Now().UTC(),
		})
	}
}
