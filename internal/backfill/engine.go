// Package backfill drives historical candle ingestion: paginated REST fetches
// through an exchange adapter, idempotent upserts into the candle store, and
// job/run accounting.
package backfill

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"marketsync/internal/config"
	"marketsync/internal/exchange"
	"marketsync/internal/metrics"
	"marketsync/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// CandleStore is the slice of the persistence layer the engine needs.
type CandleStore interface {
	UpsertCandles(ctx context.Context, candles []*models.Candle) (int, error)
	GetLatestOpenTime(ctx context.Context, exchange, symbol, timeframe string) (int64, bool, error)
}

// JobStore records jobs and runs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) (string, error)
	UpdateJobStatus(ctx context.Context, job *models.Job, status string) error
	StartRun(ctx context.Context, jobID string) (*models.Run, error)
	FinishRun(ctx context.Context, run *models.Run) error
}

// Params describes one backfill request.
type Params struct {
	Exchange  string
	Symbol    string
	Timeframe string
	StartMs   int64
	EndMs     int64

	// Resume starts from the latest stored open time plus one step. With no
	// prior data an explicit StartMs is required.
	Resume bool

	// OnPage, when set, is called after each fetched page with the row count.
	OnPage func(rows int)
}

// Result reports what one run committed. Counters are accurate even when the
// run failed midway; upserts are durable and never rolled back.
type Result struct {
	JobID    string
	RunID    string
	Fetched  int
	Upserted int
}

// Engine executes backfill runs. Safe for concurrent use; each exchange's REST
// budget is guarded by a shared rate limiter.
type Engine struct {
	adapters *exchange.Registry
	candles  CandleStore
	jobs     JobStore
	cfg      config.BackfillConfig
	logger   *logrus.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Conservative REST budgets per exchange.
var defaultRESTLimits = map[string]rate.Limit{
	"bitfinex": rate.Limit(1.5), // 90 req/min published limit
	"binance":  rate.Limit(10),
}

func NewEngine(adapters *exchange.Registry, candles CandleStore, jobs JobStore, cfg config.BackfillConfig, logger *logrus.Logger) *Engine {
	return &Engine{
		adapters: adapters,
		candles:  candles,
		jobs:     jobs,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (e *Engine) limiter(exchangeName string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l, ok := e.limiters[exchangeName]; ok {
		return l
	}
	limit, ok := defaultRESTLimits[exchangeName]
	if !ok {
		limit = rate.Limit(2)
	}
	l := rate.NewLimiter(limit, 3)
	e.limiters[exchangeName] = l
	return l
}

// Run executes one backfill over [start, end). On failure the returned Result
// still carries the counts committed before the error.
func (e *Engine) Run(ctx context.Context, p Params) (*Result, error) {
	adapter, ok := e.adapters.Get(p.Exchange)
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", p.Exchange)
	}

	symbol, err := adapter.NormalizeSymbol(p.Symbol)
	if err != nil {
		return nil, err
	}
	if !models.IsValidTimeframe(p.Timeframe) {
		return nil, fmt.Errorf("%w: %q", exchange.ErrUnsupportedTimeframe, p.Timeframe)
	}
	step := models.TimeframeStepMs(p.Timeframe)

	startMs := p.StartMs
	if p.Resume {
		latest, found, err := e.candles.GetLatestOpenTime(ctx, p.Exchange, symbol, p.Timeframe)
		if err != nil {
			return nil, fmt.Errorf("failed to read latest open time: %w", err)
		}
		if found {
			startMs = latest + step
		} else if p.StartMs == 0 {
			return nil, fmt.Errorf("resume requested but no prior data for %s %s %s: explicit start required",
				p.Exchange, symbol, p.Timeframe)
		}
	}
	if startMs <= 0 || p.EndMs <= startMs {
		return nil, fmt.Errorf("invalid time range [%d, %d)", startMs, p.EndMs)
	}

	job := &models.Job{
		JobType:   models.JobTypeBackfill,
		Exchange:  p.Exchange,
		Symbol:    symbol,
		Timeframe: p.Timeframe,
		StartTime: time.UnixMilli(startMs).UTC(),
		EndTime:   time.UnixMilli(p.EndMs).UTC(),
	}
	if _, err := e.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if err := e.jobs.UpdateJobStatus(ctx, job, models.StatusRunning); err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}

	run, err := e.jobs.StartRun(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	result := &Result{JobID: job.ID, RunID: run.ID}
	runErr := e.runPages(ctx, adapter, symbol, p, startMs, step, run, result)

	run.CandlesFetched = result.Fetched
	run.CandlesUpserted = result.Upserted
	if runErr != nil {
		run.Status = models.StatusFailed
		run.LastError = runErr.Error()
	} else {
		run.Status = models.StatusSuccess
	}
	if err := e.jobs.FinishRun(ctx, run); err != nil {
		e.logger.WithError(err).Warn("failed to persist run state")
	}
	if err := e.jobs.UpdateJobStatus(ctx, job, run.Status); err != nil {
		e.logger.WithError(err).Warn("failed to persist job state")
	}

	if runErr != nil {
		return result, runErr
	}

	e.logger.Infof("backfill %s %s %s done: fetched=%d upserted=%d",
		p.Exchange, symbol, p.Timeframe, result.Fetched, result.Upserted)
	return result, nil
}

// runPages walks the cursor across the range, buffering rows and flushing
// fixed-size batches. Cursor advancement is strictly monotonic: short or
// duplicate pages can never stall it.
func (e *Engine) runPages(ctx context.Context, adapter exchange.Adapter, symbol string, p Params, startMs, step int64, run *models.Run, result *Result) error {
	limiter := e.limiter(p.Exchange)
	cursor := startMs
	buffer := make([]*models.Candle, 0, e.cfg.BatchWriteSize)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		n, err := e.candles.UpsertCandles(ctx, buffer)
		if err != nil {
			return fmt.Errorf("failed to upsert candles: %w", err)
		}
		result.Upserted += n
		metrics.CandlesUpserted.WithLabelValues(p.Exchange, p.Timeframe).Add(float64(n))
		buffer = buffer[:0]
		return nil
	}

	for cursor < p.EndMs {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		page, err := e.fetchPageWithRetry(ctx, adapter, symbol, p.Timeframe, cursor, p.EndMs)
		if err != nil {
			// Flush what we have so the committed counters stay accurate.
			if ferr := flush(); ferr != nil {
				e.logger.WithError(ferr).Warn("flush after fetch failure also failed")
			}
			return err
		}
		metrics.BackfillPages.WithLabelValues(p.Exchange).Inc()

		if p.OnPage != nil {
			p.OnPage(len(page))
		}
		if len(page) == 0 {
			break
		}

		result.Fetched += len(page)
		lastRowMs := cursor
		for _, candle := range page {
			buffer = append(buffer, candle)
			if ms := candle.OpenTime.UnixMilli(); ms > lastRowMs {
				lastRowMs = ms
			}
			if len(buffer) >= e.cfg.BatchWriteSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		run.LastOpenTime = time.UnixMilli(lastRowMs).UTC()

		next := lastRowMs + step
		if min := cursor + step; next < min {
			next = min
		}
		cursor = next
	}

	return flush()
}

// fetchPageWithRetry retries transient failures with exponential backoff and
// optional jitter up to the configured attempt bound. Permanent failures and
// caller errors surface immediately.
func (e *Engine) fetchPageWithRetry(ctx context.Context, adapter exchange.Adapter, symbol, timeframe string, startMs, endMs int64) ([]*models.Candle, error) {
	delay := e.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 0; attempt < e.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			metrics.BackfillRetries.WithLabelValues(adapter.Name()).Inc()
			wait := delay
			if e.cfg.RetryJitter {
				wait += time.Duration(rand.Int63n(int64(delay)/2 + 1))
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
			if delay > e.cfg.RetryMaxDelay {
				delay = e.cfg.RetryMaxDelay
			}
		}

		page, err := adapter.FetchCandles(ctx, symbol, timeframe, startMs, endMs, e.cfg.PageLimit)
		if err == nil {
			return page, nil
		}
		if !exchange.IsTransient(err) {
			return nil, err
		}
		lastErr = err
		e.logger.WithError(err).Warnf("transient fetch failure (attempt %d/%d)", attempt+1, e.cfg.RetryAttempts)
	}

	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", e.cfg.RetryAttempts, lastErr)
}
