// Package gaps reconciles the candle store against the expected regular grid
// of open times and optionally repairs missing points.
package gaps

import (
	"context"
	"fmt"
	"time"

	"marketsync/internal/exchange"
	"marketsync/internal/metrics"
	"marketsync/internal/models"

	"github.com/sirupsen/logrus"
)

// CandleStore is the slice of the persistence layer the reconciler needs.
type CandleStore interface {
	UpsertCandles(ctx context.Context, candles []*models.Candle) (int, error)
	GetOpenTimesInRange(ctx context.Context, exchange, symbol, timeframe string, startMs, endMs int64) (map[int64]struct{}, error)
}

// GapStore records detected gaps and repairs.
type GapStore interface {
	CreateJob(ctx context.Context, job *models.Job) (string, error)
	UpdateJobStatus(ctx context.Context, job *models.Job, status string) error
	StartRun(ctx context.Context, jobID string) (*models.Run, error)
	FinishRun(ctx context.Context, run *models.Run) error
	LogGap(ctx context.Context, gap *models.Gap) (string, error)
	MarkRepaired(ctx context.Context, gap *models.Gap, notes string) error
}

// Params describes one reconciliation request.
type Params struct {
	Exchange  string
	Symbol    string
	Timeframe string
	StartMs   int64
	EndMs     int64

	// Repair issues a single-point fetch for each missing timestamp. A
	// transient failure for one point is a skip, not a run failure: the gap
	// stays open for the next run.
	Repair bool
}

// Result reports one reconciliation run.
type Result struct {
	JobID        string
	RunID        string
	GapsDetected int
	GapsRepaired int
	Fetched      int
	Upserted     int
}

// Reconciler detects and repairs gaps through an exchange adapter.
type Reconciler struct {
	adapters *exchange.Registry
	candles  CandleStore
	store    GapStore
	logger   *logrus.Logger
}

func NewReconciler(adapters *exchange.Registry, candles CandleStore, store GapStore, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		adapters: adapters,
		candles:  candles,
		store:    store,
		logger:   logger,
	}
}

// Run aligns the range to step boundaries, diffs the expected grid against the
// stored open times and processes each missing point.
func (r *Reconciler) Run(ctx context.Context, p Params) (*Result, error) {
	adapter, ok := r.adapters.Get(p.Exchange)
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
	startMs := models.AlignToStep(p.StartMs, p.Timeframe)
	endMs := models.AlignToStep(p.EndMs, p.Timeframe)
	if endMs <= startMs {
		return nil, fmt.Errorf("invalid time range [%d, %d)", startMs, endMs)
	}

	job := &models.Job{
		JobType:   models.JobTypeRepair,
		Exchange:  p.Exchange,
		Symbol:    symbol,
		Timeframe: p.Timeframe,
		StartTime: time.UnixMilli(startMs).UTC(),
		EndTime:   time.UnixMilli(endMs).UTC(),
	}
	if _, err := r.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if err := r.store.UpdateJobStatus(ctx, job, models.StatusRunning); err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}
	run, err := r.store.StartRun(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	result := &Result{JobID: job.ID, RunID: run.ID}
	runErr := r.reconcile(ctx, adapter, symbol, p, startMs, endMs, step, result)

	run.CandlesFetched = result.Fetched
	run.CandlesUpserted = result.Upserted
	if runErr != nil {
		run.Status = models.StatusFailed
		run.LastError = runErr.Error()
	} else {
		run.Status = models.StatusSuccess
	}
	if err := r.store.FinishRun(ctx, run); err != nil {
		r.logger.WithError(err).Warn("failed to persist run state")
	}
	if err := r.store.UpdateJobStatus(ctx, job, run.Status); err != nil {
		r.logger.WithError(err).Warn("failed to persist job state")
	}

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// MissingOpenTimes computes the pure set difference between the expected
// arithmetic sequence and the stored timestamps. Both boundary points are
// included in the expected grid.
func MissingOpenTimes(stored map[int64]struct{}, startMs, endMs, step int64) []int64 {
	missing := make([]int64, 0)
	for _, ts := range ExpectedGrid(startMs, endMs, step) {
		if _, ok := stored[ts]; !ok {
			missing = append(missing, ts)
		}
	}
	return missing
}

// ExpectedGrid returns every step-aligned open time in [startMs, endMs).
func ExpectedGrid(startMs, endMs, step int64) []int64 {
	if step <= 0 || endMs <= startMs {
		return nil
	}
	grid := make([]int64, 0, (endMs-startMs)/step)
	for ts := startMs; ts < endMs; ts += step {
		grid = append(grid, ts)
	}
	return grid
}

func (r *Reconciler) reconcile(ctx context.Context, adapter exchange.Adapter, symbol string, p Params, startMs, endMs, step int64, result *Result) error {
	stored, err := r.candles.GetOpenTimesInRange(ctx, p.Exchange, symbol, p.Timeframe, startMs, endMs)
	if err != nil {
		return fmt.Errorf("failed to read stored open times: %w", err)
	}

	missing := MissingOpenTimes(stored, startMs, endMs, step)

	for _, ts := range missing {
		gap := &models.Gap{
			Exchange:          p.Exchange,
			Symbol:            symbol,
			Timeframe:         p.Timeframe,
			ExpectedOpenTime:  time.UnixMilli(ts).UTC(),
			ExpectedCloseTime: time.UnixMilli(ts + step - 1).UTC(),
			DetectedAt:        time.Now().UTC(),
		}
		if _, err := r.store.LogGap(ctx, gap); err != nil {
			return fmt.Errorf("failed to log gap: %w", err)
		}
		result.GapsDetected++
		metrics.GapsDetected.WithLabelValues(p.Exchange, p.Timeframe).Inc()

		if !p.Repair {
			continue
		}
		repaired, err := r.repairPoint(ctx, adapter, symbol, p.Timeframe, ts, step, gap, result)
		if err != nil {
			return err
		}
		if repaired {
			result.GapsRepaired++
			metrics.GapsRepaired.WithLabelValues(p.Exchange, p.Timeframe).Inc()
		}
	}

	return nil
}

// repairPoint fetches exactly one step worth of data. Any fetch problem is a
// skip: the gap stays open until a later run succeeds. A failed upsert is not
// skippable: it fails the run with the counters committed so far.
func (r *Reconciler) repairPoint(ctx context.Context, adapter exchange.Adapter, symbol, timeframe string, ts, step int64, gap *models.Gap, result *Result) (bool, error) {
	page, err := adapter.FetchCandles(ctx, symbol, timeframe, ts, ts+step, 1)
	if err != nil {
		r.logger.WithError(err).Debugf("repair fetch skipped for %s %s at %d", symbol, timeframe, ts)
		return false, nil
	}
	if len(page) == 0 {
		return false, nil
	}
	result.Fetched += len(page)

	n, err := r.candles.UpsertCandles(ctx, page)
	if err != nil {
		return false, fmt.Errorf("failed to upsert repaired candle at %d: %w", ts, err)
	}
	result.Upserted += n

	if err := r.store.MarkRepaired(ctx, gap, "repaired by single-point fetch"); err != nil {
		r.logger.WithError(err).Warn("failed to mark gap repaired")
	}
	return true, nil
}
