package repository

import (
	"context"
	"fmt"
	"time"

	"marketsync/internal/models"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JobRepository stores backfill jobs, runs and candle gaps in ClickHouse.
// All three tables are ReplacingMergeTree keyed by id and versioned by
// updated_at, so state changes are whole-row re-inserts.
type JobRepository struct {
	clickhouse driver.Conn
	logger     *logrus.Logger
}

func NewJobRepository(clickhouse driver.Conn, logger *logrus.Logger) *JobRepository {
	return &JobRepository{
		clickhouse: clickhouse,
		logger:     logger,
	}
}

// CreateJob inserts a new job and returns its id.
func (r *JobRepository) CreateJob(ctx context.Context, job *models.Job) (string, error) {
	job.ID = uuid.NewString()
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.StatusCreated
	}

	if err := r.insertJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// UpdateJobStatus re-inserts the job row with the new status.
func (r *JobRepository) UpdateJobStatus(ctx context.Context, job *models.Job, status string) error {
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	return r.insertJob(ctx, job)
}

func (r *JobRepository) insertJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO backfill_jobs (
			id, job_type, exchange, symbol, timeframe,
			start_time, end_time, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := r.clickhouse.Exec(ctx, query,
		job.ID, job.JobType, job.Exchange, job.Symbol, job.Timeframe,
		job.StartTime, job.EndTime, job.Status, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// StartRun creates a running Run under the given job and returns it.
func (r *JobRepository) StartRun(ctx context.Context, jobID string) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.NewString(),
		JobID:     jobID,
		StartedAt: time.Now().UTC(),
		Status:    models.StatusRunning,
	}
	if err := r.insertRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// FinishRun re-inserts the run row with its terminal state. Counters reflect
// whatever was committed before a failure.
func (r *JobRepository) FinishRun(ctx context.Context, run *models.Run) error {
	run.FinishedAt = time.Now().UTC()
	return r.insertRun(ctx, run)
}

func (r *JobRepository) insertRun(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO job_runs (
			id, job_id, started_at, finished_at, status,
			candles_fetched, candles_upserted, last_open_time, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := r.clickhouse.Exec(ctx, query,
		run.ID, run.JobID, run.StartedAt, run.FinishedAt, run.Status,
		run.CandlesFetched, run.CandlesUpserted, run.LastOpenTime, run.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// LogGap records a detected gap. Re-detecting an already-open gap returns the
// existing id without inserting a duplicate.
func (r *JobRepository) LogGap(ctx context.Context, gap *models.Gap) (string, error) {
	query := `
		SELECT id FROM candle_gaps FINAL
		WHERE exchange = ? AND symbol = ? AND timeframe = ? AND expected_open_time = ?
		LIMIT 1`

	row := r.clickhouse.QueryRow(ctx, query,
		gap.Exchange, gap.Symbol, gap.Timeframe, gap.ExpectedOpenTime)

	var existingID string
	if err := row.Scan(&existingID); err == nil && existingID != "" {
		gap.ID = existingID
		return existingID, nil
	}

	gap.ID = uuid.NewString()
	if gap.DetectedAt.IsZero() {
		gap.DetectedAt = time.Now().UTC()
	}
	if err := r.insertGap(ctx, gap); err != nil {
		return "", err
	}
	return gap.ID, nil
}

// MarkRepaired stamps the gap as repaired.
func (r *JobRepository) MarkRepaired(ctx context.Context, gap *models.Gap, notes string) error {
	gap.RepairedAt = time.Now().UTC()
	gap.Notes = notes
	return r.insertGap(ctx, gap)
}

func (r *JobRepository) insertGap(ctx context.Context, gap *models.Gap) error {
	query := `
		INSERT INTO candle_gaps (
			id, exchange, symbol, timeframe,
			expected_open_time, expected_close_time,
			detected_at, repaired_at, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := r.clickhouse.Exec(ctx, query,
		gap.ID, gap.Exchange, gap.Symbol, gap.Timeframe,
		gap.ExpectedOpenTime, gap.ExpectedCloseTime,
		gap.DetectedAt, gap.RepairedAt, gap.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert gap: %w", err)
	}
	return nil
}

// OpenGaps returns unrepaired gaps for the key, oldest first.
func (r *JobRepository) OpenGaps(ctx context.Context, exchange, symbol, timeframe string) ([]*models.Gap, error) {
	query := `
		SELECT id, exchange, symbol, timeframe,
		       expected_open_time, expected_close_time,
		       detected_at, repaired_at, notes
		FROM candle_gaps FINAL
		WHERE exchange = ? AND symbol = ? AND timeframe = ?
		  AND repaired_at = toDateTime64(0, 3)
		ORDER BY expected_open_time ASC`

	rows, err := r.clickhouse.Query(ctx, query, exchange, symbol, timeframe)
	if err != nil {
		return nil, fmt.Errorf("failed to query gaps: %w", err)
	}
	defer rows.Close()

	var gaps []*models.Gap
	for rows.Next() {
		var gap models.Gap
		err := rows.Scan(
			&gap.ID, &gap.Exchange, &gap.Symbol, &gap.Timeframe,
			&gap.ExpectedOpenTime, &gap.ExpectedCloseTime,
			&gap.DetectedAt, &gap.RepairedAt, &gap.Notes,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gap: %w", err)
		}
		gaps = append(gaps, &gap)
	}

	return gaps, rows.Err()
}
