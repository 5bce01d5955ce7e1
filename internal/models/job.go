package models

import "time"

// Job types
const (
	JobTypeBackfill = "backfill"
	JobTypeRepair   = "repair"
)

// Job and run statuses
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Job describes one backfill or repair request over a time range.
type Job struct {
	ID        string    `json:"id"`
	JobType   string    `json:"job_type"`
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is one execution attempt of a Job. Counters reflect whatever was
// committed before a failure; they are never rolled back.
type Run struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Status          string    `json:"status"`
	CandlesFetched  int       `json:"candles_fetched"`
	CandlesUpserted int       `json:"candles_upserted"`
	LastOpenTime    time.Time `json:"last_open_time"`
	LastError       string    `json:"last_error"`
}

// Gap records an expected candle timestamp with no stored row.
// Uniqueness key: (Exchange, Symbol, Timeframe, ExpectedOpenTime).
type Gap struct {
	ID                string    `json:"id"`
	Exchange          string    `json:"exchange"`
	Symbol            string    `json:"symbol"`
	Timeframe         string    `json:"timeframe"`
	ExpectedOpenTime  time.Time `json:"expected_open_time"`
	ExpectedCloseTime time.Time `json:"expected_close_time"`
	DetectedAt        time.Time `json:"detected_at"`
	RepairedAt        time.Time `json:"repaired_at"` // zero until repaired
	Notes             string    `json:"notes"`
}

// Repaired reports whether the gap has been filled by a repair run. A zero or
// epoch timestamp (how the store encodes "not yet") counts as unrepaired.
func (g *Gap) Repaired() bool {
	return !g.RepairedAt.IsZero() && g.RepairedAt.Unix() > 0
}
