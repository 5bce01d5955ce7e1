package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeframeDuration(t *testing.T) {
	assert.Equal(t, time.Minute, TimeframeDuration("1m"))
	assert.Equal(t, 15*time.Minute, TimeframeDuration("15m"))
	assert.Equal(t, time.Hour, TimeframeDuration("1h"))
	assert.Equal(t, 24*time.Hour, TimeframeDuration("1d"))
	assert.Equal(t, time.Duration(0), TimeframeDuration("2h"))
	assert.Equal(t, time.Duration(0), TimeframeDuration(""))
}

func TestTimeframeStepMs(t *testing.T) {
	assert.Equal(t, int64(60_000), TimeframeStepMs("1m"))
	assert.Equal(t, int64(3_600_000), TimeframeStepMs("1h"))
	assert.Equal(t, int64(0), TimeframeStepMs("bogus"))
}

func TestAlignToStep(t *testing.T) {
	// 2024-01-01T00:30:15.250Z aligned to the hour is 00:00.
	ms := time.Date(2024, 1, 1, 0, 30, 15, 250_000_000, time.UTC).UnixMilli()
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, AlignToStep(ms, "1h"))

	// Already aligned timestamps are unchanged.
	assert.Equal(t, want, AlignToStep(want, "1h"))

	// Unknown timeframes pass the timestamp through.
	assert.Equal(t, ms, AlignToStep(ms, "7h"))
}

func TestIsValidTimeframe(t *testing.T) {
	for _, tf := range ValidTimeframes() {
		assert.True(t, IsValidTimeframe(tf), tf)
	}
	assert.False(t, IsValidTimeframe("2h"))
	assert.False(t, IsValidTimeframe("1w"))
	assert.False(t, IsValidTimeframe(""))
}

func TestGapRepaired(t *testing.T) {
	var gap Gap
	assert.False(t, gap.Repaired())

	// The store encodes "not repaired" as the DateTime64 epoch zero.
	gap.RepairedAt = time.UnixMilli(0).UTC()
	assert.False(t, gap.Repaired())

	gap.RepairedAt = time.Now().UTC()
	assert.True(t, gap.Repaired())
}
