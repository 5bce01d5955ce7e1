package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.WSPort)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, "localhost", cfg.ClickHouse.Host)
	assert.Equal(t, 9000, cfg.ClickHouse.Port)
	assert.Equal(t, 1000, cfg.Backfill.PageLimit)
	assert.Equal(t, 5, cfg.Backfill.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Backfill.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Backfill.RetryMaxDelay)
	assert.True(t, cfg.Backfill.RetryJitter)
	assert.Equal(t, 250*time.Millisecond, cfg.Fanout.MinResendInterval)
	assert.Equal(t, 5*time.Second, cfg.Fanout.StopTimeout)
	assert.True(t, cfg.Exchange.EnableBitfinex)
	assert.True(t, cfg.Exchange.EnableBinance)

	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WS_PORT", "9999")
	t.Setenv("BACKFILL_RETRY_ATTEMPTS", "2")
	t.Setenv("BACKFILL_RETRY_BASE_DELAY", "1s")
	t.Setenv("ENABLE_BINANCE", "false")
	t.Setenv("FANOUT_MIN_RESEND_INTERVAL", "100ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.WSPort)
	assert.Equal(t, 2, cfg.Backfill.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Backfill.RetryBaseDelay)
	assert.False(t, cfg.Exchange.EnableBinance)
	assert.Equal(t, 100*time.Millisecond, cfg.Fanout.MinResendInterval)
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("WS_PORT", "not-a-number")
	t.Setenv("BACKFILL_RETRY_BASE_DELAY", "garbage")
	t.Setenv("ENABLE_BITFINEX", "maybe")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.WSPort)
	assert.Equal(t, 500*time.Millisecond, cfg.Backfill.RetryBaseDelay)
	assert.True(t, cfg.Exchange.EnableBitfinex)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.ClickHouse.Host = ""
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.Backfill.BatchWriteSize = 0
	assert.Error(t, cfg.Validate())
}

func TestConnectionStrings(t *testing.T) {
	ch := ClickHouseConfig{Host: "db", Port: 9000, Database: "market", Username: "default", Password: "pw"}
	assert.Equal(t, "clickhouse://default:pw@db:9000/market?dial_timeout=10s&max_execution_time=60", ch.DSN())

	r := RedisConfig{Host: "cache", Port: 6379}
	assert.Equal(t, "cache:6379", r.Addr())
}
