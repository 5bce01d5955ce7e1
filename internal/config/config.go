package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Backfill   BackfillConfig
	Feed       FeedConfig
	Fanout     FanoutConfig
	Exchange   ExchangeConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	WSPort      int
	MetricsPort int
	Environment string
}

type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	PubSubChannel string
	PriceTTL      time.Duration
}

type BackfillConfig struct {
	PageLimit      int
	BatchWriteSize int
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    bool
	Workers        int
}

type FeedConfig struct {
	BackoffFloor time.Duration
	BackoffCap   time.Duration
}

type FanoutConfig struct {
	MinResendInterval time.Duration
	StopTimeout       time.Duration
}

type ExchangeConfig struct {
	EnableBitfinex bool
	EnableBinance  bool
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			WSPort:      getEnvInt("WS_PORT", 8080),
			MetricsPort: getEnvInt("METRICS_PORT", 9090),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		ClickHouse: ClickHouseConfig{
			Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:     getEnvInt("CLICKHOUSE_PORT", 9000),
			Database: getEnv("CLICKHOUSE_DATABASE", "market"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PubSubChannel: getEnv("REDIS_PUBSUB_CHANNEL", "marketsync:price:updates"),
			PriceTTL:      time.Duration(getEnvInt("CACHE_TTL_PRICE", 60)) * time.Second,
		},
		Backfill: BackfillConfig{
			PageLimit:      getEnvInt("BACKFILL_PAGE_LIMIT", 1000),
			BatchWriteSize: getEnvInt("BATCH_WRITE_SIZE", 1000),
			RetryAttempts:  getEnvInt("BACKFILL_RETRY_ATTEMPTS", 5),
			RetryBaseDelay: parseDuration(getEnv("BACKFILL_RETRY_BASE_DELAY", "500ms"), 500*time.Millisecond),
			RetryMaxDelay:  parseDuration(getEnv("BACKFILL_RETRY_MAX_DELAY", "30s"), 30*time.Second),
			RetryJitter:    getEnvBool("BACKFILL_RETRY_JITTER", true),
			Workers:        getEnvInt("BACKFILL_WORKERS", 4),
		},
		Feed: FeedConfig{
			BackoffFloor: parseDuration(getEnv("FEED_BACKOFF_FLOOR", "1s"), 1*time.Second),
			BackoffCap:   parseDuration(getEnv("FEED_BACKOFF_CAP", "30s"), 30*time.Second),
		},
		Fanout: FanoutConfig{
			MinResendInterval: parseDuration(getEnv("FANOUT_MIN_RESEND_INTERVAL", "250ms"), 250*time.Millisecond),
			StopTimeout:       parseDuration(getEnv("FANOUT_STOP_TIMEOUT", "5s"), 5*time.Second),
		},
		Exchange: ExchangeConfig{
			EnableBitfinex: getEnvBool("ENABLE_BITFINEX", true),
			EnableBinance:  getEnvBool("ENABLE_BINANCE", true),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ClickHouse.Host == "" {
		return fmt.Errorf("CLICKHOUSE_HOST is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.Backfill.BatchWriteSize <= 0 {
		return fmt.Errorf("BATCH_WRITE_SIZE must be positive")
	}
	return nil
}

func (c *ClickHouseConfig) DSN() string {
	return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s?dial_timeout=10s&max_execution_time=60",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}
