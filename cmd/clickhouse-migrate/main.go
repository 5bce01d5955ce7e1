package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env
	_ = godotenv.Load()

	host := getEnv("CLICKHOUSE_HOST", "localhost")
	port := getEnv("CLICKHOUSE_PORT", "9000")
	database := getEnv("CLICKHOUSE_DATABASE", "marketsync")
	username := getEnv("CLICKHOUSE_USERNAME", "default")
	password := getEnv("CLICKHOUSE_PASSWORD", "")

	// Connect to ClickHouse
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", host, port)},
		Auth: clickhouse.Auth{
			Database: "default", // Connect to default first
			Username: username,
			Password: password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatal("Failed to connect to ClickHouse:", err)
	}
	defer conn.Close()

	ctx := context.Background()

	// Create database
	log.Printf("Creating database: %s", database)
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database)
	if err := conn.Exec(ctx, query); err != nil {
		log.Fatal("Failed to create database:", err)
	}
	log.Println("✓ Database created")

	// Reconnect to the new database
	conn.Close()
	conn, err = clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", host, port)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatal("Failed to reconnect to database:", err)
	}
	defer conn.Close()

	// Create candles table. ReplacingMergeTree keyed by the candle identity
	// makes re-inserting the same point an upsert rather than a duplicate.
	log.Println("Creating candles table...")
	query = `
		CREATE TABLE IF NOT EXISTS candles (
			exchange LowCardinality(String),
			symbol LowCardinality(String),
			timeframe LowCardinality(String),
			open_time DateTime64(3),
			close_time DateTime64(3),
			open Float64 CODEC(DoubleDelta, LZ4),
			high Float64 CODEC(DoubleDelta, LZ4),
			low Float64 CODEC(DoubleDelta, LZ4),
			close Float64 CODEC(DoubleDelta, LZ4),
			volume Float64 CODEC(Gorilla, ZSTD(1)),
			created_at DateTime DEFAULT now(),
			updated_at DateTime DEFAULT now(),
			date Date MATERIALIZED toDate(open_time)
		)
		ENGINE = ReplacingMergeTree(updated_at)
		PARTITION BY (timeframe, toYYYYMM(date))
		ORDER BY (exchange, symbol, timeframe, open_time)
		SETTINGS index_granularity = 8192
	`
	if err := conn.Exec(ctx, query); err != nil {
		log.Fatal("Failed to create candles table:", err)
	}
	log.Println("✓ Candles table created")

	// Create backfill_jobs table
	log.Println("Creating backfill_jobs table...")
	query = `
		CREATE TABLE IF NOT EXISTS backfill_jobs (
			id String,
			job_type LowCardinality(String),
			exchange LowCardinality(String),
			symbol LowCardinality(String),
			timeframe LowCardinality(String),
			start_time DateTime64(3),
			end_time DateTime64(3),
			status LowCardinality(String),
			created_at DateTime64(3),
			updated_at DateTime64(3)
		)
		ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY id
	`
	if err := conn.Exec(ctx, query); err != nil {
		log.Fatal("Failed to create backfill_jobs table:", err)
	}
	log.Println("✓ Backfill jobs table created")

	// Create job_runs table
	log.Println("Creating job_runs table...")
	query = `
		CREATE TABLE IF NOT EXISTS job_runs (
			id String,
			job_id String,
			started_at DateTime64(3),
			finished_at DateTime64(3),
			status LowCardinality(String),
			candles_fetched Int64,
			candles_upserted Int64,
			last_open_time DateTime64(3),
			last_error String
		)
		ENGINE = ReplacingMergeTree(finished_at)
		ORDER BY id
	`
	if err := conn.Exec(ctx, query); err != nil {
		log.Fatal("Failed to create job_runs table:", err)
	}
	log.Println("✓ Job runs table created")

	// Create candle_gaps table. repaired_at stays at the DateTime64 zero
	// value until a repair run fills the point.
	log.Println("Creating candle_gaps table...")
	query = `
		CREATE TABLE IF NOT EXISTS candle_gaps (
			id String,
			exchange LowCardinality(String),
			symbol LowCardinality(String),
			timeframe LowCardinality(String),
			expected_open_time DateTime64(3),
			expected_close_time DateTime64(3),
			detected_at DateTime64(3),
			repaired_at DateTime64(3) DEFAULT toDateTime64(0, 3),
			notes String
		)
		ENGINE = ReplacingMergeTree(repaired_at)
		ORDER BY id
	`
	if err := conn.Exec(ctx, query); err != nil {
		log.Fatal("Failed to create candle_gaps table:", err)
	}
	log.Println("✓ Candle gaps table created")

	// Add indexes
	log.Println("Adding indexes...")

	indexes := []string{
		"ALTER TABLE candles ADD INDEX IF NOT EXISTS symbol_idx (symbol) TYPE bloom_filter() GRANULARITY 1",
		"ALTER TABLE candles ADD INDEX IF NOT EXISTS exchange_idx (exchange) TYPE bloom_filter() GRANULARITY 1",
		"ALTER TABLE candle_gaps ADD INDEX IF NOT EXISTS gap_symbol_idx (symbol) TYPE bloom_filter() GRANULARITY 1",
	}

	for _, idx := range indexes {
		if err := conn.Exec(ctx, idx); err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
		}
	}
	log.Println("✓ Indexes created")

	log.Println("\n✅ ClickHouse migration completed successfully!")
	log.Printf("Database: %s", database)
	log.Println("Tables: candles, backfill_jobs, job_runs, candle_gaps")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
