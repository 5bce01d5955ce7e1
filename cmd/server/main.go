package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketsync/internal/cache"
	"marketsync/internal/config"
	"marketsync/internal/exchange"
	"marketsync/internal/fanout"
	"marketsync/internal/feed"
	"marketsync/internal/models"
	"marketsync/internal/pubsub"
	"marketsync/internal/server"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting marketsync feed server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	// Initialize ClickHouse; the feed path does not write candles, but the
	// health of the shared store is checked at startup so misconfiguration
	// surfaces here rather than in the first backfill.
	logger.Info("Connecting to ClickHouse...")
	clickhouseConn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.ClickHouse.Host, cfg.ClickHouse.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		logger.Fatal("Failed to connect to ClickHouse: ", err)
	}
	defer clickhouseConn.Close()

	if err := clickhouseConn.Ping(context.Background()); err != nil {
		logger.Fatal("ClickHouse ping failed: ", err)
	}
	logger.Info("ClickHouse connected successfully")

	// Initialize Redis
	logger.Info("Connecting to Redis...")
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis: ", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected successfully")

	publisher := pubsub.NewPublisher(redisClient, cfg.Redis.PubSubChannel, logger)
	priceCache := cache.NewPriceCache(redisClient, logger)

	// Exchange adapters
	var adapters []exchange.Adapter
	if cfg.Exchange.EnableBitfinex {
		adapters = append(adapters, exchange.NewBitfinex(logger))
	}
	if cfg.Exchange.EnableBinance {
		adapters = append(adapters, exchange.NewBinance(logger))
	}
	registry := exchange.NewRegistry(adapters...)
	logger.Infof("Enabled exchanges: %v", registry.Names())

	normalize := func(exchangeName, raw string) (string, error) {
		adapter, ok := registry.Get(exchangeName)
		if !ok {
			return "", fmt.Errorf("unknown exchange %q", exchangeName)
		}
		return adapter.NormalizeSymbol(raw)
	}

	// Fan-out manager with one reconnecting feed client per exchange; every
	// broadcast also refreshes the Redis price cache and pub/sub channel.
	factory := func(exchangeName string, symbols []string, onPrice exchange.PriceSink, onStatus exchange.StatusSink) fanout.Runner {
		adapter, ok := registry.Get(exchangeName)
		if !ok {
			logger.Errorf("no adapter for %s, feed not started", exchangeName)
			return runnerFunc(func(context.Context) {})
		}
		wrappedPrice := func(update models.PriceUpdate) {
			onPrice(update)
			if err := priceCache.SetLatest(ctx, &update, cfg.Redis.PriceTTL); err != nil {
				logger.WithError(err).Debug("price cache write failed")
			}
			if err := publisher.PublishPrice(ctx, &update); err != nil {
				logger.WithError(err).Debug("price publish failed")
			}
		}
		backoff := feed.NewBackoff(cfg.Feed.BackoffFloor, cfg.Feed.BackoffCap)
		return feed.NewClient(adapter, symbols, wrappedPrice, onStatus, backoff, logger)
	}

	manager := fanout.NewManager(cfg.Fanout, factory, normalize, logger)

	// Downstream websocket server
	wsServer := server.New(manager, logger)
	go func() {
		if err := wsServer.Start(cfg.Server.WSPort); err != nil {
			logger.Fatal("WebSocket server failed: ", err)
		}
	}()

	// Metrics endpoint
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Infof("metrics listening on %s", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("Metrics server failed: ", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	manager.Shutdown()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("WebSocket server shutdown error")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Metrics server shutdown error")
	}

	logger.Info("Shutdown complete")
}

type runnerFunc func(ctx context.Context)

func (f runnerFunc) Run(ctx context.Context) { f(ctx) }
