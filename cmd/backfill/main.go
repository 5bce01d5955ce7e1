package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"marketsync/internal/backfill"
	"marketsync/internal/config"
	"marketsync/internal/exchange"
	"marketsync/internal/gaps"
	"marketsync/internal/repository"
	"marketsync/internal/symbols"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		exchangeName = flag.String("exchange", "bitfinex", "Exchange to fetch from (bitfinex, binance)")
		symbol       = flag.String("symbol", "", "Symbol to backfill (e.g. BTCUSD)")
		symbolsFile  = flag.String("symbols-file", "", "YAML file with a symbol list (overrides -symbol)")
		timeframe    = flag.String("timeframe", "1h", "Candle timeframe (1m 5m 15m 30m 1h 4h 1d)")
		start        = flag.String("start", "", "Range start, RFC3339 (e.g. 2024-01-01T00:00:00Z)")
		end          = flag.String("end", "", "Range end, RFC3339 (defaults to now)")
		resume       = flag.Bool("resume", false, "Start from the latest stored candle plus one step")
		repair       = flag.Bool("repair", false, "Run gap detection and repair instead of backfill")
		detectOnly   = flag.Bool("detect-only", false, "With -repair: log gaps without fetching")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	var startMs, endMs int64
	if *start != "" {
		t, err := time.Parse(time.RFC3339, *start)
		if err != nil {
			logger.Fatalf("Invalid -start %q: %v", *start, err)
		}
		startMs = t.UnixMilli()
	}
	if *end != "" {
		t, err := time.Parse(time.RFC3339, *end)
		if err != nil {
			logger.Fatalf("Invalid -end %q: %v", *end, err)
		}
		endMs = t.UnixMilli()
	} else {
		endMs = time.Now().UnixMilli()
	}

	if startMs == 0 && !*resume {
		logger.Fatal("-start is required unless -resume is set")
	}

	var symbolList []string
	switch {
	case *symbolsFile != "":
		symbolList, err = symbols.LoadSymbolsFromYAML(*symbolsFile)
		if err != nil {
			logger.Fatal("Failed to load symbols file: ", err)
		}
	case *symbol != "":
		symbolList = []string{*symbol}
	default:
		logger.Fatal("-symbol or -symbols-file is required")
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.ClickHouse.Host, cfg.ClickHouse.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		logger.Fatal("Failed to connect to ClickHouse: ", err)
	}
	defer conn.Close()

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		logger.Fatal("ClickHouse ping failed: ", err)
	}

	candleRepo := repository.NewCandleRepository(conn, logger)
	jobRepo := repository.NewJobRepository(conn, logger)

	registry := exchange.NewRegistry(
		exchange.NewBitfinex(logger),
		exchange.NewBinance(logger),
	)

	if *repair {
		runRepair(ctx, logger, registry, candleRepo, jobRepo, *exchangeName, symbolList, *timeframe, startMs, endMs, !*detectOnly)
		return
	}

	runBackfill(ctx, logger, cfg, registry, candleRepo, jobRepo, *exchangeName, symbolList, *timeframe, startMs, endMs, *resume)
}

func runBackfill(ctx context.Context, logger *logrus.Logger, cfg *config.Config, registry *exchange.Registry, candleRepo *repository.CandleRepository, jobRepo *repository.JobRepository, exchangeName string, symbolList []string, timeframe string, startMs, endMs int64, resume bool) {
	engine := backfill.NewEngine(registry, candleRepo, jobRepo, cfg.Backfill, logger)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(fmt.Sprintf("Backfilling %d symbols on %s (%s)", len(symbolList), exchangeName, timeframe)),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)

	results := engine.RunBatch(ctx, symbolList, backfill.Params{
		Exchange:  exchangeName,
		Timeframe: timeframe,
		StartMs:   startMs,
		EndMs:     endMs,
		Resume:    resume,
		OnPage: func(rows int) {
			bar.Add(rows)
		},
	})
	fmt.Println()

	failures := 0
	for _, res := range results {
		if res.Err != nil {
			failures++
			logger.WithError(res.Err).Errorf("%s failed", res.Symbol)
			if res.Result != nil {
				logger.Infof("%s partial progress: fetched=%d upserted=%d",
					res.Symbol, res.Result.Fetched, res.Result.Upserted)
			}
			continue
		}
		logger.Infof("%s done: job=%s run=%s fetched=%d upserted=%d",
			res.Symbol, res.Result.JobID, res.Result.RunID, res.Result.Fetched, res.Result.Upserted)
	}

	if failures > 0 {
		logger.Errorf("backfill completed with %d of %d symbols failed", failures, len(results))
		os.Exit(1)
	}
}

func runRepair(ctx context.Context, logger *logrus.Logger, registry *exchange.Registry, candleRepo *repository.CandleRepository, jobRepo *repository.JobRepository, exchangeName string, symbolList []string, timeframe string, startMs, endMs int64, repair bool) {
	reconciler := gaps.NewReconciler(registry, candleRepo, jobRepo, logger)

	failures := 0
	for _, sym := range symbolList {
		result, err := reconciler.Run(ctx, gaps.Params{
			Exchange:  exchangeName,
			Symbol:    sym,
			Timeframe: timeframe,
			StartMs:   startMs,
			EndMs:     endMs,
			Repair:    repair,
		})
		if err != nil {
			failures++
			logger.WithError(err).Errorf("%s reconciliation failed", sym)
			continue
		}
		mode := "detect"
		if repair {
			mode = "repair"
		}
		logger.Infof("%s %s done: detected=%d repaired=%d fetched=%d upserted=%d",
			sym, mode, result.GapsDetected, result.GapsRepaired, result.Fetched, result.Upserted)

		reportOpenGaps(ctx, logger, registry, jobRepo, exchangeName, sym, timeframe)
	}

	if failures > 0 {
		logger.Errorf("reconciliation completed with %d failures (%s)", failures, strings.Join(symbolList, ","))
		os.Exit(1)
	}
}

// reportOpenGaps lists gaps still unrepaired after the run, oldest first.
func reportOpenGaps(ctx context.Context, logger *logrus.Logger, registry *exchange.Registry, jobRepo *repository.JobRepository, exchangeName, symbol, timeframe string) {
	adapter, ok := registry.Get(exchangeName)
	if !ok {
		return
	}
	normalized, err := adapter.NormalizeSymbol(symbol)
	if err != nil {
		return
	}

	open, err := jobRepo.OpenGaps(ctx, exchangeName, normalized, timeframe)
	if err != nil {
		logger.WithError(err).Warnf("%s: failed to list open gaps", symbol)
		return
	}
	if len(open) == 0 {
		logger.Infof("%s: no open gaps", symbol)
		return
	}

	logger.Warnf("%s: %d gaps still open, oldest at %s", symbol, len(open),
		open[0].ExpectedOpenTime.Format(time.RFC3339))
}
