package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/liqsentry/internal/alert"
	"github.com/rewired-gh/liqsentry/internal/api"
	"github.com/rewired-gh/liqsentry/internal/clock"
	"github.com/rewired-gh/liqsentry/internal/config"
	"github.com/rewired-gh/liqsentry/internal/engine"
	"github.com/rewired-gh/liqsentry/internal/feeds"
	"github.com/rewired-gh/liqsentry/internal/ledger"
	"github.com/rewired-gh/liqsentry/internal/logger"
	"github.com/rewired-gh/liqsentry/internal/market"
	"github.com/rewired-gh/liqsentry/internal/notify"
	"github.com/rewired-gh/liqsentry/internal/scenario"
	"github.com/rewired-gh/liqsentry/internal/scheduler"
	"github.com/rewired-gh/liqsentry/internal/storage"
	"github.com/rewired-gh/liqsentry/internal/telegram"
	"github.com/rewired-gh/liqsentry/internal/tracker"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("Configuration loaded from %s", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(cfg.Storage.DBPath, cfg.Tracker.HistorySize)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	ledgerClient, ethClient, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, ledger.Config{
		PoolAddress:                 cfg.Ledger.PoolAddress,
		StartBlock:                  cfg.Ledger.StartBlock,
		LogChunkSize:                cfg.Ledger.LogChunkSize,
		Confirmations:               cfg.Ledger.Confirmations,
		PollInterval:                cfg.Ledger.PollInterval,
		DefaultLiquidationThreshold: cfg.Ledger.DefaultLiquidationThreshold,
		Asset:                       cfg.Ledger.Asset,
	})
	if err != nil {
		logger.Fatal("Failed to initialize ledger client: %v", err)
	}
	defer ethClient.Close()

	feedOpts := feeds.Options{
		Timeout:        cfg.Feeds.Timeout,
		MaxRetries:     cfg.Feeds.MaxRetries,
		RetryDelayBase: cfg.Feeds.RetryDelayBase,
	}
	var riskProvider engine.RiskProvider
	if cfg.Feeds.RiskAPIURL != "" {
		riskProvider = feeds.NewRiskFeed(cfg.Feeds.RiskAPIURL, feedOpts)
	} else {
		logger.Warn("No risk API configured, risk scores default to 0")
	}
	marketCache := market.NewCache(feeds.NewPriceFeed(cfg.Feeds.PriceAPIURL, feedOpts), clock.Real{}, cfg.Market.VolatilityWindow)

	var telegramClient *telegram.Client
	sinks := notify.Multi{notify.LogSink{}}
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		sinks = append(sinks, telegramClient)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}
	var natsSink *notify.NATSSink
	if cfg.NATS.Enabled {
		natsSink, err = notify.DialNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			logger.Fatal("Failed to connect to NATS: %v", err)
		}
		defer natsSink.Close()
		sinks = append(sinks, natsSink)
		logger.Info("Publishing alerts to NATS subject %s", cfg.NATS.Subject)
	}

	queue := notify.NewQueue(sinks, cfg.Alerts.QueueSize, 0)
	go queue.Run(context.Background())

	dispatcherCfg, err := cfg.DispatcherConfig()
	if err != nil {
		logger.Fatal("Invalid alert configuration: %v", err)
	}
	dispatcher, err := alert.NewDispatcher(dispatcherCfg, queue, clock.Real{})
	if err != nil {
		logger.Fatal("Failed to initialize alert dispatcher: %v", err)
	}

	eng, err := engine.New(engine.Config{
		Asset:                       cfg.Ledger.Asset,
		ScanScenario:                cfg.Simulation.ScanScenario,
		NumPaths:                    cfg.Simulation.Paths,
		NumDays:                     cfg.Simulation.Days,
		Seed:                        cfg.Simulation.Seed,
		SamplePaths:                 cfg.Simulation.SamplePaths,
		StressTargetProbability:     cfg.Simulation.StressTargetProbability,
		DefaultLiquidationThreshold: cfg.Ledger.DefaultLiquidationThreshold,
		StaleAfter:                  cfg.Market.StaleAfter,
		VolatilityAlertMultiplier:   cfg.Market.VolatilityAlertMultiplier,
		RecheckTier:                 cfg.Alerts.RecheckTier,
		AlertRetention:              cfg.Storage.AlertRetention,
		StartBlock:                  cfg.Ledger.StartBlock,
	}, engine.Deps{
		Ledger:     ledgerClient,
		Risk:       riskProvider,
		Market:     marketCache,
		Scenarios:  scenario.NewLibrary(),
		Tracker:    tracker.New(cfg.Tracker.HistorySize),
		Dispatcher: dispatcher,
		Store:      store,
		Clock:      clock.Real{},
	})
	if err != nil {
		logger.Fatal("Failed to initialize engine: %v", err)
	}
	if err := eng.Restore(); err != nil {
		logger.Warn("Failed to restore state, starting fresh: %v", err)
	}

	logger.Debug("Running initial market refresh")
	eng.RefreshMarket(ctx, cfg.Feeds.Assets)
	go refreshMarkets(ctx, eng, cfg.Market.RefreshInterval, cfg.Feeds.Assets)

	stream := ledgerClient.StreamLiquidationEvents(ctx, eng.LiquidationStartBlock(), nil)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		eng.ConsumeLiquidations(ctx, stream)
	}()

	sched := scheduler.New(scheduler.Config{
		FullScanInterval: cfg.Scan.FullScanInterval,
		RecheckInterval:  cfg.Scan.RecheckInterval,
		BatchSize:        cfg.Scan.BatchSize,
		BatchPause:       cfg.Scan.BatchPause,
		Workers:          cfg.Scan.Workers,
		CheckTimeout:     cfg.Scan.CheckTimeout,
	}, eng, clock.Real{})
	if telegramClient != nil {
		sched.SetHealthNotifier(telegramClient)
		telegramClient.SetStatusFunc(func() string { return statusText(ctx, eng, sched) })
		telegramClient.ListenForCommands(ctx)
	}

	maint := scheduler.NewMaintenance(ctx)
	if err := maint.Add(cfg.Storage.MaintenanceSchedule, scheduler.Job{Name: "maintain", Run: eng.Maintain}); err != nil {
		logger.Fatal("Failed to schedule maintenance: %v", err)
	}
	checkpointSpec := fmt.Sprintf("@every %s", cfg.Storage.CheckpointInterval)
	if err := maint.Add(checkpointSpec, scheduler.Job{Name: "checkpoint", Run: func(context.Context) error { return eng.Checkpoint() }}); err != nil {
		logger.Fatal("Failed to schedule checkpoint: %v", err)
	}
	maint.Start()

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg.API.ListenAddr, api.NewHandlers(eng))
		server.Start()
	}

	logger.Info("Starting liquidation monitor (full scan: %v, recheck: %v, workers: %d, paths: %d)",
		cfg.Scan.FullScanInterval,
		cfg.Scan.RecheckInterval,
		cfg.Scan.Workers,
		cfg.Simulation.Paths,
	)
	sched.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down API server: %v", err)
		}
	}
	sched.Stop()
	maint.Stop()
	cancel()
	<-streamDone

	if err := eng.Checkpoint(); err != nil {
		logger.Error("Failed to checkpoint state: %v", err)
	}
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Warn("Alert queue did not drain: %v", err)
	}
	logger.Info("Service stopped")
}

func refreshMarkets(ctx context.Context, eng *engine.Engine, interval time.Duration, assets []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eng.RefreshMarket(ctx, assets)
		}
	}
}

func statusText(ctx context.Context, eng *engine.Engine, sched *scheduler.Scheduler) string {
	ov := eng.GetSystemHealthOverview(ctx)
	last := "never"
	if t := sched.LastFullScan(); !t.IsZero() {
		last = t.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("Tracked: %d\nLiquidatable: %d\nActive alerts: %v\nLast full scan: %s\nData: %s",
		ov.TrackedPositions,
		ov.ByHealthBucket[engine.BucketLiquidatable],
		ov.ActiveAlerts,
		last,
		ov.DataQuality,
	)
}
