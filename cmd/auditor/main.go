package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/auditor"
	"github.com/feral-file/recycling-ledger/internal/bootstrap"
	"github.com/feral-file/recycling-ledger/internal/config"
	"github.com/feral-file/recycling-ledger/internal/ledger"
	"github.com/feral-file/recycling-ledger/internal/logger"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
	once       = flag.Bool("once", false, "Run a single audit and exit non-zero when the chain is invalid")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadAuditorConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "auditor",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting ledger auditor", zap.Bool("once", *once))

	// Open record store
	dataStore, err := bootstrap.OpenStore(ctx, cfg.Store, cfg.Database)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to open store", zap.Error(err))
	}
	defer func() {
		if err := dataStore.Close(); err != nil {
			logger.Error(err, zap.String("component", "store"))
		}
	}()

	clock := adapter.NewClock()
	jsonAdapter := adapter.NewJSON()

	publisher, err := bootstrap.NewEventPublisher(ctx, cfg.NATS, cfg.Webhook, jsonAdapter, clock)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create event publisher", zap.Error(err))
	}
	defer publisher.Close()

	// The auditor never appends, so the ledger only needs the hasher settings
	hasher := ledger.NewHasher(ledger.SHA256(), adapter.NewJCS(), jsonAdapter, cfg.Ledger.Difficulty)
	chain := ledger.New(ledger.Config{Difficulty: cfg.Ledger.Difficulty}, dataStore, hasher, nil, clock, jsonAdapter)

	ledgerAuditor := auditor.New(auditor.Config{
		Interval:       cfg.Auditor.Interval,
		Timeout:        cfg.Auditor.Timeout,
		WorkerPoolSize: cfg.Auditor.WorkerPoolSize,
	}, dataStore, chain, publisher, clock, jsonAdapter)

	if *once {
		run, err := ledgerAuditor.RunOnce(ctx)
		if err != nil {
			logger.FatalCtx(ctx, "Audit failed", zap.Error(err))
		}
		logger.InfoCtx(ctx, "Audit finished",
			zap.String("run_id", run.ID),
			zap.Bool("valid", run.Valid),
			zap.Int64("records", run.RecordCount),
			zap.Int("incomplete_collections", run.IncompleteCollections),
		)
		if !run.Valid {
			publisher.Close()
			logger.Flush(2 * time.Second)
			os.Exit(1)
		}
		return
	}

	logger.InfoCtx(ctx, "Initialized ledger auditor (continuous mode)",
		zap.Duration("interval", cfg.Auditor.Interval),
		zap.Duration("timeout", cfg.Auditor.Timeout),
		zap.Int("worker_pool_size", cfg.Auditor.WorkerPoolSize),
	)

	// Start the auditor in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := ledgerAuditor.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// Wait for interrupt signal or error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.ErrorCtx(ctx, err)
	}

	// Cancel context to stop the auditor
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := ledgerAuditor.Stop(shutdownCtx); err != nil {
		logger.ErrorCtx(shutdownCtx, err)
	}

	logger.InfoCtx(shutdownCtx, "Auditor stopped")
}
