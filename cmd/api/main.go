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
	"github.com/feral-file/recycling-ledger/internal/api/middleware"
	"github.com/feral-file/recycling-ledger/internal/api/server"
	"github.com/feral-file/recycling-ledger/internal/api/shared/executor"
	"github.com/feral-file/recycling-ledger/internal/api/stream"
	"github.com/feral-file/recycling-ledger/internal/bootstrap"
	"github.com/feral-file/recycling-ledger/internal/config"
	"github.com/feral-file/recycling-ledger/internal/ledger"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/messaging"
	"github.com/feral-file/recycling-ledger/internal/ratelimit"
	"github.com/feral-file/recycling-ledger/internal/rewards"
	"github.com/feral-file/recycling-ledger/internal/tracking"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadAPIConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "api-server",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting recycling ledger API", zap.String("store", cfg.Store.Driver))

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

	// Initialize adapters
	clock := adapter.NewClock()
	jsonAdapter := adapter.NewJSON()

	// Appended records go to JetStream, webhook receivers and websocket subscribers
	eventPublisher, err := bootstrap.NewEventPublisher(ctx, cfg.NATS, cfg.Webhook, jsonAdapter, clock)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create event publisher", zap.Error(err))
	}
	hub := stream.NewHub(jsonAdapter, clock)
	publisher := messaging.NewMulti(eventPublisher, hub)
	defer publisher.Close()

	// Wire the ledger, the rewards engine and the tracking service
	hasher := ledger.NewHasher(ledger.SHA256(), adapter.NewJCS(), jsonAdapter, cfg.Ledger.Difficulty)
	chain := ledger.New(ledger.Config{
		Difficulty:          cfg.Ledger.Difficulty,
		MaxMiningIterations: cfg.Ledger.MaxMiningIterations,
	}, dataStore, hasher, publisher, clock, jsonAdapter)
	engine := rewards.NewEngine(rewards.BuildRates(cfg.Rewards.Rates), dataStore, clock)
	trackingService := tracking.NewService(tracking.DefaultRetryConfig, chain, engine, clock)
	exec := executor.NewExecutor(trackingService, chain, engine, dataStore, ledger.SHA256(), clock)

	// Create server config
	serverConfig := server.Config{
		Debug:        cfg.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		Auth: middleware.AuthConfig{
			JWTPublicKey: cfg.Auth.JWTPublicKey,
			APIKeys:      cfg.Auth.APIKeys,
		},
		RateLimit: ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
	}

	// Create and start server
	srv := server.New(serverConfig, exec, hub, clock)

	// Start server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "server"))
		cancel()
	}

	// Create shutdown context with timeout (don't use canceled ctx)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(shutdownCtx, err, zap.String("message", "Server forced to shutdown"))
	}

	// Use non-context logger for final message since original ctx is canceled
	logger.Info("API server stopped")
}
