package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/api/middleware"
	"github.com/feral-file/recycling-ledger/internal/api/rest"
	"github.com/feral-file/recycling-ledger/internal/api/shared/executor"
	"github.com/feral-file/recycling-ledger/internal/api/stream"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/ratelimit"
)

// Config holds the server configuration
type Config struct {
	Debug          bool
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
	Auth           middleware.AuthConfig
	RateLimit      ratelimit.Config
}

// Server wraps the HTTP server
type Server struct {
	config     Config
	executor   executor.Executor
	hub        *stream.Hub
	clock      adapter.Clock
	limiter    ratelimit.Limiter
	httpServer *http.Server
}

// New creates a new API server. hub may be nil to disable the record stream.
func New(cfg Config, exec executor.Executor, hub *stream.Hub, clock adapter.Clock) *Server {
	return &Server{
		config:   cfg,
		executor: exec,
		hub:      hub,
		clock:    clock,
	}
}

// Router builds the gin engine with every middleware and route
func (s *Server) Router() (*gin.Engine, error) {
	// Set Gin mode based on debug flag
	if s.config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	authenticator, err := middleware.NewAuthenticator(s.config.Auth, s.clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(s.config.RateLimit, s.clock)
	}

	router := gin.New()

	// Setup middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.SetupCORS(s.config.AllowedOrigins))

	routes := rest.RouteConfig{
		Auth:        authenticator.Auth(),
		MiningLimit: middleware.RateLimit(s.limiter),
	}
	if s.hub != nil {
		routes.Stream = s.hub.Handler()
	}
	rest.SetupRoutes(router, rest.NewHandler(s.executor, s.clock), routes)

	return router, nil
}

// Start initializes and starts the HTTP server
func (s *Server) Start() error {
	router, err := s.Router()
	if err != nil {
		return err
	}

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	logger.Info("Starting API server",
		zap.String("address", addr),
	)

	// Start server
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down API server")

	// Websocket connections are hijacked and not tracked by http.Server
	if s.hub != nil {
		s.hub.Close()
	}
	if s.limiter != nil {
		s.limiter.Close()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	return nil
}
