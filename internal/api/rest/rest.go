package rest

import (
	"github.com/gin-gonic/gin"
)

// RouteConfig holds the middleware applied to protected routes
type RouteConfig struct {
	// Auth guards routes that write to the ledger or read the caller's points
	Auth gin.HandlerFunc
	// MiningLimit throttles routes that mine a record
	MiningLimit gin.HandlerFunc
	// Stream serves the websocket feed of appended records
	Stream gin.HandlerFunc
}

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler, cfg RouteConfig) {
	// Health check endpoint (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		// Collection lifecycle (requires authentication, mining is rate limited)
		v1.POST("/collections", cfg.Auth, cfg.MiningLimit, handler.RegisterCollection)
		v1.POST("/collections/:id/stages", cfg.Auth, cfg.MiningLimit, handler.AdvanceStage)
		v1.GET("/collections/:id/custody", handler.GetCustody)

		// Ledger endpoints
		v1.POST("/ledger/records", cfg.Auth, cfg.MiningLimit, handler.AppendRecord)
		v1.GET("/ledger/records", handler.ListRecords)
		v1.GET("/ledger/records/:hash/validate", handler.ValidateRecord)
		v1.GET("/ledger/verify", handler.VerifyChain)
		v1.GET("/ledger/stats", handler.GetLedgerStats)
		v1.GET("/ledger/export", handler.ExportLedger)
		v1.GET("/ledger/audits/latest", handler.GetLatestAudit)
		if cfg.Stream != nil {
			v1.GET("/ledger/stream", cfg.Stream)
		}

		// Points endpoints (public read access)
		v1.GET("/points/rates", handler.GetRates)
		v1.POST("/points/calculate", handler.CalculatePoints)
		v1.GET("/points/leaderboard", handler.GetLeaderboard)
		v1.GET("/points/stats", handler.GetPointsStats)
		v1.GET("/users/:id/points", handler.GetUserPoints)
		v1.GET("/me/points", cfg.Auth, handler.GetMyPoints)
	}
}
