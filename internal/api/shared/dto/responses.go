package dto

import (
	"time"

	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/ledger"
	"github.com/feral-file/recycling-ledger/internal/rewards"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// RecordListResponse is the body of GET /api/v1/ledger/records
type RecordListResponse struct {
	Records []ledger.RecordView `json:"records"`
	Total   int                 `json:"total"`
}

// ValidationResponse is the body of GET /api/v1/ledger/records/:hash/validate
type ValidationResponse struct {
	Hash string `json:"hash"`
	ledger.ValidationResult
}

// CalculatePointsResponse is the body of POST /api/v1/points/calculate
type CalculatePointsResponse struct {
	MaterialType domain.MaterialType `json:"materialType"`
	Weight       float64             `json:"weight"`
	Points       int64               `json:"points"`
	Level        string              `json:"level"`
}

// RatesResponse is the body of GET /api/v1/points/rates
type RatesResponse struct {
	Rates  []rewards.Rate  `json:"rates"`
	Levels []rewards.Level `json:"levels"`
}

// LeaderboardResponse is the body of GET /api/v1/points/leaderboard
type LeaderboardResponse struct {
	Entries []rewards.LeaderboardEntry `json:"entries"`
}

// UserPointsResponse is the body of GET /api/v1/users/:id/points
type UserPointsResponse struct {
	*rewards.UserSummary
	Transactions []schema.PointsTransaction `json:"transactions"`
}

// LatestAuditResponse is the body of GET /api/v1/ledger/audits/latest
type LatestAuditResponse struct {
	Run *schema.AuditRun `json:"run"`
	// Age is the time since the run finished
	Age time.Duration `json:"ageNs"`
}
