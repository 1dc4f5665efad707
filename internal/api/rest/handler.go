package rest

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/api/middleware"
	"github.com/feral-file/recycling-ledger/internal/api/shared/constants"
	"github.com/feral-file/recycling-ledger/internal/api/shared/dto"
	"github.com/feral-file/recycling-ledger/internal/api/shared/executor"
)

// Handler defines the interface for REST API handlers
// This interface allows for easy mocking and testing
type Handler interface {
	// RegisterCollection mines the collected record of a new collection and credits the user
	// POST /api/v1/collections
	RegisterCollection(c *gin.Context)

	// AdvanceStage appends the next lifecycle stage of a collection
	// POST /api/v1/collections/:id/stages
	AdvanceStage(c *gin.Context)

	// GetCustody returns the custody chain of a collection
	// GET /api/v1/collections/:id/custody
	GetCustody(c *gin.Context)

	// AppendRecord appends a raw record to the ledger
	// POST /api/v1/ledger/records
	AppendRecord(c *gin.Context)

	// ListRecords lists records newest first
	// GET /api/v1/ledger/records?collection_id=<id>&limit=<limit>
	ListRecords(c *gin.Context)

	// ValidateRecord recomputes the hash of one record
	// GET /api/v1/ledger/records/:hash/validate
	ValidateRecord(c *gin.Context)

	// VerifyChain walks the whole chain
	// GET /api/v1/ledger/verify
	VerifyChain(c *gin.Context)

	// GetLedgerStats summarizes the chain
	// GET /api/v1/ledger/stats
	GetLedgerStats(c *gin.Context)

	// ExportLedger downloads the chain as a JSON document
	// GET /api/v1/ledger/export
	ExportLedger(c *gin.Context)

	// GetLatestAudit returns the most recent audit run
	// GET /api/v1/ledger/audits/latest
	GetLatestAudit(c *gin.Context)

	// GetRates returns the points and level tables
	// GET /api/v1/points/rates
	GetRates(c *gin.Context)

	// CalculatePoints previews the points of a collection
	// POST /api/v1/points/calculate
	CalculatePoints(c *gin.Context)

	// GetLeaderboard returns the top users
	// GET /api/v1/points/leaderboard?limit=<limit>
	GetLeaderboard(c *gin.Context)

	// GetPointsStats summarizes every award
	// GET /api/v1/points/stats
	GetPointsStats(c *gin.Context)

	// GetUserPoints returns a user's points and recent transactions
	// GET /api/v1/users/:id/points?transactions.limit=<limit>
	GetUserPoints(c *gin.Context)

	// GetMyPoints returns the points of the authenticated user
	// GET /api/v1/me/points
	GetMyPoints(c *gin.Context)

	// HealthCheck returns the health status of the API
	// GET /health
	HealthCheck(c *gin.Context)
}

// handler implements the Handler interface
type handler struct {
	executor executor.Executor
	clock    adapter.Clock
}

// NewHandler creates a new REST API handler using the shared executor
func NewHandler(exec executor.Executor, clock adapter.Clock) Handler {
	return &handler{
		executor: exec,
		clock:    clock,
	}
}

func (h *handler) RegisterCollection(c *gin.Context) {
	var req dto.RegisterCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	// A JWT caller registers for itself
	if subject := middleware.Subject(c); subject != "" {
		if req.UserID != "" && req.UserID != subject {
			respondError(c, errForbiddenUser)
			return
		}
		req.UserID = subject
	}

	registration, err := h.executor.RegisterCollection(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if registration.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, registration)
}

func (h *handler) AdvanceStage(c *gin.Context) {
	var req dto.AdvanceStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	result, err := h.executor.AdvanceStage(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *handler) GetCustody(c *gin.Context) {
	chain, err := h.executor.GetCustody(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, chain)
}

func (h *handler) AppendRecord(c *gin.Context) {
	var req dto.AppendRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	record, err := h.executor.AppendRecord(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

func (h *handler) ListRecords(c *gin.Context) {
	params, err := ParseListRecordsQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	records, err := h.executor.ListRecords(c.Request.Context(), params.CollectionID, params.Limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, records)
}

func (h *handler) ValidateRecord(c *gin.Context) {
	result, err := h.executor.ValidateRecord(c.Request.Context(), c.Param("hash"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *handler) VerifyChain(c *gin.Context) {
	result, err := h.executor.VerifyChain(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *handler) GetLedgerStats(c *gin.Context) {
	stats, err := h.executor.GetLedgerStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *handler) ExportLedger(c *gin.Context) {
	// Buffer so a storage failure still produces a JSON error instead of a truncated download
	var buf bytes.Buffer
	if err := h.executor.ExportLedger(c.Request.Context(), &buf); err != nil {
		respondError(c, err)
		return
	}

	filename := fmt.Sprintf("ledger-export-%s.json", h.clock.Now().UTC().Format(constants.EXPORT_FILENAME_TIME_FORMAT))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, "application/json; charset=utf-8", buf.Bytes())
}

func (h *handler) GetLatestAudit(c *gin.Context) {
	audit, err := h.executor.GetLatestAudit(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, audit)
}

func (h *handler) GetRates(c *gin.Context) {
	rates, err := h.executor.GetRates(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, rates)
}

func (h *handler) CalculatePoints(c *gin.Context) {
	var req dto.CalculatePointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", err.Error())
		return
	}

	result, err := h.executor.CalculatePoints(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *handler) GetLeaderboard(c *gin.Context) {
	params, err := ParseLeaderboardQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	leaderboard, err := h.executor.GetLeaderboard(c.Request.Context(), params.Limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, leaderboard)
}

func (h *handler) GetPointsStats(c *gin.Context) {
	stats, err := h.executor.GetPointsStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *handler) GetUserPoints(c *gin.Context) {
	h.userPoints(c, c.Param("id"))
}

func (h *handler) GetMyPoints(c *gin.Context) {
	subject := middleware.Subject(c)
	if subject == "" {
		respondBadRequest(c, "Token has no subject", "use /api/v1/users/:id/points with API keys")
		return
	}
	h.userPoints(c, subject)
}

func (h *handler) userPoints(c *gin.Context, userID string) {
	params, err := ParseUserPointsQuery(c)
	if err != nil {
		respondValidationError(c, err.Error())
		return
	}

	points, err := h.executor.GetUserPoints(c.Request.Context(), userID, params.TransactionsLimit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, points)
}

func (h *handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{
		Status:  "healthy",
		Service: constants.SERVICE_NAME,
	})
}
