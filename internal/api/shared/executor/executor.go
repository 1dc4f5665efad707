package executor

import (
	"context"
	"io"
	"strings"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/api/shared/constants"
	"github.com/feral-file/recycling-ledger/internal/api/shared/dto"
	apierrors "github.com/feral-file/recycling-ledger/internal/api/shared/errors"
	"github.com/feral-file/recycling-ledger/internal/ledger"
	"github.com/feral-file/recycling-ledger/internal/rewards"
	"github.com/feral-file/recycling-ledger/internal/store"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
	"github.com/feral-file/recycling-ledger/internal/tracking"
)

// Executor is the interface for the API executor
//
//go:generate mockgen -source=executor.go -destination=../../../mocks/mock_api_executor.go -package=mocks -mock_names=Executor=MockAPIExecutor
type Executor interface {
	// RegisterCollection registers a collection for the user and credits its points
	RegisterCollection(ctx context.Context, req dto.RegisterCollectionRequest) (*tracking.Registration, error)

	// AdvanceStage moves a collection to its next lifecycle stage
	AdvanceStage(ctx context.Context, collectionID string, req dto.AdvanceStageRequest) (*tracking.StageResult, error)

	// GetCustody returns the custody chain of a collection
	GetCustody(ctx context.Context, collectionID string) (*ledger.CustodyChain, error)

	// AppendRecord appends a raw record to the ledger
	AppendRecord(ctx context.Context, req dto.AppendRecordRequest) (*schema.LedgerRecord, error)

	// ListRecords lists ledger records newest first, optionally for one collection
	ListRecords(ctx context.Context, collectionID string, limit int) (*dto.RecordListResponse, error)

	// ValidateRecord recomputes the hash of one record
	ValidateRecord(ctx context.Context, hash string) (*dto.ValidationResponse, error)

	// VerifyChain walks the whole chain
	VerifyChain(ctx context.Context) (*ledger.VerificationResult, error)

	// GetLedgerStats summarizes the chain
	GetLedgerStats(ctx context.Context) (*ledger.Stats, error)

	// ExportLedger writes the chain as JSON
	ExportLedger(ctx context.Context, w io.Writer) error

	// GetLatestAudit returns the most recent audit run
	GetLatestAudit(ctx context.Context) (*dto.LatestAuditResponse, error)

	// GetRates returns the points table and the level table
	GetRates(ctx context.Context) (*dto.RatesResponse, error)

	// CalculatePoints previews the points of a collection
	CalculatePoints(ctx context.Context, req dto.CalculatePointsRequest) (*dto.CalculatePointsResponse, error)

	// GetLeaderboard returns the top users
	GetLeaderboard(ctx context.Context, limit int) (*dto.LeaderboardResponse, error)

	// GetPointsStats summarizes every award
	GetPointsStats(ctx context.Context) (*rewards.Stats, error)

	// GetUserPoints returns a user's points with recent transactions
	GetUserPoints(ctx context.Context, userID string, transactionsLimit int) (*dto.UserPointsResponse, error)
}

type executor struct {
	tracking   tracking.Service
	ledger     ledger.Ledger
	rewards    rewards.Engine
	auditStore store.AuditStore
	digest     ledger.Digest
	clock      adapter.Clock
}

// NewExecutor creates the API executor
func NewExecutor(trackingService tracking.Service, l ledger.Ledger, engine rewards.Engine, auditStore store.AuditStore, digest ledger.Digest, clock adapter.Clock) Executor {
	return &executor{
		tracking:   trackingService,
		ledger:     l,
		rewards:    engine,
		auditStore: auditStore,
		digest:     digest,
		clock:      clock,
	}
}

func (e *executor) RegisterCollection(ctx context.Context, req dto.RegisterCollectionRequest) (*tracking.Registration, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	photoHash, err := e.photoHash(req.Photo, req.PhotoHash)
	if err != nil {
		return nil, err
	}

	return e.tracking.RegisterCollection(ctx, tracking.RegisterInput{
		CollectionID:      req.CollectionID,
		UserID:            req.UserID,
		MaterialType:      req.MaterialType,
		Weight:            req.Weight,
		Location:          req.Location,
		ResponsiblePerson: req.ResponsiblePerson,
		PhotoHash:         photoHash,
	})
}

func (e *executor) AdvanceStage(ctx context.Context, collectionID string, req dto.AdvanceStageRequest) (*tracking.StageResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	photoHash, err := e.photoHash(req.Photo, req.PhotoHash)
	if err != nil {
		return nil, err
	}

	return e.tracking.AdvanceStage(ctx, tracking.AdvanceInput{
		CollectionID:      collectionID,
		Stage:             req.Stage,
		Location:          req.Location,
		ResponsiblePerson: req.ResponsiblePerson,
		PhotoHash:         photoHash,
	})
}

// photoHash hashes an uploaded photo, or passes through a client supplied hash
func (e *executor) photoHash(photo, hash string) (*string, error) {
	if hash = strings.TrimSpace(hash); hash != "" {
		return &hash, nil
	}
	if photo == "" {
		return nil, nil
	}

	data, err := dto.DecodePhoto(photo)
	if err != nil {
		return nil, err
	}
	sum := ledger.PhotoHash(e.digest, data)
	return &sum, nil
}

func (e *executor) GetCustody(ctx context.Context, collectionID string) (*ledger.CustodyChain, error) {
	return e.tracking.Custody(ctx, collectionID)
}

func (e *executor) AppendRecord(ctx context.Context, req dto.AppendRecordRequest) (*schema.LedgerRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return e.ledger.Append(ctx, req.Payload())
}

func (e *executor) ListRecords(ctx context.Context, collectionID string, limit int) (*dto.RecordListResponse, error) {
	records, err := e.ledger.ListRecords(ctx, collectionID, clampLimit(limit, constants.DEFAULT_RECORDS_LIMIT))
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []ledger.RecordView{}
	}
	return &dto.RecordListResponse{Records: records, Total: len(records)}, nil
}

func (e *executor) ValidateRecord(ctx context.Context, hash string) (*dto.ValidationResponse, error) {
	result, err := e.ledger.Validate(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &dto.ValidationResponse{Hash: hash, ValidationResult: result}, nil
}

func (e *executor) VerifyChain(ctx context.Context) (*ledger.VerificationResult, error) {
	result, err := e.ledger.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *executor) GetLedgerStats(ctx context.Context) (*ledger.Stats, error) {
	return e.ledger.Stats(ctx)
}

func (e *executor) ExportLedger(ctx context.Context, w io.Writer) error {
	return e.ledger.Export(ctx, w)
}

func (e *executor) GetLatestAudit(ctx context.Context) (*dto.LatestAuditResponse, error) {
	run, err := e.auditStore.GetLatestAuditRun(ctx)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apierrors.NewNotFoundError("No audit run recorded yet")
	}
	return &dto.LatestAuditResponse{Run: run, Age: e.clock.Since(run.FinishedAt)}, nil
}

func (e *executor) GetRates(ctx context.Context) (*dto.RatesResponse, error) {
	return &dto.RatesResponse{Rates: e.rewards.Rates(), Levels: rewards.Levels}, nil
}

func (e *executor) CalculatePoints(ctx context.Context, req dto.CalculatePointsRequest) (*dto.CalculatePointsResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	points, err := e.rewards.CalculatePoints(req.MaterialType, req.Weight)
	if err != nil {
		return nil, err
	}
	return &dto.CalculatePointsResponse{
		MaterialType: req.MaterialType,
		Weight:       req.Weight,
		Points:       points,
		Level:        rewards.LevelForPoints(points),
	}, nil
}

func (e *executor) GetLeaderboard(ctx context.Context, limit int) (*dto.LeaderboardResponse, error) {
	entries, err := e.rewards.Leaderboard(ctx, clampLimit(limit, constants.DEFAULT_LEADERBOARD_LIMIT))
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []rewards.LeaderboardEntry{}
	}
	return &dto.LeaderboardResponse{Entries: entries}, nil
}

func (e *executor) GetPointsStats(ctx context.Context) (*rewards.Stats, error) {
	return e.rewards.Stats(ctx)
}

func (e *executor) GetUserPoints(ctx context.Context, userID string, transactionsLimit int) (*dto.UserPointsResponse, error) {
	summary, err := e.rewards.GetUserPoints(ctx, userID)
	if err != nil {
		return nil, err
	}

	transactions, err := e.rewards.Transactions(ctx, userID, clampLimit(transactionsLimit, constants.DEFAULT_TRANSACTIONS_LIMIT))
	if err != nil {
		return nil, err
	}
	if transactions == nil {
		transactions = []schema.PointsTransaction{}
	}
	return &dto.UserPointsResponse{UserSummary: summary, Transactions: transactions}, nil
}

// clampLimit applies the default to non-positive limits and caps the rest
func clampLimit(limit, defaultLimit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return min(limit, constants.MAX_PAGE_SIZE)
}
