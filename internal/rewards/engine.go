package rewards

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/store"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

// DefaultLeaderboardLimit is used when no limit is given
const DefaultLeaderboardLimit = 10

// CreditInput is one award
type CreditInput struct {
	UserID string
	// CollectionID is the idempotency key: a collection is credited at most once
	CollectionID string
	MaterialType domain.MaterialType
	Weight       float64
	Points       int64
}

// CreditResult is the outcome of a credit
type CreditResult struct {
	UserPoints *schema.UserPoints `json:"userPoints"`
	// Points is the amount awarded for the collection; on a duplicate it is the original award
	Points int64 `json:"points"`
	// Duplicate is true when the collection had already been credited
	Duplicate bool `json:"duplicate"`
}

// UserSummary is a user's points with the level progress
type UserSummary struct {
	*schema.UserPoints
	Progress Progress `json:"progress"`
}

// LeaderboardEntry is one row of the leaderboard
type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"userId"`
	TotalPoints int64  `json:"totalPoints"`
	Level       string `json:"level"`
}

// Stats summarizes every award. PointsByMonth is keyed by YYYY-MM in UTC.
type Stats struct {
	TotalPointsDistributed      int64                         `json:"totalPointsDistributed"`
	TransactionCount            int                           `json:"transactionCount"`
	PointsByMaterial            map[domain.MaterialType]int64 `json:"pointsByMaterial"`
	PointsByMonth               map[string]int64              `json:"pointsByMonth"`
	AveragePointsPerTransaction float64                       `json:"averagePointsPerTransaction"`
}

// Engine turns collections into points and maintains user levels
type Engine interface {
	// Rates returns the points table
	Rates() []Rate
	// CalculatePoints returns floor(weight * rate * bonus) for the material
	CalculatePoints(materialType domain.MaterialType, weightKg float64) (int64, error)
	// CreditPoints atomically adds points to the user, at most once per collection
	CreditPoints(ctx context.Context, input CreditInput) (*CreditResult, error)
	// GetUserPoints returns the user's points; users without awards start at zero
	GetUserPoints(ctx context.Context, userID string) (*UserSummary, error)
	// Transactions returns the user's awards, newest first
	Transactions(ctx context.Context, userID string, limit int) ([]schema.PointsTransaction, error)
	// Leaderboard returns the top users by total points
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
	// Stats summarizes every award
	Stats(ctx context.Context) (*Stats, error)
}

type engine struct {
	rates  []Rate
	byType map[domain.MaterialType]Rate
	store  store.PointsStore
	clock  adapter.Clock
}

// NewEngine creates a rewards engine; a nil rates table selects DefaultRates
func NewEngine(rates []Rate, pointsStore store.PointsStore, clock adapter.Clock) Engine {
	if len(rates) == 0 {
		rates = DefaultRates
	}
	byType := make(map[domain.MaterialType]Rate, len(rates))
	for _, rate := range rates {
		byType[rate.MaterialType] = rate
	}
	return &engine{rates: rates, byType: byType, store: pointsStore, clock: clock}
}

func (e *engine) Rates() []Rate {
	rates := make([]Rate, len(e.rates))
	copy(rates, e.rates)
	return rates
}

func (e *engine) CalculatePoints(materialType domain.MaterialType, weightKg float64) (int64, error) {
	rate, ok := e.byType[materialType]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownMaterialType, materialType)
	}
	if weightKg <= 0 || math.IsNaN(weightKg) || math.IsInf(weightKg, 0) {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidWeight, weightKg)
	}
	points, ok := rate.Points(weightKg)
	if !ok {
		return 0, fmt.Errorf("%w: %v kg of %s exceeds the points range", domain.ErrInvalidWeight, weightKg, materialType)
	}
	return points, nil
}

func (e *engine) CreditPoints(ctx context.Context, input CreditInput) (*CreditResult, error) {
	if strings.TrimSpace(input.UserID) == "" || strings.TrimSpace(input.CollectionID) == "" {
		return nil, fmt.Errorf("%w: userId and collectionId are required", domain.ErrInvalidPayload)
	}
	if input.Points < 0 {
		return nil, fmt.Errorf("%w: points must not be negative", domain.ErrInvalidPayload)
	}

	result, err := e.store.CreditUserPoints(ctx, store.CreditUserPointsInput{
		Transaction: schema.PointsTransaction{
			UserID:       input.UserID,
			CollectionID: input.CollectionID,
			MaterialType: input.MaterialType,
			Weight:       input.Weight,
			Points:       input.Points,
			Type:         domain.POINTS_TRANSACTION_EARNED,
			Description:  fmt.Sprintf("Coleta de %s - %gkg", input.MaterialType, input.Weight),
			CreatedAt:    e.clock.Now().UTC(),
		},
		LevelFor: LevelForPoints,
	})
	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		logger.InfoCtx(ctx, "Collection already credited",
			zap.String("userId", input.UserID),
			zap.String("collectionId", input.CollectionID))
		userPoints := result.UserPoints
		if userPoints == nil {
			// The collection was credited to another user and this one has no points yet
			userPoints = e.emptyUserPoints(input.UserID)
		}
		return &CreditResult{UserPoints: userPoints, Points: awarded(result, 0), Duplicate: true}, nil
	}

	logger.InfoCtx(ctx, "Points credited",
		zap.String("userId", input.UserID),
		zap.String("collectionId", input.CollectionID),
		zap.Int64("points", input.Points),
		zap.Int64("totalPoints", result.UserPoints.TotalPoints),
		zap.String("level", result.UserPoints.Level))

	return &CreditResult{UserPoints: result.UserPoints, Points: awarded(result, input.Points)}, nil
}

// awarded returns the points of the stored transaction, or fallback when the store did not return it
func awarded(result *store.CreditUserPointsResult, fallback int64) int64 {
	if result.Transaction == nil {
		return fallback
	}
	return result.Transaction.Points
}

func (e *engine) emptyUserPoints(userID string) *schema.UserPoints {
	now := e.clock.Now().UTC()
	return &schema.UserPoints{
		UserID:    userID,
		Level:     LevelForPoints(0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (e *engine) GetUserPoints(ctx context.Context, userID string) (*UserSummary, error) {
	userPoints, err := e.store.GetUserPoints(ctx, userID)
	if err != nil {
		return nil, err
	}
	if userPoints == nil {
		userPoints = e.emptyUserPoints(userID)
	}
	return &UserSummary{UserPoints: userPoints, Progress: LevelProgress(userPoints.TotalPoints)}, nil
}

func (e *engine) Transactions(ctx context.Context, userID string, limit int) ([]schema.PointsTransaction, error) {
	return e.store.ListPointsTransactions(ctx, userID, limit)
}

func (e *engine) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}

	users, err := e.store.ListTopUserPoints(ctx, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, len(users))
	for i, user := range users {
		entries = append(entries, LeaderboardEntry{
			Rank:        i + 1,
			UserID:      user.UserID,
			TotalPoints: user.TotalPoints,
			Level:       user.Level,
		})
	}
	return entries, nil
}

func (e *engine) Stats(ctx context.Context) (*Stats, error) {
	txs, err := e.store.ListAllPointsTransactions(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TransactionCount: len(txs),
		PointsByMaterial: make(map[domain.MaterialType]int64),
		PointsByMonth:    make(map[string]int64),
	}
	points := make([]float64, 0, len(txs))
	for _, tx := range txs {
		stats.TotalPointsDistributed += tx.Points
		stats.PointsByMaterial[tx.MaterialType] += tx.Points
		stats.PointsByMonth[tx.CreatedAt.UTC().Format("2006-01")] += tx.Points
		points = append(points, float64(tx.Points))
	}
	if len(points) > 0 {
		stats.AveragePointsPerTransaction = stat.Mean(points, nil)
	}

	return stats, nil
}
