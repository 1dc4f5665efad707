package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/ledger"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/rewards"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

// RetryConfig bounds the retries of transient storage failures
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

// DefaultRetryConfig is used for zero fields of RetryConfig
var DefaultRetryConfig = RetryConfig{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxElapsedTime:  30 * time.Second,
	MaxRetries:      5,
}

// RegisterInput describes a new collection
type RegisterInput struct {
	// CollectionID is generated when empty
	CollectionID string
	UserID       string
	MaterialType domain.MaterialType
	Weight       float64
	Location     string
	// ResponsiblePerson defaults to UserID
	ResponsiblePerson string
	PhotoHash         *string
}

// Registration is the outcome of RegisterCollection
type Registration struct {
	CollectionID string               `json:"collectionId"`
	Record       *schema.LedgerRecord `json:"record"`
	Points       int64                `json:"points"`
	UserPoints   *schema.UserPoints   `json:"userPoints"`
	// Duplicate is true when the collection had already been registered
	Duplicate bool `json:"duplicate"`
}

// AdvanceInput moves a collection to its next stage
type AdvanceInput struct {
	CollectionID string
	Stage        domain.Stage
	// Location and ResponsiblePerson default to the ones of the current stage
	Location          string
	ResponsiblePerson string
	PhotoHash         *string
}

// StageResult is the outcome of AdvanceStage
type StageResult struct {
	Record *schema.LedgerRecord `json:"record"`
	// Replayed is true when the stage had already been recorded
	Replayed bool `json:"replayed"`
}

// Service ties the ledger and the rewards engine to the collection lifecycle
type Service interface {
	// RegisterCollection records the collected stage and credits the user
	RegisterCollection(ctx context.Context, input RegisterInput) (*Registration, error)
	// AdvanceStage appends the next lifecycle stage of a collection
	AdvanceStage(ctx context.Context, input AdvanceInput) (*StageResult, error)
	// Custody returns the custody chain of a collection
	Custody(ctx context.Context, collectionID string) (*ledger.CustodyChain, error)
}

type service struct {
	retry   RetryConfig
	ledger  ledger.Ledger
	rewards rewards.Engine
	clock   adapter.Clock
}

// NewService creates a tracking service
func NewService(retry RetryConfig, l ledger.Ledger, engine rewards.Engine, clock adapter.Clock) Service {
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = DefaultRetryConfig.InitialInterval
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = DefaultRetryConfig.MaxInterval
	}
	if retry.MaxElapsedTime <= 0 {
		retry.MaxElapsedTime = DefaultRetryConfig.MaxElapsedTime
	}
	if retry.MaxRetries == 0 {
		retry.MaxRetries = DefaultRetryConfig.MaxRetries
	}
	return &service{retry: retry, ledger: l, rewards: engine, clock: clock}
}

func (s *service) RegisterCollection(ctx context.Context, input RegisterInput) (*Registration, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return nil, fmt.Errorf("%w: missing userId", domain.ErrInvalidPayload)
	}
	points, err := s.rewards.CalculatePoints(input.MaterialType, input.Weight)
	if err != nil {
		return nil, err
	}

	collectionID := strings.TrimSpace(input.CollectionID)
	if collectionID == "" {
		collectionID = ledger.GenerateTrackingID(s.clock.Now())
	}
	if collectionID == domain.GENESIS_ID {
		return nil, fmt.Errorf("%w: %s is reserved for the chain root", domain.ErrInvalidPayload, domain.GENESIS_ID)
	}
	responsible := input.ResponsiblePerson
	if strings.TrimSpace(responsible) == "" {
		responsible = input.UserID
	}

	payload := domain.RecordPayload{
		CollectionID:      collectionID,
		EventID:           domain.StageEventID(collectionID, domain.StageCollected),
		Stage:             domain.StageCollected,
		Weight:            input.Weight,
		Location:          input.Location,
		ResponsiblePerson: responsible,
		PhotoHash:         input.PhotoHash,
	}

	var record *schema.LedgerRecord
	err = s.withRetry(ctx, "append collected record", func() error {
		var err error
		record, err = s.ledger.Append(ctx, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	var credit *rewards.CreditResult
	err = s.withRetry(ctx, "credit points", func() error {
		var err error
		credit, err = s.rewards.CreditPoints(ctx, rewards.CreditInput{
			UserID:       input.UserID,
			CollectionID: collectionID,
			MaterialType: input.MaterialType,
			Weight:       input.Weight,
			Points:       points,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "Collection registered",
		zap.String("collectionId", collectionID),
		zap.String("userId", input.UserID),
		zap.String("hash", record.Hash),
		zap.Int64("points", credit.Points),
		zap.Bool("duplicate", credit.Duplicate))

	return &Registration{
		CollectionID: collectionID,
		Record:       record,
		Points:       credit.Points,
		UserPoints:   credit.UserPoints,
		Duplicate:    credit.Duplicate,
	}, nil
}

func (s *service) AdvanceStage(ctx context.Context, input AdvanceInput) (*StageResult, error) {
	if !input.Stage.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStage, input.Stage)
	}

	var current *schema.LedgerRecord
	for record, err := range s.ledger.RecordsFor(ctx, input.CollectionID) {
		if err != nil {
			return nil, err
		}
		if record.Stage == input.Stage {
			return &StageResult{Record: record, Replayed: true}, nil
		}
		current = record
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrCollectionNotFound, input.CollectionID)
	}

	next, ok := current.Stage.Next()
	if !ok || next != input.Stage {
		return nil, fmt.Errorf("%w: %s cannot follow %s", domain.ErrInvalidStageTransition, input.Stage, current.Stage)
	}

	payload := domain.RecordPayload{
		CollectionID:      input.CollectionID,
		EventID:           domain.StageEventID(input.CollectionID, input.Stage),
		Stage:             input.Stage,
		Weight:            current.Weight,
		Location:          firstNonEmpty(input.Location, current.Location),
		ResponsiblePerson: firstNonEmpty(input.ResponsiblePerson, current.ResponsiblePerson),
		PhotoHash:         input.PhotoHash,
	}

	var record *schema.LedgerRecord
	err := s.withRetry(ctx, "append stage record", func() error {
		var err error
		record, err = s.ledger.Append(ctx, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "Collection stage advanced",
		zap.String("collectionId", input.CollectionID),
		zap.String("from", string(current.Stage)),
		zap.String("to", string(input.Stage)),
		zap.String("hash", record.Hash))

	return &StageResult{Record: record}, nil
}

func (s *service) Custody(ctx context.Context, collectionID string) (*ledger.CustodyChain, error) {
	return s.ledger.CustodyChain(ctx, collectionID)
}

// withRetry retries op with exponential backoff while it fails with a retryable error
func (s *service) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval
	b.MaxElapsedTime = s.retry.MaxElapsedTime

	operation := func() error {
		err := fn()
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var attemptCount int
	notifyOnError := func(err error, next time.Duration) {
		attemptCount++
		logger.WarnCtx(ctx, "Tracking operation failed, retrying",
			zap.String("operation", op),
			zap.Error(err),
			zap.Int("attempt", attemptCount),
			zap.Duration("next_retry_in", next))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.retry.MaxRetries), ctx)
	return backoff.RetryNotify(operation, policy, notifyOnError)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
