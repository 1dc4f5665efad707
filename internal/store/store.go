package store

import (
	"context"
	"iter"

	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

// DefaultBatchSize is the number of ledger records fetched per round trip while iterating
const DefaultBatchSize = 500

// LedgerFilter narrows a ledger iteration
type LedgerFilter struct {
	// CollectionID restricts the iteration to one collection when set
	CollectionID string
	// AfterSequence starts the iteration after this sequence number
	AfterSequence int64
	// Limit caps the number of records yielded (0 = unlimited)
	Limit int
	// BatchSize overrides DefaultBatchSize
	BatchSize int
}

// CreditUserPointsInput is the input for an atomic points credit
type CreditUserPointsInput struct {
	// Transaction is the award to record; its CollectionID is the idempotency key
	Transaction schema.PointsTransaction
	// LevelFor derives the level from the new total inside the same atomic step
	LevelFor func(totalPoints int64) string
}

// CreditUserPointsResult is the outcome of a credit
type CreditUserPointsResult struct {
	UserPoints *schema.UserPoints
	// Transaction is the stored award for the collection: the new one, or the original on a duplicate
	Transaction *schema.PointsTransaction
	// Duplicate is true when the collection had already been credited and nothing changed
	Duplicate bool
}

// StageCount is the number of ledger records at one stage
type StageCount struct {
	Stage domain.Stage `json:"stage"`
	Count int64        `json:"count"`
}

// LedgerStore is the record store behind the hash chain
type LedgerStore interface {
	// GetLedgerTail returns the last appended record, or nil when the chain is empty
	GetLedgerTail(ctx context.Context) (*schema.LedgerRecord, error)
	// GetLedgerRecordByHash returns the record with the given hash, or nil
	GetLedgerRecordByHash(ctx context.Context, hash string) (*schema.LedgerRecord, error)
	// GetLedgerRecordByEventID returns the record with the given event id, or nil
	GetLedgerRecordByEventID(ctx context.Context, eventID string) (*schema.LedgerRecord, error)
	// AppendLedgerRecord appends the record if its PreviousHash is the current tail hash
	// (or the genesis previous hash on an empty chain) and assigns its Sequence.
	// It fails with domain.ErrConcurrentModification otherwise.
	AppendLedgerRecord(ctx context.Context, record *schema.LedgerRecord) error
	// IterateLedgerRecords lazily yields records in append order; every range call restarts the scan
	IterateLedgerRecords(ctx context.Context, filter LedgerFilter) iter.Seq2[*schema.LedgerRecord, error]
	// CountLedgerRecords returns the number of records including the genesis record
	CountLedgerRecords(ctx context.Context) (int64, error)
	// CountLedgerRecordsByStage returns the record count per stage
	CountLedgerRecordsByStage(ctx context.Context) ([]StageCount, error)
}

// PointsStore is the record store behind the rewards engine
type PointsStore interface {
	// CreditUserPoints records the transaction and increments the user's total atomically
	CreditUserPoints(ctx context.Context, input CreditUserPointsInput) (*CreditUserPointsResult, error)
	// GetUserPoints returns the user's points, or nil when the user never earned any
	GetUserPoints(ctx context.Context, userID string) (*schema.UserPoints, error)
	// ListPointsTransactions returns the user's transactions, newest first
	ListPointsTransactions(ctx context.Context, userID string, limit int) ([]schema.PointsTransaction, error)
	// ListAllPointsTransactions returns every transaction, oldest first
	ListAllPointsTransactions(ctx context.Context) ([]schema.PointsTransaction, error)
	// ListTopUserPoints returns users ordered by total points descending
	ListTopUserPoints(ctx context.Context, limit int) ([]schema.UserPoints, error)
}

// AuditStore persists chain verification runs
type AuditStore interface {
	// CreateAuditRun stores the result of a verification run
	CreateAuditRun(ctx context.Context, run *schema.AuditRun) error
	// GetLatestAuditRun returns the most recent run, or nil
	GetLatestAuditRun(ctx context.Context) (*schema.AuditRun, error)
}

// Store defines the interface for all record store operations
type Store interface {
	LedgerStore
	PointsStore
	AuditStore
	// Close releases the underlying resources
	Close() error
}
