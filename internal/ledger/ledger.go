package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/messaging"
	"github.com/feral-file/recycling-ledger/internal/store"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

const (
	// DefaultDifficulty matches the "00" prefix of the legacy chain
	DefaultDifficulty = 2
	// DefaultMaxMiningIterations bounds the nonce search
	DefaultMaxMiningIterations int64 = 1 << 24
	// maxAppendAttempts bounds retries after losing an append race to another writer
	maxAppendAttempts = 3
)

// Config holds the ledger configuration
type Config struct {
	Difficulty          int
	MaxMiningIterations int64
}

// Ledger is the append-only hash chain of collection events
type Ledger interface {
	// Append mines and appends a record for payload; an existing eventId returns the stored record
	Append(ctx context.Context, payload domain.RecordPayload) (*schema.LedgerRecord, error)
	// Validate recomputes the hash of the record identified by hash
	Validate(ctx context.Context, hash string) (ValidationResult, error)
	// VerifyChain walks the chain and reports every linkage, hash and difficulty failure
	VerifyChain(ctx context.Context) (VerificationResult, error)
	// RecordsFor yields the records of a collection in append order, genesis excluded
	RecordsFor(ctx context.Context, collectionID string) iter.Seq2[*schema.LedgerRecord, error]
	// CustodyChain returns the timestamp ordered history of a collection and whether it is complete
	CustodyChain(ctx context.Context, collectionID string) (*CustodyChain, error)
	// LatestRecordFor returns the last appended record of a collection, or nil
	LatestRecordFor(ctx context.Context, collectionID string) (*schema.LedgerRecord, error)
	// ListRecords returns records newest first with their validity
	ListRecords(ctx context.Context, collectionID string, limit int) ([]RecordView, error)
	// Stats summarizes the chain
	Stats(ctx context.Context) (*Stats, error)
	// Export writes the whole chain as indented JSON
	Export(ctx context.Context, w io.Writer) error
}

type ledger struct {
	mu        sync.Mutex
	cfg       Config
	store     store.LedgerStore
	hasher    *Hasher
	publisher messaging.Publisher
	clock     adapter.Clock
	json      adapter.JSON
}

// New creates a ledger on top of a record store
func New(cfg Config, ledgerStore store.LedgerStore, hasher *Hasher, publisher messaging.Publisher, clock adapter.Clock, json adapter.JSON) Ledger {
	if cfg.MaxMiningIterations <= 0 {
		cfg.MaxMiningIterations = DefaultMaxMiningIterations
	}
	if publisher == nil {
		publisher = messaging.Noop{}
	}
	return &ledger{
		cfg:       cfg,
		store:     ledgerStore,
		hasher:    hasher,
		publisher: publisher,
		clock:     clock,
		json:      json,
	}
}

// genesisPayload is the fixed content of the chain root
func genesisPayload() domain.RecordPayload {
	return domain.RecordPayload{
		CollectionID:      domain.GENESIS_ID,
		EventID:           domain.GENESIS_ID,
		Stage:             domain.StageGenesis,
		Weight:            0,
		Location:          domain.SYSTEM_ACTOR,
		ResponsiblePerson: domain.SYSTEM_ACTOR,
	}
}

// GenesisRecord builds the deterministic chain root. It is not mined.
func GenesisRecord(hasher *Hasher) (*schema.LedgerRecord, error) {
	payload := genesisPayload()
	timestamp := time.Unix(0, 0).UTC()
	hash, err := hasher.Compute(domain.GENESIS_PREVIOUS_HASH, payload, 0, timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to hash genesis record: %w", err)
	}

	return &schema.LedgerRecord{
		Hash:              hash,
		PreviousHash:      domain.GENESIS_PREVIOUS_HASH,
		CollectionID:      payload.CollectionID,
		EventID:           payload.EventID,
		Stage:             payload.Stage,
		Weight:            payload.Weight,
		Location:          payload.Location,
		ResponsiblePerson: payload.ResponsiblePerson,
		Timestamp:         timestamp,
		Nonce:             0,
	}, nil
}

func (l *ledger) Append(ctx context.Context, payload domain.RecordPayload) (*schema.LedgerRecord, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if payload.Stage == domain.StageGenesis || payload.EventID == domain.GENESIS_ID {
		return nil, fmt.Errorf("%w: %s is reserved for the chain root", domain.ErrInvalidPayload, domain.GENESIS_ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		record, err := l.appendLocked(ctx, payload)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return nil, err
		}

		lastErr = err
		logger.WarnCtx(ctx, "Ledger tail moved while appending, retrying",
			zap.String("eventId", payload.EventID),
			zap.Int("attempt", attempt))
	}

	return nil, lastErr
}

// appendLocked performs one read tail, mine, compare-and-append round
func (l *ledger) appendLocked(ctx context.Context, payload domain.RecordPayload) (*schema.LedgerRecord, error) {
	existing, err := l.store.GetLedgerRecordByEventID(ctx, payload.EventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.DebugCtx(ctx, "Event already recorded", zap.String("eventId", payload.EventID), zap.String("hash", existing.Hash))
		return existing, nil
	}

	tail, err := l.tail(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := l.clock.Now().UTC().Truncate(time.Millisecond)
	start := l.clock.Now()
	mined, err := l.hasher.mine(ctx, tail.Hash, payload, timestamp, l.cfg.MaxMiningIterations)
	if err != nil {
		return nil, err
	}

	record := &schema.LedgerRecord{
		Hash:              mined.hash,
		PreviousHash:      tail.Hash,
		CollectionID:      payload.CollectionID,
		EventID:           payload.EventID,
		Stage:             payload.Stage,
		Weight:            payload.Weight,
		Location:          payload.Location,
		ResponsiblePerson: payload.ResponsiblePerson,
		PhotoHash:         payload.PhotoHash,
		Timestamp:         timestamp,
		Nonce:             mined.nonce,
	}
	if err := l.store.AppendLedgerRecord(ctx, record); err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "Ledger record appended",
		zap.Int64("sequence", record.Sequence),
		zap.String("hash", record.Hash),
		zap.String("collectionId", record.CollectionID),
		zap.String("stage", string(record.Stage)),
		zap.Int64("iterations", mined.iterations),
		zap.Duration("miningTime", l.clock.Since(start)))

	if err := l.publisher.PublishRecord(ctx, record); err != nil {
		logger.WarnCtx(ctx, "Failed to publish ledger record", zap.String("hash", record.Hash), zap.Error(err))
	}

	return record, nil
}

// tail returns the chain tail, writing the genesis record on an empty chain
func (l *ledger) tail(ctx context.Context) (*schema.LedgerRecord, error) {
	tail, err := l.store.GetLedgerTail(ctx)
	if err != nil {
		return nil, err
	}
	if tail != nil {
		return tail, nil
	}

	genesis, err := GenesisRecord(l.hasher)
	if err != nil {
		return nil, err
	}
	if err := l.store.AppendLedgerRecord(ctx, genesis); err != nil {
		return nil, fmt.Errorf("failed to write genesis record: %w", err)
	}

	logger.InfoCtx(ctx, "Genesis record written", zap.String("hash", genesis.Hash))
	return genesis, nil
}

func (l *ledger) Validate(ctx context.Context, hash string) (ValidationResult, error) {
	record, err := l.store.GetLedgerRecordByHash(ctx, hash)
	if err != nil {
		return ValidationResult{}, err
	}
	if record == nil {
		return ValidationResult{Valid: false}, nil
	}

	return l.validateRecord(record), nil
}

// validateRecord recomputes the hash of a record. A record whose payload cannot be hashed is invalid.
func (l *ledger) validateRecord(record *schema.LedgerRecord) ValidationResult {
	expected, err := l.hasher.ComputeRecord(record)
	if err != nil {
		logger.Warn("Failed to recompute record hash", zap.String("hash", record.Hash), zap.Error(err))
		return ValidationResult{Valid: false}
	}
	return ValidationResult{Valid: expected == record.Hash, ExpectedHash: expected}
}

func (l *ledger) VerifyChain(ctx context.Context) (VerificationResult, error) {
	result := VerificationResult{Valid: true, Errors: []string{}}

	var previous *schema.LedgerRecord
	for record, err := range l.store.IterateLedgerRecords(ctx, store.LedgerFilter{}) {
		if err != nil {
			return result, err
		}
		result.RecordCount++

		if previous != nil {
			result.Errors = append(result.Errors, l.checkLink(previous, record)...)
		}
		previous = record
	}

	result.Valid = len(result.Errors) == 0
	if !result.Valid {
		logger.WarnCtx(ctx, "Ledger integrity violations found",
			zap.Int64("records", result.RecordCount),
			zap.Strings("errors", result.Errors))
	}

	return result, nil
}

// checkLink runs the three per-record checks against the prior record
func (l *ledger) checkLink(previous, record *schema.LedgerRecord) []string {
	var errs []string

	if record.PreviousHash != previous.Hash {
		errs = append(errs, fmt.Sprintf("record %d (%s): previous hash %s does not match hash %s of record %d",
			record.Sequence, record.Hash, record.PreviousHash, previous.Hash, previous.Sequence))
	}

	validation := l.validateRecord(record)
	if !validation.Valid {
		errs = append(errs, fmt.Sprintf("record %d (%s): hash does not match recomputed hash %s",
			record.Sequence, record.Hash, validation.ExpectedHash))
	}

	if !l.hasher.MeetsDifficulty(record.Hash) {
		errs = append(errs, fmt.Sprintf("record %d (%s): hash does not meet difficulty %d",
			record.Sequence, record.Hash, l.hasher.Difficulty()))
	}

	return errs
}

func (l *ledger) RecordsFor(ctx context.Context, collectionID string) iter.Seq2[*schema.LedgerRecord, error] {
	return func(yield func(*schema.LedgerRecord, error) bool) {
		for record, err := range l.store.IterateLedgerRecords(ctx, store.LedgerFilter{CollectionID: collectionID}) {
			if err != nil {
				yield(nil, err)
				return
			}
			if record.IsGenesis() {
				continue
			}
			if !yield(record, nil) {
				return
			}
		}
	}
}

func (l *ledger) LatestRecordFor(ctx context.Context, collectionID string) (*schema.LedgerRecord, error) {
	var latest *schema.LedgerRecord
	for record, err := range l.RecordsFor(ctx, collectionID) {
		if err != nil {
			return nil, err
		}
		latest = record
	}
	return latest, nil
}

func (l *ledger) CustodyChain(ctx context.Context, collectionID string) (*CustodyChain, error) {
	var records []*schema.LedgerRecord
	for record, err := range l.RecordsFor(ctx, collectionID) {
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrCollectionNotFound, collectionID)
	}

	slices.SortStableFunc(records, func(a, b *schema.LedgerRecord) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	chain := &CustodyChain{
		CollectionID:  collectionID,
		Valid:         true,
		Records:       records,
		Timeline:      make([]TimelineEntry, 0, len(records)),
		MissingStages: []domain.Stage{},
	}

	seen := make(map[domain.Stage]bool)
	for _, record := range records {
		valid := l.validateRecord(record).Valid
		if !valid {
			chain.Valid = false
		}
		seen[record.Stage] = true
		chain.Timeline = append(chain.Timeline, TimelineEntry{
			Stage:             record.Stage,
			Timestamp:         record.Timestamp.UTC(),
			Location:          record.Location,
			ResponsiblePerson: record.ResponsiblePerson,
			Hash:              record.Hash,
			Valid:             valid,
		})
	}

	for _, stage := range domain.LifecycleStages {
		if !seen[stage] {
			chain.MissingStages = append(chain.MissingStages, stage)
			chain.Valid = false
		}
	}

	return chain, nil
}

func (l *ledger) ListRecords(ctx context.Context, collectionID string, limit int) ([]RecordView, error) {
	var views []RecordView
	for record, err := range l.store.IterateLedgerRecords(ctx, store.LedgerFilter{CollectionID: collectionID}) {
		if err != nil {
			return nil, err
		}
		views = append(views, RecordView{LedgerRecord: record, Valid: l.validateRecord(record).Valid})
	}

	slices.Reverse(views)
	if limit > 0 && len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

func (l *ledger) Stats(ctx context.Context) (*Stats, error) {
	total, err := l.store.CountLedgerRecords(ctx)
	if err != nil {
		return nil, err
	}
	byStage, err := l.store.CountLedgerRecordsByStage(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalRecords:   total,
		RecordsByStage: byStage,
		Difficulty:     l.hasher.Difficulty(),
	}

	collections := make(map[string]struct{})
	var intervals []float64
	var last *time.Time
	for record, err := range l.store.IterateLedgerRecords(ctx, store.LedgerFilter{}) {
		if err != nil {
			return nil, err
		}
		if record.IsGenesis() {
			continue
		}

		collections[record.CollectionID] = struct{}{}
		timestamp := record.Timestamp.UTC()
		if last != nil {
			intervals = append(intervals, float64(timestamp.Sub(*last)))
		}
		last = &timestamp
	}

	stats.DistinctCollections = len(collections)
	stats.LastRecordAt = last
	if len(intervals) > 0 {
		stats.AverageBlockInterval = time.Duration(stat.Mean(intervals, nil))
	}

	return stats, nil
}

func (l *ledger) Export(ctx context.Context, w io.Writer) error {
	doc := Export{
		ExportedAt: l.clock.Now().UTC(),
		Difficulty: l.hasher.Difficulty(),
		Records:    []*schema.LedgerRecord{},
	}
	for record, err := range l.store.IterateLedgerRecords(ctx, store.LedgerFilter{}) {
		if err != nil {
			return err
		}
		doc.Records = append(doc.Records, record)
	}
	doc.Length = len(doc.Records)

	data, err := l.json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}
