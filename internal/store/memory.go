package store

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

// memoryStore keeps every record in process memory. It backs tests and single-node development runs.
type memoryStore struct {
	ledgerMu     sync.RWMutex
	records      []*schema.LedgerRecord
	byHash       map[string]int
	byEventID    map[string]int
	pointsMu     sync.RWMutex
	users        map[string]*schema.UserPoints
	transactions map[string]*schema.PointsTransaction
	userLocks    *keyedMutex
	auditMu      sync.RWMutex
	audits       []*schema.AuditRun
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() Store {
	return &memoryStore{
		byHash:       make(map[string]int),
		byEventID:    make(map[string]int),
		users:        make(map[string]*schema.UserPoints),
		transactions: make(map[string]*schema.PointsTransaction),
		userLocks:    newKeyedMutex(),
	}
}

func (s *memoryStore) GetLedgerTail(ctx context.Context) (*schema.LedgerRecord, error) {
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()

	if len(s.records) == 0 {
		return nil, nil
	}
	return s.records[len(s.records)-1].Clone(), nil
}

func (s *memoryStore) GetLedgerRecordByHash(ctx context.Context, hash string) (*schema.LedgerRecord, error) {
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()

	i, ok := s.byHash[hash]
	if !ok {
		return nil, nil
	}
	return s.records[i].Clone(), nil
}

func (s *memoryStore) GetLedgerRecordByEventID(ctx context.Context, eventID string) (*schema.LedgerRecord, error) {
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()

	i, ok := s.byEventID[eventID]
	if !ok {
		return nil, nil
	}
	return s.records[i].Clone(), nil
}

func (s *memoryStore) AppendLedgerRecord(ctx context.Context, record *schema.LedgerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	if err := checkTail(s.tailHash(), record); err != nil {
		return err
	}
	if _, exists := s.byHash[record.Hash]; exists {
		return duplicateError("hash", record.Hash)
	}
	if _, exists := s.byEventID[record.EventID]; exists {
		return duplicateError("event_id", record.EventID)
	}

	record.Sequence = int64(len(s.records) + 1)
	record.CreatedAt = time.Now().UTC()
	s.records = append(s.records, record.Clone())
	s.byHash[record.Hash] = len(s.records) - 1
	s.byEventID[record.EventID] = len(s.records) - 1
	return nil
}

func (s *memoryStore) tailHash() string {
	if len(s.records) == 0 {
		return ""
	}
	return s.records[len(s.records)-1].Hash
}

func (s *memoryStore) IterateLedgerRecords(ctx context.Context, filter LedgerFilter) iter.Seq2[*schema.LedgerRecord, error] {
	return iterateInBatches(ctx, filter, func(after int64, size int) ([]*schema.LedgerRecord, error) {
		s.ledgerMu.RLock()
		defer s.ledgerMu.RUnlock()

		var batch []*schema.LedgerRecord
		// Sequence n lives at index n-1
		for i := int(after); i < len(s.records) && len(batch) < size; i++ {
			r := s.records[i]
			if filter.CollectionID != "" && r.CollectionID != filter.CollectionID {
				continue
			}
			batch = append(batch, r.Clone())
		}
		return batch, nil
	})
}

func (s *memoryStore) CountLedgerRecords(ctx context.Context) (int64, error) {
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()
	return int64(len(s.records)), nil
}

func (s *memoryStore) CountLedgerRecordsByStage(ctx context.Context) ([]StageCount, error) {
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()

	counts := make(map[domain.Stage]int64)
	for _, r := range s.records {
		counts[r.Stage]++
	}
	return sortedStageCounts(counts), nil
}

func (s *memoryStore) CreditUserPoints(ctx context.Context, input CreditUserPointsInput) (*CreditUserPointsResult, error) {
	tx := input.Transaction
	unlock := s.userLocks.Lock(tx.UserID)
	defer unlock()

	s.pointsMu.RLock()
	existing, duplicate := s.transactions[tx.CollectionID]
	current := s.users[tx.UserID]
	s.pointsMu.RUnlock()

	if duplicate {
		return duplicateCredit(current, existing), nil
	}

	now := time.Now().UTC()
	updated := &schema.UserPoints{UserID: tx.UserID, CreatedAt: now}
	if current != nil {
		*updated = *current
	}
	updated.TotalPoints += tx.Points
	updated.Level = input.LevelFor(updated.TotalPoints)
	updated.UpdatedAt = now

	record := prepareTransaction(tx, now)

	s.pointsMu.Lock()
	defer s.pointsMu.Unlock()
	// Another user may have claimed the collection while the user lock was held
	if existing, exists := s.transactions[tx.CollectionID]; exists {
		return duplicateCredit(s.users[tx.UserID], existing), nil
	}
	s.transactions[tx.CollectionID] = &record
	s.users[tx.UserID] = updated
	stored := record
	return &CreditUserPointsResult{UserPoints: cloneUserPoints(updated), Transaction: &stored}, nil
}

func duplicateCredit(current *schema.UserPoints, existing *schema.PointsTransaction) *CreditUserPointsResult {
	stored := *existing
	return &CreditUserPointsResult{UserPoints: cloneUserPoints(current), Transaction: &stored, Duplicate: true}
}

func (s *memoryStore) GetUserPoints(ctx context.Context, userID string) (*schema.UserPoints, error) {
	s.pointsMu.RLock()
	defer s.pointsMu.RUnlock()
	return cloneUserPoints(s.users[userID]), nil
}

func (s *memoryStore) ListPointsTransactions(ctx context.Context, userID string, limit int) ([]schema.PointsTransaction, error) {
	s.pointsMu.RLock()
	defer s.pointsMu.RUnlock()

	var txs []schema.PointsTransaction
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			txs = append(txs, *tx)
		}
	}
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
	return truncate(txs, limit), nil
}

func (s *memoryStore) ListAllPointsTransactions(ctx context.Context) ([]schema.PointsTransaction, error) {
	s.pointsMu.RLock()
	defer s.pointsMu.RUnlock()

	txs := make([]schema.PointsTransaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		txs = append(txs, *tx)
	}
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
	return txs, nil
}

func (s *memoryStore) ListTopUserPoints(ctx context.Context, limit int) ([]schema.UserPoints, error) {
	s.pointsMu.RLock()
	defer s.pointsMu.RUnlock()

	users := make([]schema.UserPoints, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sortByTotalPoints(users)
	return truncate(users, limit), nil
}

func (s *memoryStore) CreateAuditRun(ctx context.Context, run *schema.AuditRun) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	c := *run
	s.audits = append(s.audits, &c)
	return nil
}

func (s *memoryStore) GetLatestAuditRun(ctx context.Context) (*schema.AuditRun, error) {
	s.auditMu.RLock()
	defer s.auditMu.RUnlock()

	if len(s.audits) == 0 {
		return nil, nil
	}
	c := *s.audits[len(s.audits)-1]
	return &c, nil
}

func (s *memoryStore) Close() error {
	return nil
}
