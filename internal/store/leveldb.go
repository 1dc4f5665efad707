package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

// Key layout
const (
	keyLedgerSeq        = "ledger:seq:"
	keyLedgerHash       = "ledger:hash:"
	keyLedgerEvent      = "ledger:event:"
	keyLedgerCollection = "ledger:collection:"
	keyLedgerTail       = "ledger:tail"
	keyPointsUser       = "points:user:"
	keyPointsTx         = "points:tx:"
	keyAudit            = "audit:"
)

// levelDBStore is an embedded single-node store on top of goleveldb.
// Every multi-key write goes through a leveldb.Batch so it lands atomically.
type levelDBStore struct {
	db        *leveldb.DB
	ledgerMu  sync.Mutex
	pointsMu  sync.Mutex
	userLocks *keyedMutex
}

// NewLevelDBStore opens (or creates) a LevelDB store at path
func NewLevelDBStore(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open leveldb at %s: %v", domain.ErrStorageUnavailable, path, err)
	}
	return newLevelDBStore(db), nil
}

func newLevelDBStore(db *leveldb.DB) *levelDBStore {
	return &levelDBStore{db: db, userLocks: newKeyedMutex()}
}

func seqKey(sequence int64) []byte {
	return fmt.Appendf(nil, "%s%020d", keyLedgerSeq, sequence)
}

// collectionPrefix hex-encodes the id so one collection's prefix never covers another's keys
func collectionPrefix(collectionID string) string {
	return keyLedgerCollection + hex.EncodeToString([]byte(collectionID)) + ":"
}

func collectionKey(collectionID string, sequence int64) []byte {
	return fmt.Appendf(nil, "%s%020d", collectionPrefix(collectionID), sequence)
}

func (s *levelDBStore) getJSON(key []byte, v any) (bool, error) {
	data, err := s.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return false, nil
		}
		return false, storageError("read "+string(key), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, storageError("decode "+string(key), err)
	}
	return true, nil
}

func (s *levelDBStore) getSequence(key []byte) (int64, bool, error) {
	data, err := s.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, storageError("read "+string(key), err)
	}
	sequence, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false, storageError("decode "+string(key), err)
	}
	return sequence, true, nil
}

func (s *levelDBStore) getRecordBySequence(sequence int64) (*schema.LedgerRecord, error) {
	var record schema.LedgerRecord
	found, err := s.getJSON(seqKey(sequence), &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

func (s *levelDBStore) getRecordByIndex(key []byte) (*schema.LedgerRecord, error) {
	sequence, found, err := s.getSequence(key)
	if err != nil || !found {
		return nil, err
	}
	return s.getRecordBySequence(sequence)
}

func (s *levelDBStore) GetLedgerTail(ctx context.Context) (*schema.LedgerRecord, error) {
	return s.getRecordByIndex([]byte(keyLedgerTail))
}

func (s *levelDBStore) GetLedgerRecordByHash(ctx context.Context, hash string) (*schema.LedgerRecord, error) {
	return s.getRecordByIndex([]byte(keyLedgerHash + hash))
}

func (s *levelDBStore) GetLedgerRecordByEventID(ctx context.Context, eventID string) (*schema.LedgerRecord, error) {
	return s.getRecordByIndex([]byte(keyLedgerEvent + eventID))
}

func (s *levelDBStore) AppendLedgerRecord(ctx context.Context, record *schema.LedgerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	tail, err := s.GetLedgerTail(ctx)
	if err != nil {
		return err
	}
	var tailHash string
	var tailSequence int64
	if tail != nil {
		tailHash = tail.Hash
		tailSequence = tail.Sequence
	}
	if err := checkTail(tailHash, record); err != nil {
		return err
	}

	for _, key := range [][]byte{[]byte(keyLedgerHash + record.Hash), []byte(keyLedgerEvent + record.EventID)} {
		exists, err := s.db.Has(key, nil)
		if err != nil {
			return storageError("check ledger index", err)
		}
		if exists {
			return duplicateError("key", string(key))
		}
	}

	record.Sequence = tailSequence + 1
	record.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode ledger record: %w", err)
	}

	sequence := []byte(strconv.FormatInt(record.Sequence, 10))
	batch := new(leveldb.Batch)
	batch.Put(seqKey(record.Sequence), data)
	batch.Put([]byte(keyLedgerHash+record.Hash), sequence)
	batch.Put([]byte(keyLedgerEvent+record.EventID), sequence)
	batch.Put(collectionKey(record.CollectionID, record.Sequence), sequence)
	batch.Put([]byte(keyLedgerTail), sequence)
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return storageError("append ledger record", err)
	}
	return nil
}

func (s *levelDBStore) IterateLedgerRecords(ctx context.Context, filter LedgerFilter) iter.Seq2[*schema.LedgerRecord, error] {
	return iterateInBatches(ctx, filter, func(after int64, size int) ([]*schema.LedgerRecord, error) {
		if filter.CollectionID != "" {
			return s.collectionBatch(filter.CollectionID, after, size)
		}

		rng := &util.Range{Start: seqKey(after + 1), Limit: util.BytesPrefix([]byte(keyLedgerSeq)).Limit}
		it := s.db.NewIterator(rng, nil)
		defer it.Release()

		var batch []*schema.LedgerRecord
		for len(batch) < size && it.Next() {
			var record schema.LedgerRecord
			if err := json.Unmarshal(it.Value(), &record); err != nil {
				return nil, storageError("decode ledger record", err)
			}
			batch = append(batch, &record)
		}
		if err := it.Error(); err != nil {
			return nil, storageError("iterate ledger records", err)
		}
		return batch, nil
	})
}

func (s *levelDBStore) collectionBatch(collectionID string, after int64, size int) ([]*schema.LedgerRecord, error) {
	prefix := util.BytesPrefix([]byte(collectionPrefix(collectionID)))
	it := s.db.NewIterator(&util.Range{Start: collectionKey(collectionID, after+1), Limit: prefix.Limit}, nil)
	defer it.Release()

	var sequences []int64
	for len(sequences) < size && it.Next() {
		sequence, err := strconv.ParseInt(string(it.Value()), 10, 64)
		if err != nil {
			return nil, storageError("decode collection index", err)
		}
		sequences = append(sequences, sequence)
	}
	if err := it.Error(); err != nil {
		return nil, storageError("iterate collection index", err)
	}

	batch := make([]*schema.LedgerRecord, 0, len(sequences))
	for _, sequence := range sequences {
		record, err := s.getRecordBySequence(sequence)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, storageError("read ledger record", fmt.Errorf("dangling index for sequence %d", sequence))
		}
		batch = append(batch, record)
	}
	return batch, nil
}

func (s *levelDBStore) CountLedgerRecords(ctx context.Context) (int64, error) {
	sequence, _, err := s.getSequence([]byte(keyLedgerTail))
	return sequence, err
}

func (s *levelDBStore) CountLedgerRecordsByStage(ctx context.Context) ([]StageCount, error) {
	counts := make(map[domain.Stage]int64)
	for record, err := range s.IterateLedgerRecords(ctx, LedgerFilter{}) {
		if err != nil {
			return nil, err
		}
		counts[record.Stage]++
	}
	return sortedStageCounts(counts), nil
}

func (s *levelDBStore) CreditUserPoints(ctx context.Context, input CreditUserPointsInput) (*CreditUserPointsResult, error) {
	tx := input.Transaction
	unlock := s.userLocks.Lock(tx.UserID)
	defer unlock()

	current, err := s.GetUserPoints(ctx, tx.UserID)
	if err != nil {
		return nil, err
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

	userData, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user points: %w", err)
	}
	txData, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode points transaction: %w", err)
	}

	// Collection ids are unique across users, so the existence check and write share one lock
	s.pointsMu.Lock()
	defer s.pointsMu.Unlock()

	txKey := []byte(keyPointsTx + tx.CollectionID)
	var original schema.PointsTransaction
	exists, err := s.getJSON(txKey, &original)
	if err != nil {
		return nil, err
	}
	if exists {
		return &CreditUserPointsResult{UserPoints: current, Transaction: &original, Duplicate: true}, nil
	}

	batch := new(leveldb.Batch)
	batch.Put(txKey, txData)
	batch.Put([]byte(keyPointsUser+tx.UserID), userData)
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return nil, storageError("credit user points", err)
	}
	return &CreditUserPointsResult{UserPoints: updated, Transaction: &record}, nil
}

func (s *levelDBStore) GetUserPoints(ctx context.Context, userID string) (*schema.UserPoints, error) {
	var userPoints schema.UserPoints
	found, err := s.getJSON([]byte(keyPointsUser+userID), &userPoints)
	if err != nil || !found {
		return nil, err
	}
	return &userPoints, nil
}

func (s *levelDBStore) scanTransactions(keep func(schema.PointsTransaction) bool) ([]schema.PointsTransaction, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(keyPointsTx)), nil)
	defer it.Release()

	var txs []schema.PointsTransaction
	for it.Next() {
		var tx schema.PointsTransaction
		if err := json.Unmarshal(it.Value(), &tx); err != nil {
			return nil, storageError("decode points transaction", err)
		}
		if keep(tx) {
			txs = append(txs, tx)
		}
	}
	if err := it.Error(); err != nil {
		return nil, storageError("iterate points transactions", err)
	}
	return txs, nil
}

func (s *levelDBStore) ListPointsTransactions(ctx context.Context, userID string, limit int) ([]schema.PointsTransaction, error) {
	txs, err := s.scanTransactions(func(tx schema.PointsTransaction) bool {
		return tx.UserID == userID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
	return truncate(txs, limit), nil
}

func (s *levelDBStore) ListAllPointsTransactions(ctx context.Context) ([]schema.PointsTransaction, error) {
	txs, err := s.scanTransactions(func(schema.PointsTransaction) bool { return true })
	if err != nil {
		return nil, err
	}
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
	return txs, nil
}

func (s *levelDBStore) ListTopUserPoints(ctx context.Context, limit int) ([]schema.UserPoints, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(keyPointsUser)), nil)
	defer it.Release()

	var users []schema.UserPoints
	for it.Next() {
		var userPoints schema.UserPoints
		if err := json.Unmarshal(it.Value(), &userPoints); err != nil {
			return nil, storageError("decode user points", err)
		}
		users = append(users, userPoints)
	}
	if err := it.Error(); err != nil {
		return nil, storageError("iterate user points", err)
	}

	sortByTotalPoints(users)
	return truncate(users, limit), nil
}

func (s *levelDBStore) CreateAuditRun(ctx context.Context, run *schema.AuditRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode audit run: %w", err)
	}
	if err := s.db.Put([]byte(keyAudit+run.ID), data, nil); err != nil {
		return storageError("create audit run", err)
	}
	return nil
}

// GetLatestAuditRun relies on ULID ids sorting by creation time
func (s *levelDBStore) GetLatestAuditRun(ctx context.Context) (*schema.AuditRun, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(keyAudit)), nil)
	defer it.Release()

	if !it.Last() {
		if err := it.Error(); err != nil {
			return nil, storageError("iterate audit runs", err)
		}
		return nil, nil
	}

	var run schema.AuditRun
	if err := json.Unmarshal(it.Value(), &run); err != nil {
		return nil, storageError("decode audit run", err)
	}
	return &run, nil
}

func (s *levelDBStore) Close() error {
	return s.db.Close()
}
