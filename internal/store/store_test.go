package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

// =============================================================================
// Test Data Builders
// =============================================================================

// testHash returns a deterministic 64 character hex string
func testHash(n int) string {
	return fmt.Sprintf("%064x", n)
}

// buildTestRecord creates a ledger record linked to previousHash
func buildTestRecord(n int, previousHash, collectionID string, stage domain.Stage) *schema.LedgerRecord {
	return &schema.LedgerRecord{
		Hash:              testHash(n),
		PreviousHash:      previousHash,
		CollectionID:      collectionID,
		EventID:           domain.StageEventID(collectionID, stage),
		Stage:             stage,
		Weight:            2.5,
		Location:          "Centro de Triagem Norte",
		ResponsiblePerson: "Maria Silva",
		Timestamp:         time.UnixMilli(1700000000000 + int64(n)).UTC(),
		Nonce:             int64(n),
	}
}

// buildTestChain appends count records spread over collections and returns them in order
func buildTestChain(t *testing.T, store Store, count int, collections ...string) []*schema.LedgerRecord {
	ctx := context.Background()
	if len(collections) == 0 {
		collections = []string{"COL-1"}
	}

	var records []*schema.LedgerRecord
	previous := domain.GENESIS_PREVIOUS_HASH
	for i := range count {
		collection := collections[i%len(collections)]
		stage := domain.LifecycleStages[(i/len(collections))%len(domain.LifecycleStages)]
		record := buildTestRecord(i+1, previous, collection, stage)
		require.NoError(t, store.AppendLedgerRecord(ctx, record))
		records = append(records, record)
		previous = record.Hash
	}
	return records
}

// buildTestTransaction creates a points transaction input
func buildTestTransaction(userID, collectionID string, points int64) CreditUserPointsInput {
	return CreditUserPointsInput{
		Transaction: schema.PointsTransaction{
			UserID:       userID,
			CollectionID: collectionID,
			MaterialType: domain.MaterialPaper,
			Weight:       2.5,
			Points:       points,
			Description:  "Coleta de papel - 2.5kg",
		},
		LevelFor: testLevelFor,
	}
}

func testLevelFor(total int64) string {
	switch {
	case total < 100:
		return "Novato"
	case total < 500:
		return "Iniciante"
	default:
		return "Intermediário"
	}
}

func collect(t *testing.T, store Store, filter LedgerFilter) []*schema.LedgerRecord {
	var records []*schema.LedgerRecord
	for record, err := range store.IterateLedgerRecords(context.Background(), filter) {
		require.NoError(t, err)
		records = append(records, record)
	}
	return records
}

// =============================================================================
// Ledger
// =============================================================================

func testAppendLedgerRecord(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("empty chain has no tail", func(t *testing.T) {
		tail, err := store.GetLedgerTail(ctx)
		require.NoError(t, err)
		assert.Nil(t, tail)

		count, err := store.CountLedgerRecords(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("first record must link to the genesis previous hash", func(t *testing.T) {
		record := buildTestRecord(99, testHash(42), "COL-1", domain.StageCollected)
		err := store.AppendLedgerRecord(ctx, record)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	})

	first := buildTestRecord(1, domain.GENESIS_PREVIOUS_HASH, "COL-1", domain.StageCollected)
	second := buildTestRecord(2, first.Hash, "COL-1", domain.StageProcessing)

	t.Run("append assigns increasing sequences", func(t *testing.T) {
		require.NoError(t, store.AppendLedgerRecord(ctx, first))
		require.NoError(t, store.AppendLedgerRecord(ctx, second))
		assert.Greater(t, second.Sequence, first.Sequence)

		tail, err := store.GetLedgerTail(ctx)
		require.NoError(t, err)
		require.NotNil(t, tail)
		assert.Equal(t, second.Hash, tail.Hash)
		assert.Equal(t, second.Sequence, tail.Sequence)
	})

	t.Run("stale previous hash is rejected", func(t *testing.T) {
		fork := buildTestRecord(3, first.Hash, "COL-2", domain.StageCollected)
		err := store.AppendLedgerRecord(ctx, fork)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConcurrentModification)
		assert.True(t, domain.IsRetryable(err))
	})

	t.Run("duplicate event id is rejected", func(t *testing.T) {
		duplicate := buildTestRecord(4, second.Hash, "COL-1", domain.StageProcessing)
		err := store.AppendLedgerRecord(ctx, duplicate)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConcurrentModification)

		count, err := store.CountLedgerRecords(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("lookup by hash and event id", func(t *testing.T) {
		byHash, err := store.GetLedgerRecordByHash(ctx, first.Hash)
		require.NoError(t, err)
		require.NotNil(t, byHash)
		assert.Equal(t, first.EventID, byHash.EventID)
		assert.Equal(t, first.Weight, byHash.Weight)
		assert.Equal(t, first.Timestamp.UnixMilli(), byHash.Timestamp.UnixMilli())
		assert.Nil(t, byHash.PhotoHash)

		byEvent, err := store.GetLedgerRecordByEventID(ctx, second.EventID)
		require.NoError(t, err)
		require.NotNil(t, byEvent)
		assert.Equal(t, second.Hash, byEvent.Hash)
		assert.Equal(t, first.Hash, byEvent.PreviousHash)

		missing, err := store.GetLedgerRecordByHash(ctx, testHash(1000))
		require.NoError(t, err)
		assert.Nil(t, missing)

		missing, err = store.GetLedgerRecordByEventID(ctx, "COL-404:collected")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("photo hash round trips", func(t *testing.T) {
		photoHash := "abc123"
		record := buildTestRecord(5, second.Hash, "COL-3", domain.StageCollected)
		record.PhotoHash = &photoHash
		require.NoError(t, store.AppendLedgerRecord(ctx, record))

		stored, err := store.GetLedgerRecordByHash(ctx, record.Hash)
		require.NoError(t, err)
		require.NotNil(t, stored)
		require.NotNil(t, stored.PhotoHash)
		assert.Equal(t, photoHash, *stored.PhotoHash)
	})
}

func testIterateLedgerRecords(t *testing.T, store Store) {
	records := buildTestChain(t, store, 7, "COL-A", "COL-B")

	t.Run("yields every record in append order across batches", func(t *testing.T) {
		got := collect(t, store, LedgerFilter{BatchSize: 2})
		require.Len(t, got, 7)
		for i, record := range got {
			assert.Equal(t, records[i].Hash, record.Hash)
		}
	})

	t.Run("every range restarts the scan", func(t *testing.T) {
		seq := store.IterateLedgerRecords(context.Background(), LedgerFilter{BatchSize: 3})
		count := func() int {
			n := 0
			for _, err := range seq {
				require.NoError(t, err)
				n++
			}
			return n
		}
		assert.Equal(t, 7, count())
		assert.Equal(t, 7, count())
	})

	t.Run("filters by collection", func(t *testing.T) {
		got := collect(t, store, LedgerFilter{CollectionID: "COL-B", BatchSize: 1})
		require.Len(t, got, 3)
		for _, record := range got {
			assert.Equal(t, "COL-B", record.CollectionID)
		}
		assert.Equal(t, records[1].Hash, got[0].Hash)
	})

	t.Run("honors after sequence and limit", func(t *testing.T) {
		got := collect(t, store, LedgerFilter{AfterSequence: records[2].Sequence, Limit: 2})
		require.Len(t, got, 2)
		assert.Equal(t, records[3].Hash, got[0].Hash)
		assert.Equal(t, records[4].Hash, got[1].Hash)
	})

	t.Run("stops when the consumer breaks", func(t *testing.T) {
		n := 0
		for _, err := range store.IterateLedgerRecords(context.Background(), LedgerFilter{BatchSize: 2}) {
			require.NoError(t, err)
			n++
			if n == 3 {
				break
			}
		}
		assert.Equal(t, 3, n)
	})

	t.Run("cancelled context surfaces an error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var gotErr error
		for _, err := range store.IterateLedgerRecords(ctx, LedgerFilter{}) {
			gotErr = err
		}
		assert.ErrorIs(t, gotErr, context.Canceled)
	})
}

func testCollectionIDsSharingAPrefix(t *testing.T, store Store) {
	records := buildTestChain(t, store, 4, "TRK-1:x", "TRK-1")

	got := collect(t, store, LedgerFilter{CollectionID: "TRK-1", BatchSize: 1})
	require.Len(t, got, 2)
	for _, record := range got {
		assert.Equal(t, "TRK-1", record.CollectionID)
	}
	assert.Equal(t, records[1].Hash, got[0].Hash)
	assert.Equal(t, records[3].Hash, got[1].Hash)

	got = collect(t, store, LedgerFilter{CollectionID: "TRK-1:x"})
	require.Len(t, got, 2)
	assert.Equal(t, records[0].Hash, got[0].Hash)
	assert.Equal(t, records[2].Hash, got[1].Hash)
}

func testCountLedgerRecordsByStage(t *testing.T, store Store) {
	ctx := context.Background()
	buildTestChain(t, store, 3, "COL-A", "COL-B", "COL-C")
	buildOn := func(n int, collection string, stage domain.Stage) {
		tail, err := store.GetLedgerTail(ctx)
		require.NoError(t, err)
		require.NoError(t, store.AppendLedgerRecord(ctx, buildTestRecord(n, tail.Hash, collection, stage)))
	}
	buildOn(10, "COL-A", domain.StageProcessing)

	counts, err := store.CountLedgerRecordsByStage(ctx)
	require.NoError(t, err)

	byStage := make(map[domain.Stage]int64)
	for _, c := range counts {
		byStage[c.Stage] = c.Count
	}
	assert.Equal(t, int64(3), byStage[domain.StageCollected])
	assert.Equal(t, int64(1), byStage[domain.StageProcessing])

	total, err := store.CountLedgerRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
}

// =============================================================================
// Points
// =============================================================================

func testCreditUserPoints(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("unknown user has no points", func(t *testing.T) {
		userPoints, err := store.GetUserPoints(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, userPoints)
	})

	t.Run("first credit creates the user", func(t *testing.T) {
		result, err := store.CreditUserPoints(ctx, buildTestTransaction("user-1", "COL-1", 30))
		require.NoError(t, err)
		assert.False(t, result.Duplicate)
		require.NotNil(t, result.UserPoints)
		assert.Equal(t, int64(30), result.UserPoints.TotalPoints)
		assert.Equal(t, "Novato", result.UserPoints.Level)
		require.NotNil(t, result.Transaction)
		assert.Equal(t, int64(30), result.Transaction.Points)
	})

	t.Run("credits accumulate and update the level", func(t *testing.T) {
		result, err := store.CreditUserPoints(ctx, buildTestTransaction("user-1", "COL-2", 90))
		require.NoError(t, err)
		assert.Equal(t, int64(120), result.UserPoints.TotalPoints)
		assert.Equal(t, "Iniciante", result.UserPoints.Level)

		stored, err := store.GetUserPoints(ctx, "user-1")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, int64(120), stored.TotalPoints)
		assert.Equal(t, "Iniciante", stored.Level)
	})

	t.Run("crediting the same collection twice is a no-op", func(t *testing.T) {
		result, err := store.CreditUserPoints(ctx, buildTestTransaction("user-1", "COL-2", 500))
		require.NoError(t, err)
		assert.True(t, result.Duplicate)
		require.NotNil(t, result.UserPoints)
		assert.Equal(t, int64(120), result.UserPoints.TotalPoints)
		require.NotNil(t, result.Transaction)
		assert.Equal(t, int64(90), result.Transaction.Points, "the original award is returned")

		txs, err := store.ListPointsTransactions(ctx, "user-1", 0)
		require.NoError(t, err)
		assert.Len(t, txs, 2)
	})

	t.Run("a collection credited to one user cannot be credited to another", func(t *testing.T) {
		result, err := store.CreditUserPoints(ctx, buildTestTransaction("user-2", "COL-1", 30))
		require.NoError(t, err)
		assert.True(t, result.Duplicate)
		assert.Nil(t, result.UserPoints)

		userPoints, err := store.GetUserPoints(ctx, "user-2")
		require.NoError(t, err)
		assert.Nil(t, userPoints)
	})

	t.Run("transactions carry defaults", func(t *testing.T) {
		txs, err := store.ListPointsTransactions(ctx, "user-1", 0)
		require.NoError(t, err)
		for _, tx := range txs {
			assert.Len(t, tx.ID, 36)
			assert.Equal(t, domain.POINTS_TRANSACTION_EARNED, tx.Type)
			assert.False(t, tx.CreatedAt.IsZero())
		}
	})
}

func testListPointsTransactions(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, points := range []int64{10, 20, 30} {
		input := buildTestTransaction("user-1", fmt.Sprintf("COL-%d", i), points)
		input.Transaction.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		_, err := store.CreditUserPoints(ctx, input)
		require.NoError(t, err)
	}
	_, err := store.CreditUserPoints(ctx, buildTestTransaction("user-2", "COL-X", 500))
	require.NoError(t, err)

	t.Run("user transactions are newest first", func(t *testing.T) {
		txs, err := store.ListPointsTransactions(ctx, "user-1", 2)
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, int64(30), txs[0].Points)
		assert.Equal(t, int64(20), txs[1].Points)
	})

	t.Run("all transactions are oldest first", func(t *testing.T) {
		txs, err := store.ListAllPointsTransactions(ctx)
		require.NoError(t, err)
		require.Len(t, txs, 4)
		assert.Equal(t, int64(10), txs[0].Points)
	})

	t.Run("leaderboard orders by total", func(t *testing.T) {
		users, err := store.ListTopUserPoints(ctx, 10)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "user-2", users[0].UserID)
		assert.Equal(t, int64(500), users[0].TotalPoints)
		assert.Equal(t, "user-1", users[1].UserID)
		assert.Equal(t, int64(60), users[1].TotalPoints)

		top, err := store.ListTopUserPoints(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, top, 1)
	})
}

// =============================================================================
// Audit
// =============================================================================

func testAuditRuns(t *testing.T, store Store) {
	ctx := context.Background()

	latest, err := store.GetLatestAuditRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	errs, err := json.Marshal([]string{"record 3 hash mismatch"})
	require.NoError(t, err)

	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := []*schema.AuditRun{
		{ID: "01HQ0000000000000000000001", StartedAt: started, FinishedAt: started.Add(time.Second), Valid: true, RecordCount: 10, Errors: datatypes.JSON("[]")},
		{ID: "01HQ0000000000000000000002", StartedAt: started.Add(time.Hour), FinishedAt: started.Add(time.Hour + time.Second), Valid: false, RecordCount: 12, IncompleteCollections: 1, Errors: datatypes.JSON(errs)},
	}
	for _, run := range runs {
		require.NoError(t, store.CreateAuditRun(ctx, run))
	}

	latest, err = store.GetLatestAuditRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, runs[1].ID, latest.ID)
	assert.False(t, latest.Valid)
	assert.Equal(t, int64(12), latest.RecordCount)
	assert.Equal(t, 1, latest.IncompleteCollections)
	assert.JSONEq(t, string(errs), string(latest.Errors))
}

// =============================================================================
// Concurrency (backends that can run goroutines against one store)
// =============================================================================

// runConcurrentAppendTest races appends on the same tail; exactly one per round wins
func runConcurrentAppendTest(t *testing.T, store Store) {
	ctx := context.Background()
	const workers = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record := buildTestRecord(i+1, domain.GENESIS_PREVIOUS_HASH, fmt.Sprintf("COL-%d", i), domain.StageCollected)
			err := store.AppendLedgerRecord(ctx, record)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			assert.ErrorIs(t, err, domain.ErrConcurrentModification)
			conflicts++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflicts)

	count, err := store.CountLedgerRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

// runConcurrentCreditTest credits one user from many goroutines; no increment may be lost
func runConcurrentCreditTest(t *testing.T, store Store) {
	ctx := context.Background()
	const workers = 50

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreditUserPoints(ctx, buildTestTransaction("user-1", fmt.Sprintf("COL-%d", i), 10))
			assert.NoError(t, err)
		}()
	}
	// Another user in parallel must not be blocked or affected
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreditUserPoints(ctx, buildTestTransaction("user-2", fmt.Sprintf("OTHER-%d", i), 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	userPoints, err := store.GetUserPoints(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, userPoints)
	assert.Equal(t, int64(workers*10), userPoints.TotalPoints)
	assert.Equal(t, "Intermediário", userPoints.Level)

	other, err := store.GetUserPoints(ctx, "user-2")
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, int64(workers), other.TotalPoints)

	txs, err := store.ListPointsTransactions(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, workers)
}

// RunStoreTests runs the shared suite against a store implementation
func RunStoreTests(t *testing.T, initDB func(t *testing.T) Store, cleanupDB func(t *testing.T)) {
	tests := []struct {
		name string
		fn   func(*testing.T, Store)
	}{
		{"AppendLedgerRecord", testAppendLedgerRecord},
		{"IterateLedgerRecords", testIterateLedgerRecords},
		{"CollectionIDsSharingAPrefix", testCollectionIDsSharingAPrefix},
		{"CountLedgerRecordsByStage", testCountLedgerRecordsByStage},
		{"CreditUserPoints", testCreditUserPoints},
		{"ListPointsTransactions", testListPointsTransactions},
		{"AuditRuns", testAuditRuns},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := initDB(t)
			defer cleanupDB(t)
			tt.fn(t, store)
		})
	}
}
