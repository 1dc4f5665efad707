package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/feral-file/recycling-ledger/internal/domain"
)

// initLevelDBTestDB opens a store backed by leveldb's in-memory storage
func initLevelDBTestDB(t *testing.T) Store {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)

	s := newLevelDBStore(db)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func cleanupLevelDBTestDB(t *testing.T) {}

// TestLevelDBStore runs all store tests against LevelDB
func TestLevelDBStore(t *testing.T) {
	RunStoreTests(t, initLevelDBTestDB, cleanupLevelDBTestDB)
}

func TestLevelDBStoreConcurrency(t *testing.T) {
	t.Run("appends", func(t *testing.T) {
		runConcurrentAppendTest(t, initLevelDBTestDB(t))
	})
	t.Run("credits", func(t *testing.T) {
		runConcurrentCreditTest(t, initLevelDBTestDB(t))
	})
}

func TestLevelDBStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger")

	s, err := NewLevelDBStore(path)
	require.NoError(t, err)
	records := buildTestChain(t, s, 3)
	_, err = s.CreditUserPoints(ctx, buildTestTransaction("user-1", "COL-1", 40))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewLevelDBStore(path)
	require.NoError(t, err)
	defer func() {
		_ = reopened.Close()
	}()

	tail, err := reopened.GetLedgerTail(ctx)
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, records[2].Hash, tail.Hash)

	next := buildTestRecord(4, tail.Hash, "COL-2", domain.StageCollected)
	require.NoError(t, reopened.AppendLedgerRecord(ctx, next))
	assert.Equal(t, int64(4), next.Sequence)

	userPoints, err := reopened.GetUserPoints(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, userPoints)
	assert.Equal(t, int64(40), userPoints.TotalPoints)
}
