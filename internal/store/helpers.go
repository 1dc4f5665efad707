package store

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

// checkTail enforces the compare-and-append rule shared by the non-SQL backends
func checkTail(tailHash string, record *schema.LedgerRecord) error {
	expected := tailHash
	if expected == "" {
		expected = domain.GENESIS_PREVIOUS_HASH
	}
	if record.PreviousHash != expected {
		return fmt.Errorf("%w: previous hash %s is not the chain tail %s",
			domain.ErrConcurrentModification, record.PreviousHash, expected)
	}
	return nil
}

func duplicateError(field, value string) error {
	return fmt.Errorf("%w: ledger record with %s %s already exists", domain.ErrConcurrentModification, field, value)
}

// iterateInBatches turns a batch fetcher into a lazy, restartable sequence
func iterateInBatches(
	ctx context.Context,
	filter LedgerFilter,
	fetch func(afterSequence int64, size int) ([]*schema.LedgerRecord, error),
) iter.Seq2[*schema.LedgerRecord, error] {
	batchSize := filter.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return func(yield func(*schema.LedgerRecord, error) bool) {
		after := filter.AfterSequence
		yielded := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			batch, err := fetch(after, batchSize)
			if err != nil {
				yield(nil, err)
				return
			}

			for _, record := range batch {
				if filter.Limit > 0 && yielded >= filter.Limit {
					return
				}
				if !yield(record, nil) {
					return
				}
				yielded++
				after = record.Sequence
			}

			if len(batch) < batchSize {
				return
			}
		}
	}
}

func prepareTransaction(tx schema.PointsTransaction, now time.Time) schema.PointsTransaction {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Type == "" {
		tx.Type = domain.POINTS_TRANSACTION_EARNED
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	return tx
}

func cloneUserPoints(u *schema.UserPoints) *schema.UserPoints {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func sortByTotalPoints(users []schema.UserPoints) {
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].TotalPoints == users[j].TotalPoints {
			return users[i].UserID < users[j].UserID
		}
		return users[i].TotalPoints > users[j].TotalPoints
	})
}

func sortedStageCounts(counts map[domain.Stage]int64) []StageCount {
	result := make([]StageCount, 0, len(counts))
	for stage, count := range counts {
		result = append(result, StageCount{Stage: stage, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Stage < result[j].Stage
	})
	return result
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
