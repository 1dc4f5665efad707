package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/dbresolver"

	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

// ledgerAppendLockKey is the advisory lock that serializes appends across API instances
const ledgerAppendLockKey int64 = 0x6c6564676572

type pgStore struct {
	db *gorm.DB
}

func hasDBResolver(db *gorm.DB) bool {
	return db != nil && db.Callback().Query().Get("gorm:db_resolver") != nil
}

// NewPGStore creates a new PostgreSQL store instance
func NewPGStore(db *gorm.DB) Store {
	return &pgStore{db: db}
}

// ConfigureConnectionPool configures the connection pool settings for a GORM database connection.
// Zero values fall back to the defaults of NormalizeConnectionPoolSettings.
func ConfigureConnectionPool(db *gorm.DB, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime =
		NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	return nil
}

// NormalizeConnectionPoolSettings applies defaults and clamps pool settings into safe values.
//
// Defaults (when zero):
//   - MaxOpenConns: 20
//   - MaxIdleConns: 5
//   - ConnMaxLifetime: 5 minutes
//   - ConnMaxIdleTime: 10 minutes
func NormalizeConnectionPoolSettings(maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (int, int, time.Duration, time.Duration) {
	if maxOpenConns <= 0 {
		maxOpenConns = 20
	}
	if maxIdleConns <= 0 {
		maxIdleConns = 5
	}
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}
	if connMaxIdleTime <= 0 {
		connMaxIdleTime = 10 * time.Minute
	}

	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	return maxOpenConns, maxIdleConns, connMaxLifetime, connMaxIdleTime
}

// primary routes reads to the primary when read replicas are registered.
// Chain appends must see their own writes.
func (s *pgStore) primary(ctx context.Context) *gorm.DB {
	db := s.db.WithContext(ctx)
	if hasDBResolver(s.db) {
		db = db.Clauses(dbresolver.Write)
	}
	return db
}

// GetLedgerTail retrieves the record with the highest sequence
func (s *pgStore) GetLedgerTail(ctx context.Context) (*schema.LedgerRecord, error) {
	var record schema.LedgerRecord
	err := s.primary(ctx).Order("sequence DESC").Limit(1).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, storageError("get ledger tail", err)
	}
	return &record, nil
}

// GetLedgerRecordByHash retrieves a ledger record by its hash
func (s *pgStore) GetLedgerRecordByHash(ctx context.Context, hash string) (*schema.LedgerRecord, error) {
	var record schema.LedgerRecord
	err := s.db.WithContext(ctx).Where("hash = ?", hash).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, storageError("get ledger record by hash", err)
	}
	return &record, nil
}

// GetLedgerRecordByEventID retrieves a ledger record by its event id.
// It reads from the primary since it backs the append idempotency check.
func (s *pgStore) GetLedgerRecordByEventID(ctx context.Context, eventID string) (*schema.LedgerRecord, error) {
	var record schema.LedgerRecord
	err := s.primary(ctx).Where("event_id = ?", eventID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, storageError("get ledger record by event id", err)
	}
	return &record, nil
}

// AppendLedgerRecord inserts the record if it links to the current tail.
// Appends hold a transaction scoped advisory lock; the unique previous_hash index is the last line against forks.
func (s *pgStore) AppendLedgerRecord(ctx context.Context, record *schema.LedgerRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", ledgerAppendLockKey).Error; err != nil {
			return fmt.Errorf("failed to acquire append lock: %w", err)
		}

		var tailHash string
		err := tx.Model(&schema.LedgerRecord{}).
			Select("hash").
			Order("sequence DESC").
			Limit(1).
			Scan(&tailHash).Error
		if err != nil {
			return fmt.Errorf("failed to read ledger tail: %w", err)
		}
		if err := checkTail(tailHash, record); err != nil {
			return err
		}

		if err := tx.Create(record).Error; err != nil {
			if isUniqueViolation(err) {
				return duplicateError("hash or event_id", record.EventID)
			}
			return fmt.Errorf("failed to insert ledger record: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			logger.DebugCtx(ctx, "Ledger append lost the race",
				zap.String("eventId", record.EventID),
				zap.String("previousHash", record.PreviousHash))
		}
		return storageError("append ledger record", err)
	}
	return nil
}

// IterateLedgerRecords walks the chain in sequence order, one batch per query
func (s *pgStore) IterateLedgerRecords(ctx context.Context, filter LedgerFilter) iter.Seq2[*schema.LedgerRecord, error] {
	return iterateInBatches(ctx, filter, func(after int64, size int) ([]*schema.LedgerRecord, error) {
		query := s.db.WithContext(ctx).Where("sequence > ?", after)
		if filter.CollectionID != "" {
			query = query.Where("collection_id = ?", filter.CollectionID)
		}

		var batch []*schema.LedgerRecord
		if err := query.Order("sequence ASC").Limit(size).Find(&batch).Error; err != nil {
			return nil, storageError("iterate ledger records", err)
		}
		return batch, nil
	})
}

// CountLedgerRecords counts every record including the genesis record
func (s *pgStore) CountLedgerRecords(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&schema.LedgerRecord{}).Count(&count).Error; err != nil {
		return 0, storageError("count ledger records", err)
	}
	return count, nil
}

// CountLedgerRecordsByStage groups the record count by stage
func (s *pgStore) CountLedgerRecordsByStage(ctx context.Context) ([]StageCount, error) {
	var counts []StageCount
	err := s.db.WithContext(ctx).
		Model(&schema.LedgerRecord{}).
		Select("stage, COUNT(*) AS count").
		Group("stage").
		Order("stage ASC").
		Scan(&counts).Error
	if err != nil {
		return nil, storageError("count ledger records by stage", err)
	}
	return counts, nil
}

// CreditUserPoints records the transaction and increments the total in one transaction.
// The upsert takes the row lock on user_points so concurrent credits for a user serialize.
func (s *pgStore) CreditUserPoints(ctx context.Context, input CreditUserPointsInput) (*CreditUserPointsResult, error) {
	now := time.Now().UTC()
	transaction := prepareTransaction(input.Transaction, now)
	result := &CreditUserPointsResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection_id"}},
			DoNothing: true,
		}).Create(&transaction)
		if insert.Error != nil {
			return fmt.Errorf("failed to create points transaction: %w", insert.Error)
		}

		if insert.RowsAffected == 0 {
			result.Duplicate = true
			var original schema.PointsTransaction
			err := tx.Where("collection_id = ?", transaction.CollectionID).First(&original).Error
			if err != nil {
				return fmt.Errorf("failed to get points transaction: %w", err)
			}
			result.Transaction = &original

			var existing schema.UserPoints
			err = tx.Where("user_id = ?", transaction.UserID).First(&existing).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return fmt.Errorf("failed to get user points: %w", err)
			}
			result.UserPoints = &existing
			return nil
		}

		userPoints := schema.UserPoints{
			UserID:      transaction.UserID,
			TotalPoints: transaction.Points,
			Level:       input.LevelFor(transaction.Points),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"total_points": gorm.Expr("user_points.total_points + EXCLUDED.total_points"),
				"updated_at":   gorm.Expr("EXCLUDED.updated_at"),
			}),
		}, clause.Returning{}).Create(&userPoints).Error
		if err != nil {
			return fmt.Errorf("failed to upsert user points: %w", err)
		}

		level := input.LevelFor(userPoints.TotalPoints)
		if level != userPoints.Level {
			err := tx.Model(&schema.UserPoints{}).
				Where("user_id = ?", userPoints.UserID).
				Update("level", level).Error
			if err != nil {
				return fmt.Errorf("failed to update user level: %w", err)
			}
			userPoints.Level = level
		}

		result.UserPoints = &userPoints
		result.Transaction = &transaction
		return nil
	})
	if err != nil {
		return nil, storageError("credit user points", err)
	}

	return result, nil
}

// GetUserPoints retrieves the points of a user
func (s *pgStore) GetUserPoints(ctx context.Context, userID string) (*schema.UserPoints, error) {
	var userPoints schema.UserPoints
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&userPoints).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, storageError("get user points", err)
	}
	return &userPoints, nil
}

// ListPointsTransactions retrieves the user's transactions, newest first
func (s *pgStore) ListPointsTransactions(ctx context.Context, userID string, limit int) ([]schema.PointsTransaction, error) {
	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var txs []schema.PointsTransaction
	if err := query.Find(&txs).Error; err != nil {
		return nil, storageError("list points transactions", err)
	}
	return txs, nil
}

// ListAllPointsTransactions retrieves every transaction, oldest first
func (s *pgStore) ListAllPointsTransactions(ctx context.Context) ([]schema.PointsTransaction, error) {
	var txs []schema.PointsTransaction
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&txs).Error; err != nil {
		return nil, storageError("list all points transactions", err)
	}
	return txs, nil
}

// ListTopUserPoints retrieves the leaderboard
func (s *pgStore) ListTopUserPoints(ctx context.Context, limit int) ([]schema.UserPoints, error) {
	query := s.db.WithContext(ctx).Order("total_points DESC, user_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var users []schema.UserPoints
	if err := query.Find(&users).Error; err != nil {
		return nil, storageError("list top user points", err)
	}
	return users, nil
}

// CreateAuditRun stores a verification run
func (s *pgStore) CreateAuditRun(ctx context.Context, run *schema.AuditRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return storageError("create audit run", err)
	}
	return nil
}

// GetLatestAuditRun retrieves the most recent verification run
func (s *pgStore) GetLatestAuditRun(ctx context.Context) (*schema.AuditRun, error) {
	var run schema.AuditRun
	err := s.db.WithContext(ctx).Order("started_at DESC, id DESC").Limit(1).Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, storageError("get latest audit run", err)
	}
	return &run, nil
}

// Close closes the underlying connection pool
func (s *pgStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
