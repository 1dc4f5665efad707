package auditor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/ledger"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/messaging"
	"github.com/feral-file/recycling-ledger/internal/store"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

const (
	DefaultInterval       = 10 * time.Minute
	DefaultTimeout        = 5 * time.Minute
	DefaultWorkerPoolSize = 4
)

// Config holds configuration for the auditor
type Config struct {
	Interval       time.Duration // Time to sleep between audit runs
	Timeout        time.Duration // Upper bound of one run
	WorkerPoolSize int           // Concurrent custody checks
}

// Auditor periodically verifies the ledger and records the findings
type Auditor interface {
	// Start runs audits until the context is canceled or Stop is called
	Start(ctx context.Context) error
	// Stop signals the loop to exit and waits for the current run to finish
	Stop(ctx context.Context) error
	// RunOnce performs a single audit and persists it
	RunOnce(ctx context.Context) (*schema.AuditRun, error)
	// Name returns the auditor's name for logging
	Name() string
}

type auditor struct {
	config    Config
	store     store.Store
	ledger    ledger.Ledger
	publisher messaging.Publisher
	clock     adapter.Clock
	json      adapter.JSON
	running   atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	stoppedCh chan struct{}
}

// New creates an auditor
func New(config Config, st store.Store, l ledger.Ledger, publisher messaging.Publisher, clock adapter.Clock, json adapter.JSON) Auditor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if publisher == nil {
		publisher = messaging.Noop{}
	}
	return &auditor{
		config:    config,
		store:     st,
		ledger:    l,
		publisher: publisher,
		clock:     clock,
		json:      json,
		stopChan:  make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (a *auditor) Name() string {
	return "ledger-auditor"
}

func (a *auditor) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("auditor already running")
	}
	defer func() {
		a.running.Store(false)
		close(a.stoppedCh)
	}()

	logger.InfoCtx(ctx, "Starting ledger auditor",
		zap.Duration("interval", a.config.Interval),
		zap.Duration("timeout", a.config.Timeout),
		zap.Int("worker_pool_size", a.config.WorkerPoolSize),
	)

	for {
		if _, err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorCtx(ctx, err)
		}

		select {
		case <-a.clock.After(a.config.Interval):
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Ledger auditor stopping due to context cancellation", zap.Error(ctx.Err()))
			return nil
		case <-a.stopChan:
			logger.InfoCtx(ctx, "Ledger auditor stop requested")
			return nil
		}
	}
}

func (a *auditor) Stop(ctx context.Context) error {
	if !a.running.Load() {
		return nil
	}

	logger.InfoCtx(ctx, "Stopping ledger auditor")
	a.stopOnce.Do(func() { close(a.stopChan) })

	select {
	case <-a.stoppedCh:
		logger.InfoCtx(ctx, "Ledger auditor stopped gracefully")
		return nil
	case <-ctx.Done():
		logger.WarnCtx(ctx, "Ledger auditor stop interrupted by context timeout")
		return ctx.Err()
	}
}

func (a *auditor) RunOnce(ctx context.Context) (*schema.AuditRun, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	startedAt := a.clock.Now().UTC()
	logger.InfoCtx(ctx, "Starting audit run")

	verification, err := a.ledger.VerifyChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify chain: %w", err)
	}

	findings := verification.Errors
	incomplete, custodyFindings, err := a.checkCustody(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, custodyFindings...)

	encoded, err := a.json.Marshal(findings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit findings: %w", err)
	}

	run := &schema.AuditRun{
		ID:                    ulid.MustNew(ulid.Timestamp(startedAt), ulid.DefaultEntropy()).String(),
		StartedAt:             startedAt,
		FinishedAt:            a.clock.Now().UTC(),
		Valid:                 len(findings) == 0,
		RecordCount:           verification.RecordCount,
		IncompleteCollections: incomplete,
		Errors:                datatypes.JSON(encoded),
	}

	if err := a.persistWithRetry(ctx, run); err != nil {
		return nil, err
	}

	if err := a.publisher.PublishAudit(ctx, run); err != nil {
		logger.WarnCtx(ctx, "Failed to publish audit run", zap.String("id", run.ID), zap.Error(err))
	}

	if !run.Valid {
		logger.WarnCtx(ctx, "Audit run found integrity violations",
			zap.String("id", run.ID),
			zap.Int64("records", run.RecordCount),
			zap.Strings("findings", findings),
		)
	}
	logger.InfoCtx(ctx, "Audit run completed",
		zap.String("id", run.ID),
		zap.Bool("valid", run.Valid),
		zap.Int64("records", run.RecordCount),
		zap.Int("incomplete_collections", incomplete),
		zap.Duration("duration", run.FinishedAt.Sub(run.StartedAt)),
	)

	return run, nil
}

// checkCustody builds the custody chain of every collection on a worker pool.
// It returns the number of incomplete collections and one finding per tampered collection.
func (a *auditor) checkCustody(ctx context.Context) (int, []string, error) {
	collections, err := a.collectionIDs(ctx)
	if err != nil {
		return 0, nil, err
	}
	if len(collections) == 0 {
		return 0, nil, nil
	}

	pool := pond.NewPool(a.config.WorkerPoolSize, pond.WithContext(ctx))
	defer pool.StopAndWait()

	var (
		mu         sync.Mutex
		incomplete int
		findings   []string
	)
	group := pool.NewGroup()
	for _, collectionID := range collections {
		group.SubmitErr(func() error {
			chain, err := a.ledger.CustodyChain(ctx, collectionID)
			if err != nil {
				return fmt.Errorf("failed to build custody chain of %s: %w", collectionID, err)
			}
			if chain.Valid {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			incomplete++
			for _, entry := range chain.Timeline {
				if !entry.Valid {
					findings = append(findings, fmt.Sprintf("collection %s: %s record %s does not match its recomputed hash",
						collectionID, entry.Stage, entry.Hash))
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, nil, err
	}

	sort.Strings(findings)
	return incomplete, findings, nil
}

func (a *auditor) collectionIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	for record, err := range a.store.IterateLedgerRecords(ctx, store.LedgerFilter{}) {
		if err != nil {
			return nil, err
		}
		if record.IsGenesis() {
			continue
		}
		if _, ok := seen[record.CollectionID]; !ok {
			seen[record.CollectionID] = struct{}{}
			ids = append(ids, record.CollectionID)
		}
	}
	return ids, nil
}

// persistWithRetry stores the run, retrying transient storage failures
func (a *auditor) persistWithRetry(ctx context.Context, run *schema.AuditRun) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = a.config.Timeout

	operation := func() error {
		err := a.store.CreateAuditRun(ctx, run)
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var attemptCount int
	notifyOnError := func(err error, duration time.Duration) {
		attemptCount++
		logger.WarnCtx(ctx, "Persisting audit run failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attemptCount),
			zap.Duration("next_retry_in", duration),
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notifyOnError); err != nil {
		return fmt.Errorf("failed to persist audit run: %w", err)
	}
	return nil
}
