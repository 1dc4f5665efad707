package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

// EventType identifies a published ledger event
type EventType string

const (
	EventRecordAppended EventType = "ledger.record.appended"
	EventAuditCompleted EventType = "ledger.audit.completed"
)

// Event is the envelope every publisher emits
type Event struct {
	// ID is a ULID, used by brokers for deduplication
	ID         string               `json:"id"`
	Type       EventType            `json:"type"`
	OccurredAt time.Time            `json:"occurredAt"`
	Record     *schema.LedgerRecord `json:"record,omitempty"`
	Audit      *schema.AuditRun     `json:"audit,omitempty"`
}

// NewRecordEvent wraps an appended ledger record
func NewRecordEvent(record *schema.LedgerRecord, now time.Time) Event {
	return Event{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:       EventRecordAppended,
		OccurredAt: now.UTC(),
		Record:     record,
	}
}

// NewAuditEvent wraps a completed audit run
func NewAuditEvent(run *schema.AuditRun, now time.Time) Event {
	return Event{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:       EventAuditCompleted,
		OccurredAt: now.UTC(),
		Audit:      run,
	}
}

// Publisher defines the interface for publishing ledger events
//
//go:generate mockgen -source=publisher.go -destination=../mocks/publisher.go -package=mocks -mock_names=Publisher=MockPublisher
type Publisher interface {
	// PublishRecord publishes a freshly appended ledger record
	PublishRecord(ctx context.Context, record *schema.LedgerRecord) error
	// PublishAudit publishes the result of a chain audit
	PublishAudit(ctx context.Context, run *schema.AuditRun) error
	// Close releases the underlying connection
	Close()
}

// Noop discards every event
type Noop struct{}

func (Noop) PublishRecord(context.Context, *schema.LedgerRecord) error { return nil }
func (Noop) PublishAudit(context.Context, *schema.AuditRun) error      { return nil }
func (Noop) Close()                                                    {}

// Multi fans events out to several publishers, joining their errors
type Multi []Publisher

// NewMulti builds a fan-out publisher, dropping nil entries
func NewMulti(publishers ...Publisher) Publisher {
	var m Multi
	for _, p := range publishers {
		if p != nil {
			m = append(m, p)
		}
	}
	return m
}

func (m Multi) PublishRecord(ctx context.Context, record *schema.LedgerRecord) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.PublishRecord(ctx, record))
	}
	return errors.Join(errs...)
}

func (m Multi) PublishAudit(ctx context.Context, run *schema.AuditRun) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.PublishAudit(ctx, run))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() {
	for _, p := range m {
		p.Close()
	}
}
