package jetstream

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/messaging"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

const (
	// SubjectRecords is the subject prefix of appended records; the stage is appended
	SubjectRecords = "ledger.records"
	// SubjectAudits is the subject of audit results
	SubjectAudits = "ledger.audits"
)

// Config holds the configuration for NATS JetStream connection
type Config struct {
	URL            string
	StreamName     string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
}

type publisher struct {
	nc    adapter.NatsConn
	js    adapter.JetStream
	json  adapter.JSON
	clock adapter.Clock
}

// NewPublisher connects to NATS, ensures the ledger stream exists and returns a publisher
func NewPublisher(ctx context.Context, cfg Config, natsJS adapter.NatsJetStream, jsonAdapter adapter.JSON, clock adapter.Clock) (messaging.Publisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "Disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, js, err := natsJS.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS and create JetStream: %w", err)
	}

	err = js.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{SubjectRecords + ".>", SubjectAudits},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.StreamName, err)
	}

	return &publisher{
		nc:    nc,
		js:    js,
		json:  jsonAdapter,
		clock: clock,
	}, nil
}

// PublishRecord publishes an appended record on ledger.records.<stage>
func (p *publisher) PublishRecord(ctx context.Context, record *schema.LedgerRecord) error {
	event := messaging.NewRecordEvent(record, p.clock.Now())
	return p.publish(ctx, fmt.Sprintf("%s.%s", SubjectRecords, record.Stage), event)
}

// PublishAudit publishes an audit run on ledger.audits
func (p *publisher) PublishAudit(ctx context.Context, run *schema.AuditRun) error {
	event := messaging.NewAuditEvent(run, p.clock.Now())
	return p.publish(ctx, SubjectAudits, event)
}

func (p *publisher) publish(ctx context.Context, subject string, event messaging.Event) error {
	logger.DebugCtx(ctx, "Publishing Nats event", zap.String("subject", subject), zap.String("id", event.ID))

	data, err := p.json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Close closes the NATS connection
func (p *publisher) Close() {
	if p.nc == nil {
		return
	}

	p.nc.Close()
}
