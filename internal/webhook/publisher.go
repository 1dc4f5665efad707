package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/messaging"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultMaxRetries    = 5
	defaultWorkers       = 4
	defaultRetryInterval = time.Second
)

type publisher struct {
	config Config
	http   adapter.HTTPClient
	json   adapter.JSON
	clock  adapter.Clock
	pool   pond.Pool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPublisher returns a publisher that posts signed ledger events to every configured URL.
// Deliveries run in the background; Close waits for the queued ones.
func NewPublisher(cfg Config, httpClient adapter.HTTPClient, jsonAdapter adapter.JSON, clock adapter.Clock) (messaging.Publisher, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("webhook: no urls configured")
	}
	if cfg.Secret == "" {
		return nil, errors.New("webhook: secret is required")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &publisher{
		config: cfg,
		http:   httpClient,
		json:   jsonAdapter,
		clock:  clock,
		pool:   pond.NewPool(cfg.Workers, pond.WithContext(ctx)),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// NewHTTPClient returns the client used for deliveries
func NewHTTPClient(cfg Config) adapter.HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return adapter.NewHTTPClient(timeout)
}

func (p *publisher) PublishRecord(ctx context.Context, record *schema.LedgerRecord) error {
	return p.enqueue(ctx, messaging.NewRecordEvent(record, p.clock.Now()))
}

func (p *publisher) PublishAudit(ctx context.Context, run *schema.AuditRun) error {
	return p.enqueue(ctx, messaging.NewAuditEvent(run, p.clock.Now()))
}

func (p *publisher) enqueue(ctx context.Context, event messaging.Event) error {
	payload, signature, timestamp, err := GenerateSignedPayload(p.json, p.config.Secret, event, p.clock.Now())
	if err != nil {
		return err
	}

	headers := map[string]string{
		"Content-Type":  "application/json",
		HeaderSignature: signature,
		HeaderEventID:   event.ID,
		HeaderEventType: string(event.Type),
		HeaderTimestamp: strconv.FormatInt(timestamp, 10),
		"User-Agent":    userAgent,
	}

	for _, url := range p.config.URLs {
		err := p.pool.Go(func() {
			if err := p.deliver(url, headers, payload); err != nil {
				logger.Error(fmt.Errorf("webhook delivery failed: %w", err),
					zap.String("url", url),
					zap.String("eventId", event.ID))
			}
		})
		if err != nil {
			logger.WarnCtx(ctx, "Webhook delivery dropped",
				zap.String("url", url),
				zap.String("eventId", event.ID),
				zap.Error(err))
		}
	}
	return nil
}

// deliver posts the payload to url, retrying transient failures with exponential backoff
func (p *publisher) deliver(url string, headers map[string]string, payload []byte) error {
	ctx := p.ctx

	operation := func() error {
		result, err := p.post(ctx, url, headers, payload)
		if err != nil {
			return err
		}
		if result.StatusCode < 200 || result.StatusCode >= 300 {
			err := fmt.Errorf("HTTP %d: %s", result.StatusCode, result.Body)
			if result.StatusCode >= 400 && result.StatusCode < 500 &&
				result.StatusCode != http.StatusRequestTimeout && result.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.RetryInterval
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 5 * time.Minute

	var attempt int
	notify := func(err error, next time.Duration) {
		attempt++
		logger.Warn("Webhook delivery failed, retrying",
			zap.String("url", url),
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("next_retry_in", next))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.config.MaxRetries), ctx)
	return backoff.RetryNotify(operation, policy, notify)
}

func (p *publisher) post(ctx context.Context, url string, headers map[string]string, payload []byte) (*DeliveryResult, error) {
	resp, err := p.http.PostWithHeaders(ctx, url, headers, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Warn("failed to close response body", zap.Error(err), zap.String("url", url))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		body = nil
	}

	return &DeliveryResult{URL: url, StatusCode: resp.StatusCode, Body: string(body)}, nil
}

// Close waits for queued deliveries and stops the workers
func (p *publisher) Close() {
	p.pool.StopAndWait()
	p.cancel()
}
