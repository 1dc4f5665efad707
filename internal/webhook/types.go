package webhook

import "time"

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventID   = "X-Webhook-Event-ID"
	HeaderEventType = "X-Webhook-Event-Type"
	HeaderTimestamp = "X-Webhook-Timestamp"

	userAgent = "Recycling-Ledger-Webhook/1.0"

	// maxResponseBodySize caps how much of a receiver response is read
	maxResponseBodySize = 4 * 1024
)

// Config holds the webhook delivery configuration
type Config struct {
	// URLs receive every ledger event
	URLs []string
	// Secret signs the payloads; receivers share it
	Secret string
	// Timeout bounds a single delivery attempt
	Timeout time.Duration
	// MaxRetries bounds the retries of a failed delivery
	MaxRetries uint64
	// RetryInterval is the first backoff interval between retries
	RetryInterval time.Duration
	// Workers is the number of concurrent deliveries
	Workers int
}

// DeliveryResult is the outcome of one delivery attempt
type DeliveryResult struct {
	URL        string
	StatusCode int
	Body       string
}
