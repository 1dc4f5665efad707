package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/messaging"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
	"github.com/feral-file/recycling-ledger/internal/webhook"
)

type delivery struct {
	header http.Header
	body   []byte
}

type receiver struct {
	mu         sync.Mutex
	deliveries []delivery
	calls      atomic.Int32
	// failures is the number of leading requests answered with status
	failures int32
	status   int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	n := r.calls.Add(1)
	body, _ := io.ReadAll(req.Body)
	if n <= r.failures {
		w.WriteHeader(r.status)
		return
	}
	r.mu.Lock()
	r.deliveries = append(r.deliveries, delivery{header: req.Header.Clone(), body: body})
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *receiver) received() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.deliveries...)
}

func newTestPublisher(t *testing.T, urls ...string) messaging.Publisher {
	t.Helper()
	cfg := webhook.Config{
		URLs:          urls,
		Secret:        "test-secret",
		Timeout:       2 * time.Second,
		MaxRetries:    3,
		RetryInterval: 10 * time.Millisecond,
		Workers:       2,
	}
	p, err := webhook.NewPublisher(cfg, webhook.NewHTTPClient(cfg), adapter.NewJSON(), adapter.NewClock())
	require.NoError(t, err)
	return p
}

func TestPublisherDeliversSignedRecord(t *testing.T) {
	first := &receiver{}
	second := &receiver{}
	srv1 := httptest.NewServer(first)
	defer srv1.Close()
	srv2 := httptest.NewServer(second)
	defer srv2.Close()

	p := newTestPublisher(t, srv1.URL, srv2.URL)
	record := &schema.LedgerRecord{
		Sequence:     1,
		Hash:         "00ab",
		PreviousHash: "00cd",
		CollectionID: "COL-1",
		EventID:      "COL-1:collected",
		Stage:        domain.StageCollected,
	}
	require.NoError(t, p.PublishRecord(context.Background(), record))
	p.Close()

	for _, r := range []*receiver{first, second} {
		got := r.received()
		require.Len(t, got, 1)

		d := got[0]
		assert.Equal(t, "application/json", d.header.Get("Content-Type"))
		assert.Equal(t, string(messaging.EventRecordAppended), d.header.Get(webhook.HeaderEventType))

		timestamp, err := strconv.ParseInt(d.header.Get(webhook.HeaderTimestamp), 10, 64)
		require.NoError(t, err)
		eventID := d.header.Get(webhook.HeaderEventID)
		assert.True(t, webhook.Verify("test-secret", timestamp, eventID, d.body, d.header.Get(webhook.HeaderSignature)))

		var event messaging.Event
		require.NoError(t, json.Unmarshal(d.body, &event))
		assert.Equal(t, eventID, event.ID)
		require.NotNil(t, event.Record)
		assert.Equal(t, "00ab", event.Record.Hash)
	}
}

func TestPublisherRetriesServerErrors(t *testing.T) {
	r := &receiver{failures: 2, status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(r)
	defer srv.Close()

	p := newTestPublisher(t, srv.URL)
	require.NoError(t, p.PublishAudit(context.Background(), &schema.AuditRun{ID: "01HQ0000000000000000000001", Valid: true, Errors: datatypes.JSON(`[]`)}))
	p.Close()

	assert.Equal(t, int32(3), r.calls.Load())
	got := r.received()
	require.Len(t, got, 1)
	assert.Equal(t, string(messaging.EventAuditCompleted), got[0].header.Get(webhook.HeaderEventType))
}

func TestPublisherDoesNotRetryClientErrors(t *testing.T) {
	r := &receiver{failures: 10, status: http.StatusBadRequest}
	srv := httptest.NewServer(r)
	defer srv.Close()

	p := newTestPublisher(t, srv.URL)
	require.NoError(t, p.PublishAudit(context.Background(), &schema.AuditRun{ID: "01HQ0000000000000000000002", Errors: datatypes.JSON(`[]`)}))
	p.Close()

	assert.Equal(t, int32(1), r.calls.Load())
	assert.Empty(t, r.received())
}

func TestNewPublisherValidation(t *testing.T) {
	_, err := webhook.NewPublisher(webhook.Config{Secret: "s"}, nil, adapter.NewJSON(), adapter.NewClock())
	assert.Error(t, err)

	_, err = webhook.NewPublisher(webhook.Config{URLs: []string{"http://localhost"}}, nil, adapter.NewJSON(), adapter.NewClock())
	assert.Error(t, err)
}
