package jetstream_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	natsjs "github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/messaging"
	"github.com/feral-file/recycling-ledger/internal/mocks"
	"github.com/feral-file/recycling-ledger/internal/providers/jetstream"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

type testPublisherMocks struct {
	ctrl   *gomock.Controller
	natsJS *mocks.MockNatsJetStream
	conn   *mocks.MockNatsConn
	js     *mocks.MockJetStream
	clock  *mocks.MockClock
}

func setupTestPublisher(t *testing.T) (*testPublisherMocks, messaging.Publisher) {
	ctrl := gomock.NewController(t)
	m := &testPublisherMocks{
		ctrl:   ctrl,
		natsJS: mocks.NewMockNatsJetStream(ctrl),
		conn:   mocks.NewMockNatsConn(ctrl),
		js:     mocks.NewMockJetStream(ctrl),
		clock:  mocks.NewMockClock(ctrl),
	}

	m.natsJS.EXPECT().Connect("nats://localhost:4222", gomock.Any()).Return(m.conn, m.js, nil)
	m.js.EXPECT().EnsureStream(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cfg natsjs.StreamConfig) error {
			assert.Equal(t, "LEDGER", cfg.Name)
			assert.ElementsMatch(t, []string{"ledger.records.>", "ledger.audits"}, cfg.Subjects)
			return nil
		})

	p, err := jetstream.NewPublisher(context.Background(), jetstream.Config{
		URL:            "nats://localhost:4222",
		StreamName:     "LEDGER",
		MaxReconnects:  3,
		ReconnectWait:  time.Second,
		ConnectionName: "recycling-ledger-test",
	}, m.natsJS, adapter.NewJSON(), m.clock)
	require.NoError(t, err)
	return m, p
}

func TestPublishRecord(t *testing.T) {
	m, p := setupTestPublisher(t)
	defer m.ctrl.Finish()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	record := &schema.LedgerRecord{
		Sequence:     2,
		Hash:         "00ab",
		PreviousHash: "00cd",
		CollectionID: "COL-1",
		EventID:      "COL-1:processing",
		Stage:        domain.StageProcessing,
	}

	m.clock.EXPECT().Now().Return(now)
	m.js.EXPECT().Publish(gomock.Any(), "ledger.records.processing", gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, data []byte, _ ...natsjs.PublishOpt) (*natsjs.PubAck, error) {
			var event messaging.Event
			require.NoError(t, json.Unmarshal(data, &event))
			assert.Equal(t, messaging.EventRecordAppended, event.Type)
			require.NotNil(t, event.Record)
			assert.Equal(t, "00ab", event.Record.Hash)
			assert.True(t, now.Equal(event.OccurredAt))
			return &natsjs.PubAck{Stream: "LEDGER", Sequence: 1}, nil
		})

	require.NoError(t, p.PublishRecord(context.Background(), record))
}

func TestPublishAudit(t *testing.T) {
	m, p := setupTestPublisher(t)
	defer m.ctrl.Finish()

	m.clock.EXPECT().Now().Return(time.Now())
	m.js.EXPECT().Publish(gomock.Any(), "ledger.audits", gomock.Any(), gomock.Any()).
		Return(nil, errors.New("no responders"))

	err := p.PublishAudit(context.Background(), &schema.AuditRun{ID: "01HQ0000000000000000000001"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish event")
}

func TestPublisherClose(t *testing.T) {
	m, p := setupTestPublisher(t)
	defer m.ctrl.Finish()

	m.conn.EXPECT().Close()
	p.Close()
}

func TestNewPublisherStreamFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	natsJS := mocks.NewMockNatsJetStream(ctrl)
	conn := mocks.NewMockNatsConn(ctrl)
	js := mocks.NewMockJetStream(ctrl)

	natsJS.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(conn, js, nil)
	js.EXPECT().EnsureStream(gomock.Any(), gomock.Any()).Return(errors.New("insufficient resources"))
	conn.EXPECT().Close()

	_, err := jetstream.NewPublisher(context.Background(), jetstream.Config{StreamName: "LEDGER"},
		natsJS, adapter.NewJSON(), mocks.NewMockClock(ctrl))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to ensure stream LEDGER")
}

func TestNewPublisherConnectFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	natsJS := mocks.NewMockNatsJetStream(ctrl)
	natsJS.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(nil, nil, errors.New("connection refused"))

	_, err := jetstream.NewPublisher(context.Background(), jetstream.Config{}, natsJS, mocks.NewMockJSON(ctrl), mocks.NewMockClock(ctrl))
	require.Error(t, err)
}
