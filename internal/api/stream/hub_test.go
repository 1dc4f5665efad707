package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/api/stream"
	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/messaging"
	"github.com/feral-file/recycling-ledger/internal/mocks"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

func setupTestHub(t *testing.T, jsonAdapter adapter.JSON) (*stream.Hub, *httptest.Server) {
	gin.SetMode(gin.TestMode)
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	clock := mocks.NewMockClock(ctrl)
	clock.EXPECT().Now().Return(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)).AnyTimes()

	hub := stream.NewHub(jsonAdapter, clock)
	router := gin.New()
	router.GET("/stream", hub.Handler())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	t.Cleanup(hub.Close)
	return hub, server
}

func dial(t *testing.T, hub *stream.Hub, server *httptest.Server, expectedClients int) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.Clients() == expectedClients }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) messaging.Event {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event messaging.Event
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestHub_BroadcastsRecords(t *testing.T) {
	hub, server := setupTestHub(t, adapter.NewJSON())
	first := dial(t, hub, server, 1)
	second := dial(t, hub, server, 2)

	record := &schema.LedgerRecord{Hash: "00ab", CollectionID: "COL-1", Stage: domain.StageCollected}
	require.NoError(t, hub.PublishRecord(context.Background(), record))

	for _, conn := range []*websocket.Conn{first, second} {
		event := readEvent(t, conn)
		assert.Equal(t, messaging.EventRecordAppended, event.Type)
		require.NotNil(t, event.Record)
		assert.Equal(t, "00ab", event.Record.Hash)
		assert.NotEmpty(t, event.ID)
	}
}

func TestHub_BroadcastsAudits(t *testing.T) {
	hub, server := setupTestHub(t, adapter.NewJSON())
	conn := dial(t, hub, server, 1)

	require.NoError(t, hub.PublishAudit(context.Background(), &schema.AuditRun{ID: "run-1", Valid: true}))

	event := readEvent(t, conn)
	assert.Equal(t, messaging.EventAuditCompleted, event.Type)
	require.NotNil(t, event.Audit)
	assert.Equal(t, "run-1", event.Audit.ID)
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub, server := setupTestHub(t, adapter.NewJSON())
	conn := dial(t, hub, server, 1)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	hub, server := setupTestHub(t, adapter.NewJSON())
	conn := dial(t, hub, server, 1)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)

	// Publishing after close is a no-op
	assert.NoError(t, hub.PublishRecord(context.Background(), &schema.LedgerRecord{Hash: "00ab"}))
}

func TestHub_MarshalFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockJSON := mocks.NewMockJSON(ctrl)
	mockJSON.EXPECT().Marshal(gomock.Any()).Return(nil, errors.New("boom"))

	hub, _ := setupTestHub(t, mockJSON)
	err := hub.PublishRecord(context.Background(), &schema.LedgerRecord{Hash: "00ab"})
	assert.EqualError(t, err, "boom")
}
