package webhook_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/messaging"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
	"github.com/feral-file/recycling-ledger/internal/webhook"
)

func TestGenerateSignedPayload(t *testing.T) {
	at := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	event := messaging.NewRecordEvent(&schema.LedgerRecord{
		Hash:         "00ab",
		CollectionID: "COL-1",
		EventID:      "COL-1:collected",
		Stage:        domain.StageCollected,
	}, at)

	t.Run("signs timestamp, event id and body", func(t *testing.T) {
		payload, signature, timestamp, err := webhook.GenerateSignedPayload(adapter.NewJSON(), "test-secret", event, at)
		require.NoError(t, err)

		var parsed messaging.Event
		require.NoError(t, json.Unmarshal(payload, &parsed))
		assert.Equal(t, event.ID, parsed.ID)
		assert.Equal(t, messaging.EventRecordAppended, parsed.Type)

		assert.Equal(t, at.Unix(), timestamp)
		assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, signature)
		assert.True(t, webhook.Verify("test-secret", timestamp, event.ID, payload, signature))
	})

	t.Run("signature depends on every input", func(t *testing.T) {
		payload, signature, timestamp, err := webhook.GenerateSignedPayload(adapter.NewJSON(), "test-secret", event, at)
		require.NoError(t, err)

		assert.False(t, webhook.Verify("other-secret", timestamp, event.ID, payload, signature))
		assert.False(t, webhook.Verify("test-secret", timestamp+1, event.ID, payload, signature))
		assert.False(t, webhook.Verify("test-secret", timestamp, "01OTHER", payload, signature))
		assert.False(t, webhook.Verify("test-secret", timestamp, event.ID, append(payload, ' '), signature))
	})

	t.Run("same input signs the same", func(t *testing.T) {
		payload := []byte(`{"id":"x"}`)
		assert.Equal(t,
			webhook.Sign("s", 1700000000, "x", payload),
			webhook.Sign("s", 1700000000, "x", payload))
	})
}
