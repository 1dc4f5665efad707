package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/messaging"
)

// GenerateSignedPayload serializes the event and signs it with HMAC-SHA256.
// The signed content is "{timestamp}.{event id}.{json body}" so receivers can
// reject replays and deduplicate on the event id.
func GenerateSignedPayload(jsonAdapter adapter.JSON, secret string, event messaging.Event, at time.Time) (payload []byte, signature string, timestamp int64, err error) {
	payload, err = jsonAdapter.Marshal(event)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	timestamp = at.Unix()
	return payload, Sign(secret, timestamp, event.ID, payload), timestamp, nil
}

// Sign returns the "sha256=<hex>" signature of a payload
func Sign(secret string, timestamp int64, eventID string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.%s.", timestamp, eventID)
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header in constant time
func Verify(secret string, timestamp int64, eventID string, payload []byte, signature string) bool {
	expected := Sign(secret, timestamp, eventID, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
