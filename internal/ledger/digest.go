package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/feral-file/recycling-ledger/internal/adapter"
	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

// Digest turns hash input bytes into a lowercase hex string
type Digest interface {
	Sum(data []byte) string
}

type sha256Digest struct{}

// SHA256 returns the default digest
func SHA256() Digest {
	return sha256Digest{}
}

func (sha256Digest) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hasher computes record hashes and checks the difficulty predicate.
//
// The hash input is previousHash, the RFC 8785 form of the payload, the decimal nonce
// and the decimal Unix millisecond timestamp, concatenated in that order.
type Hasher struct {
	digest     Digest
	jcs        adapter.JCS
	json       adapter.JSON
	difficulty int
	prefix     string
}

// NewHasher creates a hasher requiring difficulty leading zero hex characters
func NewHasher(digest Digest, jcs adapter.JCS, json adapter.JSON, difficulty int) *Hasher {
	difficulty = max(0, min(difficulty, sha256.Size*2))
	return &Hasher{
		digest:     digest,
		jcs:        jcs,
		json:       json,
		difficulty: difficulty,
		prefix:     strings.Repeat("0", difficulty),
	}
}

// Difficulty returns the number of leading zero hex characters required
func (h *Hasher) Difficulty() int {
	return h.difficulty
}

// MeetsDifficulty reports whether hash satisfies the difficulty predicate
func (h *Hasher) MeetsDifficulty(hash string) bool {
	return strings.HasPrefix(hash, h.prefix)
}

// Compute returns the hash of a record with the given fields
func (h *Hasher) Compute(previousHash string, payload domain.RecordPayload, nonce int64, timestamp time.Time) (string, error) {
	head, err := h.head(previousHash, payload)
	if err != nil {
		return "", err
	}
	return h.sum(head, nonce, timestamp.UnixMilli()), nil
}

// ComputeRecord recomputes the hash of a stored record from its fields
func (h *Hasher) ComputeRecord(record *schema.LedgerRecord) (string, error) {
	return h.Compute(record.PreviousHash, record.Payload(), record.Nonce, record.Timestamp)
}

// head is the nonce independent part of the hash input
func (h *Hasher) head(previousHash string, payload domain.RecordPayload) ([]byte, error) {
	raw, err := h.json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	canonical, err := h.jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	head := make([]byte, 0, len(previousHash)+len(canonical)+32)
	head = append(head, previousHash...)
	head = append(head, canonical...)
	return head, nil
}

func (h *Hasher) sum(head []byte, nonce, millis int64) string {
	input := make([]byte, len(head), len(head)+40)
	copy(input, head)
	input = strconv.AppendInt(input, nonce, 10)
	input = strconv.AppendInt(input, millis, 10)
	return h.digest.Sum(input)
}
