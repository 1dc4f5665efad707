package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/feral-file/recycling-ledger/internal/domain"
)

// cancelCheckInterval is how many nonces are tried between context checks
const cancelCheckInterval = 4096

// mineResult is a nonce satisfying the difficulty predicate and its hash
type mineResult struct {
	nonce      int64
	hash       string
	iterations int64
}

// mine searches nonces from 0 upward until the hash meets the difficulty.
// Nothing is written while mining, so abandoning it through ctx leaves no state behind.
func (h *Hasher) mine(ctx context.Context, previousHash string, payload domain.RecordPayload, timestamp time.Time, maxIterations int64) (mineResult, error) {
	head, err := h.head(previousHash, payload)
	if err != nil {
		return mineResult{}, err
	}

	millis := timestamp.UnixMilli()
	buf := make([]byte, len(head), len(head)+40)
	copy(buf, head)

	for nonce := int64(0); nonce < maxIterations; nonce++ {
		if nonce%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return mineResult{}, err
			}
		}

		input := strconv.AppendInt(buf[:len(head)], nonce, 10)
		input = strconv.AppendInt(input, millis, 10)
		hash := h.digest.Sum(input)
		if h.MeetsDifficulty(hash) {
			return mineResult{nonce: nonce, hash: hash, iterations: nonce + 1}, nil
		}
	}

	return mineResult{}, fmt.Errorf("%w: no nonce below %d meets difficulty %d", domain.ErrMiningTimeout, maxIterations, h.difficulty)
}
