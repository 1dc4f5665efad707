package domain

import "errors"

var (
	// ErrInvalidPayload is returned when a ledger payload is missing a required field
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnknownMaterialType is returned when a material has no entry in the points table
	ErrUnknownMaterialType = errors.New("unknown material type")

	// ErrInvalidWeight is returned when a weight is zero, negative or not a number
	ErrInvalidWeight = errors.New("invalid weight")

	// ErrStorageUnavailable is returned when the record store cannot serve a request
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConcurrentModification is returned when an append raced with another append on the same tail
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrMiningTimeout is returned when the nonce search exceeds the configured iteration budget
	ErrMiningTimeout = errors.New("mining timeout")

	// ErrRecordNotFound is returned when a ledger record does not exist
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidStage is returned for a stage outside the collection lifecycle
	ErrInvalidStage = errors.New("invalid stage")

	// ErrInvalidStageTransition is returned when a stage does not follow the current one
	ErrInvalidStageTransition = errors.New("invalid stage transition")

	// ErrCollectionNotFound is returned when a collection has no ledger records
	ErrCollectionNotFound = errors.New("collection not found")
)

// IsRetryable reports whether err is a transient failure that is safe to retry
// with the same idempotency key
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrConcurrentModification)
}
