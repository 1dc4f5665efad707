package domain

const (
	// Ledger constants
	GENESIS_PREVIOUS_HASH = "0"
	GENESIS_ID            = "genesis"
	SYSTEM_ACTOR          = "system"

	// Points constants
	POINTS_TRANSACTION_EARNED = "earned"
)
