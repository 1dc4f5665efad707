package ledger

import (
	"time"

	"github.com/feral-file/recycling-ledger/internal/domain"
	"github.com/feral-file/recycling-ledger/internal/store"
	"github.com/feral-file/recycling-ledger/internal/store/schema"
)

// ValidationResult is the outcome of recomputing one record's hash
type ValidationResult struct {
	Valid bool `json:"valid"`
	// ExpectedHash is the recomputed hash; empty when the record does not exist
	ExpectedHash string `json:"expectedHash"`
}

// VerificationResult is the outcome of walking the whole chain
type VerificationResult struct {
	Valid bool `json:"valid"`
	// Errors holds one message per failed check, in chain order
	Errors []string `json:"errors"`
	// RecordCount is the number of records walked, genesis included
	RecordCount int64 `json:"recordCount"`
}

// TimelineEntry is one stage of a custody chain
type TimelineEntry struct {
	Stage             domain.Stage `json:"stage"`
	Timestamp         time.Time    `json:"timestamp"`
	Location          string       `json:"location"`
	ResponsiblePerson string       `json:"responsiblePerson"`
	Hash              string       `json:"hash"`
	Valid             bool         `json:"valid"`
}

// CustodyChain is the timestamp ordered history of one collection
type CustodyChain struct {
	CollectionID string                 `json:"collectionId"`
	Valid        bool                   `json:"valid"`
	Records      []*schema.LedgerRecord `json:"records"`
	Timeline     []TimelineEntry        `json:"timeline"`
	// MissingStages lists lifecycle stages without a record
	MissingStages []domain.Stage `json:"missingStages"`
}

// RecordView is a ledger record annotated with its validity
type RecordView struct {
	*schema.LedgerRecord
	Valid bool `json:"valid"`
}

// Stats summarizes the chain
type Stats struct {
	TotalRecords        int64              `json:"totalRecords"`
	RecordsByStage      []store.StageCount `json:"recordsByStage"`
	DistinctCollections int                `json:"distinctCollections"`
	LastRecordAt        *time.Time         `json:"lastRecordAt"`
	// AverageBlockInterval is the mean time between consecutive records, genesis excluded
	AverageBlockInterval time.Duration `json:"averageBlockIntervalNs"`
	Difficulty           int           `json:"difficulty"`
}

// Export is the audit export document
type Export struct {
	ExportedAt time.Time              `json:"exportedAt"`
	Difficulty int                    `json:"difficulty"`
	Length     int                    `json:"length"`
	Records    []*schema.LedgerRecord `json:"records"`
}
