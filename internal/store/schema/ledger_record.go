package schema

import (
	"time"

	"github.com/feral-file/recycling-ledger/internal/domain"
)

// LedgerRecord represents the ledger_records table - the append-only hash chain of collection events
type LedgerRecord struct {
	// Sequence is the append position; it orders the chain
	Sequence int64 `gorm:"column:sequence;primaryKey;autoIncrement" json:"sequence"`
	// Hash identifies the record and is computed from the other columns
	Hash string `gorm:"column:hash;not null;type:varchar(64);uniqueIndex" json:"hash"`
	// PreviousHash links to the prior record; unique so the chain can never fork
	PreviousHash string `gorm:"column:previous_hash;not null;type:varchar(64);uniqueIndex" json:"previousHash"`
	// CollectionID is the collection this event belongs to
	CollectionID string `gorm:"column:collection_id;not null;type:text;index" json:"collectionId"`
	// EventID is the idempotency key of the event
	EventID string `gorm:"column:event_id;not null;type:text;uniqueIndex" json:"eventId"`
	// Stage is the lifecycle stage the event records
	Stage domain.Stage `gorm:"column:stage;not null;type:text;index" json:"stage"`
	// Weight is the weight of the collection in kilograms
	Weight float64 `gorm:"column:weight;not null" json:"weight"`
	// Location is where the event happened
	Location string `gorm:"column:location;not null;type:text" json:"location"`
	// ResponsiblePerson is who handled the collection at this stage
	ResponsiblePerson string `gorm:"column:responsible_person;not null;type:text" json:"responsiblePerson"`
	// PhotoHash is the optional digest of a photo taken at this stage
	PhotoHash *string `gorm:"column:photo_hash;type:text" json:"photoHash,omitempty"`
	// Timestamp is the append instant, millisecond precision, part of the hash input
	Timestamp time.Time `gorm:"column:timestamp;not null;type:timestamptz" json:"timestamp"`
	// Nonce is the value found by mining
	Nonce int64 `gorm:"column:nonce;not null" json:"nonce"`
	// CreatedAt is the timestamp when the row was written
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz" json:"-"`
}

// TableName specifies the table name for the LedgerRecord model
func (LedgerRecord) TableName() string {
	return "ledger_records"
}

// Payload returns the hashed content of the record
func (r *LedgerRecord) Payload() domain.RecordPayload {
	return domain.RecordPayload{
		CollectionID:      r.CollectionID,
		EventID:           r.EventID,
		Stage:             r.Stage,
		Weight:            r.Weight,
		Location:          r.Location,
		ResponsiblePerson: r.ResponsiblePerson,
		PhotoHash:         r.PhotoHash,
	}
}

// IsGenesis reports whether the record is the chain root
func (r *LedgerRecord) IsGenesis() bool {
	return r.Stage == domain.StageGenesis && r.CollectionID == domain.GENESIS_ID
}

// Clone returns a deep copy of the record
func (r *LedgerRecord) Clone() *LedgerRecord {
	c := *r
	if r.PhotoHash != nil {
		photoHash := *r.PhotoHash
		c.PhotoHash = &photoHash
	}
	return &c
}
