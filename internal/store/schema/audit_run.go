package schema

import (
	"time"

	"gorm.io/datatypes"
)

// AuditRun represents the audit_runs table - results of periodic chain verification
type AuditRun struct {
	// ID is a ULID so runs sort by start time
	ID string `gorm:"column:id;primaryKey;type:varchar(26)" json:"id"`
	// StartedAt is when verification began
	StartedAt time.Time `gorm:"column:started_at;not null;type:timestamptz" json:"startedAt"`
	// FinishedAt is when verification ended
	FinishedAt time.Time `gorm:"column:finished_at;not null;type:timestamptz" json:"finishedAt"`
	// Valid is true when the chain had no integrity findings
	Valid bool `gorm:"column:valid;not null" json:"valid"`
	// RecordCount is the number of records walked
	RecordCount int64 `gorm:"column:record_count;not null" json:"recordCount"`
	// IncompleteCollections counts collections whose custody chain is missing a stage or invalid
	IncompleteCollections int `gorm:"column:incomplete_collections;not null;default:0" json:"incompleteCollections"`
	// Errors holds the integrity findings as a JSON array of strings
	Errors datatypes.JSON `gorm:"column:errors;type:jsonb" json:"errors"`
}

// TableName specifies the table name for the AuditRun model
func (AuditRun) TableName() string {
	return "audit_runs"
}
