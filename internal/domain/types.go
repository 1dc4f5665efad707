package domain

import (
	"fmt"
	"math"
	"strings"
)

// Stage represents a step in the lifecycle of a collection
type Stage string

const (
	StageGenesis           Stage = "genesis"
	StageCollected         Stage = "collected"
	StageProcessing        Stage = "processing"
	StageShippedToIndustry Stage = "shipped_to_industry"
	StageCompleted         Stage = "completed"
)

// LifecycleStages is the ordered stage progression of a collection
var LifecycleStages = []Stage{
	StageCollected,
	StageProcessing,
	StageShippedToIndustry,
	StageCompleted,
}

// Valid reports whether the stage is part of the collection lifecycle
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Index returns the position of the stage in the lifecycle, or -1
func (s Stage) Index() int {
	for i, stage := range LifecycleStages {
		if stage == s {
			return i
		}
	}
	return -1
}

// Next returns the stage following s and whether one exists
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(LifecycleStages) {
		return "", false
	}
	return LifecycleStages[i+1], true
}

// MaterialType represents a recyclable material
type MaterialType string

const (
	MaterialPaper   MaterialType = "papel"
	MaterialPlastic MaterialType = "plastico"
	MaterialGlass   MaterialType = "vidro"
	MaterialMetal   MaterialType = "metal"
	MaterialOrganic MaterialType = "organico"
)

// RecordPayload is the hashed content of a ledger record.
// Field order and json names are part of the persisted hash input.
type RecordPayload struct {
	CollectionID      string  `json:"collectionId"`
	EventID           string  `json:"eventId"`
	Stage             Stage   `json:"stage"`
	Weight            float64 `json:"weight"`
	Location          string  `json:"location"`
	ResponsiblePerson string  `json:"responsiblePerson"`
	PhotoHash         *string `json:"photoHash,omitempty"`
}

// Validate checks that every required field is present
func (p RecordPayload) Validate() error {
	var missing []string
	if strings.TrimSpace(p.CollectionID) == "" {
		missing = append(missing, "collectionId")
	}
	if strings.TrimSpace(p.EventID) == "" {
		missing = append(missing, "eventId")
	}
	if strings.TrimSpace(string(p.Stage)) == "" {
		missing = append(missing, "stage")
	}
	if p.Weight <= 0 || math.IsNaN(p.Weight) || math.IsInf(p.Weight, 0) {
		missing = append(missing, "weight")
	}
	if strings.TrimSpace(p.Location) == "" {
		missing = append(missing, "location")
	}
	if strings.TrimSpace(p.ResponsiblePerson) == "" {
		missing = append(missing, "responsiblePerson")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return nil
}

// StageEventID returns the idempotency key of a stage transition for a collection
func StageEventID(collectionID string, stage Stage) string {
	return fmt.Sprintf("%s:%s", collectionID, stage)
}
