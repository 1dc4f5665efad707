package dto

import (
	"encoding/base64"
	"fmt"
	"math"
	"strings"

	"github.com/feral-file/recycling-ledger/internal/api/shared/constants"
	"github.com/feral-file/recycling-ledger/internal/domain"
)

// RegisterCollectionRequest is the body of POST /api/v1/collections
type RegisterCollectionRequest struct {
	// CollectionID is generated when empty
	CollectionID string              `json:"collectionId"`
	UserID       string              `json:"userId"`
	MaterialType domain.MaterialType `json:"materialType"`
	Weight       float64             `json:"weight"`
	Location     string              `json:"location"`
	// ResponsiblePerson defaults to the user
	ResponsiblePerson string `json:"responsiblePerson"`
	// Photo is the base64 encoded photo; only its hash is stored
	Photo string `json:"photo,omitempty"`
	// PhotoHash is used when the client already hashed the photo
	PhotoHash string `json:"photoHash,omitempty"`
}

// Validate validates the request
func (r *RegisterCollectionRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: missing userId", domain.ErrInvalidPayload)
	}
	if strings.TrimSpace(string(r.MaterialType)) == "" {
		return fmt.Errorf("%w: missing materialType", domain.ErrInvalidPayload)
	}
	if err := validateWeight(r.Weight); err != nil {
		return err
	}
	if strings.TrimSpace(r.Location) == "" {
		return fmt.Errorf("%w: missing location", domain.ErrInvalidPayload)
	}
	return validatePhoto(r.Photo, r.PhotoHash)
}

// AdvanceStageRequest is the body of POST /api/v1/collections/:id/stages
type AdvanceStageRequest struct {
	Stage domain.Stage `json:"stage"`
	// Location and ResponsiblePerson default to the ones of the current stage
	Location          string `json:"location"`
	ResponsiblePerson string `json:"responsiblePerson"`
	Photo             string `json:"photo,omitempty"`
	PhotoHash         string `json:"photoHash,omitempty"`
}

// Validate validates the request
func (r *AdvanceStageRequest) Validate() error {
	if !r.Stage.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStage, r.Stage)
	}
	return validatePhoto(r.Photo, r.PhotoHash)
}

// AppendRecordRequest is the body of POST /api/v1/ledger/records.
// EventID defaults to <collectionId>:<stage>.
type AppendRecordRequest struct {
	CollectionID      string       `json:"collectionId"`
	EventID           string       `json:"eventId"`
	Stage             domain.Stage `json:"stage"`
	Weight            float64      `json:"weight"`
	Location          string       `json:"location"`
	ResponsiblePerson string       `json:"responsiblePerson"`
	PhotoHash         string       `json:"photoHash,omitempty"`
}

// Payload converts the request into a ledger payload
func (r *AppendRecordRequest) Payload() domain.RecordPayload {
	payload := domain.RecordPayload{
		CollectionID:      strings.TrimSpace(r.CollectionID),
		EventID:           strings.TrimSpace(r.EventID),
		Stage:             r.Stage,
		Weight:            r.Weight,
		Location:          r.Location,
		ResponsiblePerson: r.ResponsiblePerson,
	}
	if payload.EventID == "" && payload.CollectionID != "" && payload.Stage != "" {
		payload.EventID = domain.StageEventID(payload.CollectionID, payload.Stage)
	}
	if r.PhotoHash != "" {
		photoHash := r.PhotoHash
		payload.PhotoHash = &photoHash
	}
	return payload
}

// Validate validates the request
func (r *AppendRecordRequest) Validate() error {
	if err := r.Payload().Validate(); err != nil {
		return err
	}
	if !r.Stage.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidStage, r.Stage)
	}
	return nil
}

// CalculatePointsRequest is the body of POST /api/v1/points/calculate
type CalculatePointsRequest struct {
	MaterialType domain.MaterialType `json:"materialType"`
	Weight       float64             `json:"weight"`
}

// Validate validates the request
func (r *CalculatePointsRequest) Validate() error {
	if strings.TrimSpace(string(r.MaterialType)) == "" {
		return fmt.Errorf("%w: missing materialType", domain.ErrInvalidPayload)
	}
	return validateWeight(r.Weight)
}

func validateWeight(weight float64) error {
	if weight <= 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidWeight, weight)
	}
	return nil
}

func validatePhoto(photo, photoHash string) error {
	if photo != "" && photoHash != "" {
		return fmt.Errorf("%w: photo and photoHash are mutually exclusive", domain.ErrInvalidPayload)
	}
	if photo == "" {
		return nil
	}
	if base64.StdEncoding.DecodedLen(len(photo)) > constants.MAX_PHOTO_SIZE {
		return fmt.Errorf("%w: photo exceeds %d bytes", domain.ErrInvalidPayload, constants.MAX_PHOTO_SIZE)
	}
	return nil
}

// DecodePhoto returns the raw bytes of a base64 photo
func DecodePhoto(photo string) ([]byte, error) {
	// Accept data URLs as sent by browsers
	if i := strings.Index(photo, ";base64,"); i >= 0 {
		photo = photo[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(photo)
	if err != nil {
		return nil, fmt.Errorf("%w: photo is not valid base64", domain.ErrInvalidPayload)
	}
	return data, nil
}
