package schema

import (
	"time"

	"github.com/feral-file/recycling-ledger/internal/domain"
)

// PointsTransaction represents the points_transactions table - audit log of point awards
type PointsTransaction struct {
	// ID is a UUID assigned at creation
	ID string `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	// UserID is the user credited
	UserID string `gorm:"column:user_id;not null;type:text;index" json:"userId"`
	// CollectionID is the collection that earned the points; one award per collection
	CollectionID string `gorm:"column:collection_id;not null;type:text;uniqueIndex" json:"collectionId"`
	// MaterialType is the material of the collection
	MaterialType domain.MaterialType `gorm:"column:material_type;not null;type:text" json:"materialType"`
	// Weight is the weight in kilograms the points were computed from
	Weight float64 `gorm:"column:weight;not null" json:"weight"`
	// Points is the amount awarded
	Points int64 `gorm:"column:points;not null" json:"points"`
	// Type is always "earned"
	Type string `gorm:"column:type;not null;type:text;default:earned" json:"type"`
	// Description is a human readable summary
	Description string `gorm:"column:description;type:text" json:"description"`
	// CreatedAt is the timestamp when the award was recorded
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz" json:"createdAt"`
}

// TableName specifies the table name for the PointsTransaction model
func (PointsTransaction) TableName() string {
	return "points_transactions"
}
