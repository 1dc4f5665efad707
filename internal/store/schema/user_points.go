package schema

import "time"

// UserPoints represents the user_points table - accumulated reward state per user
type UserPoints struct {
	// UserID is the owner of the points
	UserID string `gorm:"column:user_id;primaryKey;type:text" json:"userId"`
	// TotalPoints only ever increases through earned transactions
	TotalPoints int64 `gorm:"column:total_points;not null;default:0" json:"totalPoints"`
	// Level is derived from TotalPoints and persisted for display
	Level string `gorm:"column:level;not null;type:text" json:"level"`
	// CreatedAt is the timestamp when the user first earned points
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz" json:"createdAt"`
	// UpdatedAt is the timestamp of the last credit
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz" json:"updatedAt"`
}

// TableName specifies the table name for the UserPoints model
func (UserPoints) TableName() string {
	return "user_points"
}
