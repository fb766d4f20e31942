package model

import (
	"time"

	"gorm.io/datatypes"
)

// UserStatistics is an analytics aggregate. It is never read by the ledger
// and may lag behind or miss updates.
type UserStatistics struct {
	ID               int64                                `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           int64                                `gorm:"uniqueIndex;not null" json:"user_id"`
	TotalOperations  int64                                `gorm:"not null;default:0" json:"total_operations"`
	TotalSpent       int64                                `gorm:"not null;default:0" json:"total_spent"`
	OperationsByType datatypes.JSONType[map[string]int64] `json:"operations_by_type"`
	ModelsUsed       datatypes.JSONType[map[string]int64] `json:"models_used"`
	FirstOperationAt *time.Time                           `json:"first_operation_at,omitempty"`
	LastOperationAt  *time.Time                           `json:"last_operation_at,omitempty"`
	CreatedAt        time.Time                            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time                            `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UserStatistics) TableName() string {
	return "user_statistics"
}
