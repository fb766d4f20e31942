package model

import (
	"time"
)

const (
	OperationStatusPending  = "PENDING"
	OperationStatusCharged  = "CHARGED"
	OperationStatusFailed   = "FAILED"
	OperationStatusRefunded = "REFUNDED"
	OperationStatusFree     = "FREE"
)

// ValidOperationTransitions lists every legal status change. FREE, FAILED
// and REFUNDED are terminal.
var ValidOperationTransitions = map[string][]string{
	OperationStatusPending: {OperationStatusCharged, OperationStatusFailed, OperationStatusFree},
	OperationStatusCharged: {OperationStatusRefunded},
}

func CanOperationTransition(from, to string) bool {
	return canTransition(ValidOperationTransitions, from, to)
}

func canTransition(table map[string][]string, from, to string) bool {
	allowed, ok := table[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

const (
	OperationTypeGenerate         = "image_generation"
	OperationTypeEdit             = "image_edit"
	OperationTypeMerge            = "image_merge"
	OperationTypeRetouch          = "retouch"
	OperationTypeUpscale          = "upscale"
	OperationTypePromptGeneration = "prompt_generation"
	OperationTypeFaceSwap         = "face_swap"
	OperationTypeAddText          = "add_text"
)

// Operation is one billable unit of work. Price is fixed once the row is
// written; OriginalPrice is set only when a discount reduced it.
type Operation struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64      `gorm:"index;not null" json:"user_id"`
	Type            string     `gorm:"type:varchar(50);not null" json:"type"`
	Price           int64      `gorm:"not null" json:"price"`
	OriginalPrice   *int64     `json:"original_price,omitempty"`
	DiscountPercent *int       `json:"discount_percent,omitempty"`
	Status          string     `gorm:"type:varchar(20);index;not null" json:"status"`
	TaskID          *string    `gorm:"type:varchar(255);index" json:"task_id,omitempty"`
	Model           *string    `gorm:"type:varchar(100)" json:"model,omitempty"`
	Prompt          *string    `gorm:"type:text" json:"prompt,omitempty"`
	ImageCount      *int       `json:"image_count,omitempty"`
	Unit            string     `gorm:"type:varchar(8)" json:"-"`
	ChargedAt       *time.Time `json:"charged_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Operation) TableName() string {
	return "operations"
}
