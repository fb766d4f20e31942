package model

import (
	"time"
)

const (
	DiscountKindPercent         = "percent"
	DiscountKindFreeGenerations = "free_generations"
	DiscountKindFreeAccess      = "free_access"
)

// DiscountCode is a promotional code. MaxUses nil means unlimited.
type DiscountCode struct {
	ID                   int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Code                 string     `gorm:"type:varchar(50);uniqueIndex;not null" json:"code"`
	Kind                 string     `gorm:"type:varchar(20);not null;default:percent" json:"kind"`
	DiscountPercent      int        `gorm:"not null;default:0" json:"discount_percent"`
	FreeGenerationsCount *int       `json:"free_generations_count,omitempty"`
	Description          string     `gorm:"type:text" json:"description,omitempty"`
	IsActive             bool       `gorm:"not null" json:"is_active"`
	MaxUses              *int       `json:"max_uses,omitempty"`
	CurrentUses          int        `gorm:"not null;default:0" json:"current_uses"`
	ValidFrom            *time.Time `json:"valid_from,omitempty"`
	ValidUntil           *time.Time `json:"valid_until,omitempty"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DiscountCode) TableName() string {
	return "discount_codes"
}

// UserDiscountCode records that a user consumed a code. At most one row
// exists per (user, code).
type UserDiscountCode struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64     `gorm:"uniqueIndex:idx_user_discount_code;not null" json:"user_id"`
	DiscountCodeID int64     `gorm:"uniqueIndex:idx_user_discount_code;not null" json:"discount_code_id"`
	PaymentID      *int64    `gorm:"index" json:"payment_id,omitempty"`
	OperationID    *int64    `gorm:"index" json:"operation_id,omitempty"`
	UsedAt         time.Time `gorm:"autoCreateTime" json:"used_at"`
}

func (UserDiscountCode) TableName() string {
	return "user_discount_codes"
}
