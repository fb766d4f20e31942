package model

import (
	"time"
)

// User is keyed by the chat platform identifier. The discount fields are a
// cache of the user's active operation code; UserDiscountCode is authoritative.
type User struct {
	ID                 int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TelegramID         int64      `gorm:"uniqueIndex;not null" json:"telegram_id"`
	Username           string     `gorm:"type:varchar(255)" json:"username,omitempty"`
	FirstName          string     `gorm:"type:varchar(255)" json:"first_name,omitempty"`
	LastName           string     `gorm:"type:varchar(255)" json:"last_name,omitempty"`
	LanguageCode       string     `gorm:"type:varchar(10)" json:"language_code,omitempty"`
	Email              string     `gorm:"type:varchar(255)" json:"email,omitempty"`
	HasFreeAccess      bool       `gorm:"not null;default:false" json:"has_free_access"`
	FreeOperationsLeft int        `gorm:"not null;default:0" json:"free_operations_left"`
	DiscountCodeID     *int64     `gorm:"index" json:"discount_code_id,omitempty"`
	DiscountPercent    *int       `json:"discount_percent,omitempty"`
	LastActivityAt     *time.Time `json:"last_activity_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// Profile carries the optional chat-profile fields copied onto a new user.
type Profile struct {
	Username     string `json:"username"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	LanguageCode string `json:"language_code"`
}
