package model

import (
	"time"
)

// Balance holds the spendable amount of one user, in kopecks.
// Only the ledger writes it, always under a row lock.
type Balance struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	Amount    int64     `gorm:"not null;default:0" json:"amount"`
	Unit      string    `gorm:"type:varchar(8)" json:"-"`
	Version   int       `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Balance) TableName() string {
	return "balances"
}
