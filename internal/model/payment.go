package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusSucceeded = "SUCCEEDED"
	PaymentStatusCanceled  = "CANCELED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusRefunded  = "REFUNDED"
)

var ValidPaymentTransitions = map[string][]string{
	PaymentStatusPending:   {PaymentStatusSucceeded, PaymentStatusCanceled, PaymentStatusFailed},
	PaymentStatusSucceeded: {PaymentStatusRefunded},
}

func CanPaymentTransition(from, to string) bool {
	return canTransition(ValidPaymentTransitions, from, to)
}

// Payment is one deposit request sent to the gateway.
// Amount is credited to the balance on success; PaidAmount is what the
// gateway charges, lower than Amount when a discount code was applied.
// IdempotencyKey is the client's key and is unique per user only.
type Payment struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64          `gorm:"index;uniqueIndex:idx_payment_user_idem;not null" json:"user_id"`
	ExternalID     string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"external_id"`
	IdempotencyKey string         `gorm:"type:varchar(64);uniqueIndex:idx_payment_user_idem;not null" json:"-"`
	Amount         int64          `gorm:"not null" json:"amount"`
	PaidAmount     int64          `gorm:"not null" json:"paid_amount"`
	Currency       string         `gorm:"type:varchar(3);not null;default:RUB" json:"currency"`
	Description    string         `gorm:"type:varchar(255)" json:"description"`
	Status         string         `gorm:"type:varchar(20);index;not null" json:"status"`
	DiscountCodeID *int64         `json:"discount_code_id,omitempty"`
	ConfirmURL     string         `gorm:"type:varchar(512)" json:"confirmation_url,omitempty"`
	RawPayload     datatypes.JSON `json:"-"`
	Unit           string         `gorm:"type:varchar(8)" json:"-"`
	PaidAt         *time.Time     `json:"paid_at,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}
