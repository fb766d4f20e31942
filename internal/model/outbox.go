package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

const (
	EventOperationCharged  = "operation.charged"
	EventOperationRefunded = "operation.refunded"
	EventPaymentSucceeded  = "payment.succeeded"
)

// OutboxMessage is written in the same transaction as the ledger change it
// describes and relayed to Kafka afterwards.
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	EventType  string    `gorm:"type:varchar(64);not null" json:"event_type"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// LedgerEvent is the JSON payload of every outbox message.
type LedgerEvent struct {
	Event      string    `json:"event"`
	UserID     int64     `json:"user_id"`
	RefID      int64     `json:"ref_id"`
	Amount     int64     `json:"amount"`
	Balance    int64     `json:"balance"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AllModels lists every table owned by the service, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Balance{},
		&Operation{},
		&Payment{},
		&DiscountCode{},
		&UserDiscountCode{},
		&BalanceTransaction{},
		&OutboxMessage{},
		&UserStatistics{},
	}
}
