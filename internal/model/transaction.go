package model

import (
	"time"
)

const (
	TransactionTypeGrant  = "GRANT"
	TransactionTypeTopUp  = "TOPUP"
	TransactionTypeCharge = "CHARGE"
	TransactionTypeRefund = "REFUND"
	TransactionTypeAdjust = "ADJUST"
)

const (
	RefTypeUser      = "user"
	RefTypeOperation = "operation"
	RefTypePayment   = "payment"
	RefTypeManual    = "manual"
)

// BalanceTransaction is the append-only journal of balance changes.
// Amount is signed; BalanceAfter = BalanceBefore + Amount.
type BalanceTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	UserID        int64     `gorm:"index;not null" json:"user_id"`
	RefType       string    `gorm:"type:varchar(20);index:idx_balance_tx_ref;not null" json:"ref_type"`
	RefID         int64     `gorm:"index:idx_balance_tx_ref;not null" json:"ref_id"`
	Amount        int64     `gorm:"not null" json:"amount"`
	Type          string    `gorm:"type:varchar(20);not null" json:"type"`
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (BalanceTransaction) TableName() string {
	return "balance_transactions"
}
