package repository

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrBalanceNotFound      = errors.New("balance not found")
	ErrOperationNotFound    = errors.New("operation not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrDiscountCodeNotFound = errors.New("discount code not found")
	ErrStatusConflict       = errors.New("status changed concurrently")
	ErrInvalidTransition    = errors.New("status transition not allowed")
	ErrInsufficientFunds    = errors.New("balance would go negative")
	ErrDuplicate            = errors.New("duplicate key")
)

// IsDuplicate reports a unique-constraint violation from any supported driver.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate entry")
}

func conn(db, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return db
	}
	return tx
}
