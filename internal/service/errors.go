package service

import (
	"errors"
	"fmt"

	"billingledger/internal/gateway"
)

var (
	// ErrInsufficientBalance is user-facing: the caller should offer a top-up.
	// Concrete errors are *InsufficientBalanceError.
	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrNotFound       = errors.New("not found")
	ErrNotPending     = errors.New("operation is not pending")
	ErrAlreadyCharged = errors.New("operation already charged, use refund")
	ErrNotRefundable  = errors.New("only charged operations can be refunded")
	ErrAlreadyUsed    = errors.New("discount code already used by this user")
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrInvalidRequest = errors.New("invalid request")

	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrEmailRequired      = errors.New("receipt email required")
	ErrAmountTooSmall     = errors.New("amount below minimum top-up")
	ErrPaymentConflict    = errors.New("payment already in a different terminal state")

	// ErrIdempotencyMismatch is a replayed key carrying a different request.
	ErrIdempotencyMismatch = fmt.Errorf("%w: idempotency key reused with different parameters", ErrInvalidRequest)

	// ErrUnmigratedUnit guards rows whose amounts predate the kopeck backfill.
	ErrUnmigratedUnit = errors.New("row not migrated to minor units, run backfill-units")

	ErrCodeNotFound    = errors.New("code not found")
	ErrCodeInactive    = errors.New("code is inactive")
	ErrCodeNotYetValid = errors.New("code is not valid yet")
	ErrCodeExpired     = errors.New("code has expired")
	ErrCodeExhausted   = errors.New("code usage limit reached")
	ErrCodeWrongKind   = errors.New("code cannot be used this way")
)

// InsufficientBalanceError carries the amounts for the user-facing message.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s ₽, available %s ₽",
		gateway.FormatAmount(e.Required), gateway.FormatAmount(e.Available))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// CodeRejectedError explains why a discount code was refused.
type CodeRejectedError struct {
	Code   string
	Reason error
}

func (e *CodeRejectedError) Error() string {
	return fmt.Sprintf("discount code %s rejected: %v", e.Code, e.Reason)
}

func (e *CodeRejectedError) Unwrap() error { return e.Reason }

// Message is the text shown to the user.
func (e *CodeRejectedError) Message() string {
	switch e.Reason {
	case ErrCodeNotFound:
		return "Promo code not found"
	case ErrCodeInactive:
		return "Promo code is not active"
	case ErrCodeNotYetValid:
		return "Promo code is not valid yet"
	case ErrCodeExpired:
		return "Promo code has expired"
	case ErrCodeExhausted:
		return "Promo code usage limit reached"
	case ErrCodeWrongKind:
		return "This promo code cannot be used here"
	}
	return "Promo code rejected"
}
