package handler

import (
	"errors"
	"strconv"

	"billingledger/internal/model"
	"billingledger/internal/service"
	"billingledger/pkg/response"

	"github.com/gin-gonic/gin"
)

const idempotencyHeader = "Idempotency-Key"

// Handler holds every service the HTTP API exposes.
type Handler struct {
	ledger    *service.LedgerService
	discounts *service.DiscountService
	payments  *service.PaymentService
	account   *service.AccountService
}

func NewHandler(ledger *service.LedgerService, discounts *service.DiscountService, payments *service.PaymentService, account *service.AccountService) *Handler {
	return &Handler{
		ledger:    ledger,
		discounts: discounts,
		payments:  payments,
		account:   account,
	}
}

// fail maps a service error onto the response envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	var insufficient *service.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		response.ErrorWithData(c, response.CodeInsufficientBalance, "insufficient balance", gin.H{
			"required":  insufficient.Required,
			"available": insufficient.Available,
			"missing":   insufficient.Required - insufficient.Available,
		})
		return
	}
	var rejected *service.CodeRejectedError
	if errors.As(err, &rejected) {
		response.ErrorWithData(c, response.CodeCodeRejected, rejected.Message(), gin.H{
			"code":   rejected.Code,
			"reason": rejected.Reason.Error(),
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidAmount):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrNotFound):
		response.Error(c, response.CodeNotFound, err.Error())
	case errors.Is(err, service.ErrNotPending):
		response.BusinessError(c, response.CodeNotPending, err.Error())
	case errors.Is(err, service.ErrAlreadyCharged):
		response.BusinessError(c, response.CodeAlreadyCharged, err.Error())
	case errors.Is(err, service.ErrNotRefundable):
		response.BusinessError(c, response.CodeNotRefundable, err.Error())
	case errors.Is(err, service.ErrAlreadyUsed):
		response.BusinessError(c, response.CodeCodeAlreadyUsed, "Promo code already used")
	case errors.Is(err, service.ErrAmountTooSmall):
		response.BusinessError(c, response.CodeAmountTooSmall, err.Error())
	case errors.Is(err, service.ErrEmailRequired):
		response.BusinessError(c, response.CodeEmailRequired, err.Error())
	case errors.Is(err, service.ErrGatewayUnavailable):
		response.BusinessError(c, response.CodeGatewayUnavailable, "payment service temporarily unavailable")
	case errors.Is(err, service.ErrPaymentConflict):
		response.BusinessError(c, response.CodePaymentConflict, err.Error())
	case errors.Is(err, service.ErrUnmigratedUnit):
		_ = c.Error(err)
		response.BusinessError(c, response.CodeUnmigratedUnit, "account is being migrated, try again later")
	default:
		_ = c.Error(err)
		response.ServerError(c, "internal error")
	}
}

func queryInt64(c *gin.Context, key string) (int64, bool) {
	v, err := strconv.ParseInt(c.Query(key), 10, 64)
	if err != nil || v <= 0 {
		response.ParamError(c, key+" is required")
		return 0, false
	}
	return v, true
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		response.ParamError(c, key+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}

// ============================================================
// Users
// ============================================================

type EnsureUserRequest struct {
	TelegramID   int64  `json:"telegram_id" binding:"required"`
	Username     string `json:"username"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	LanguageCode string `json:"language_code"`
}

// EnsureUser returns the user for a Telegram id, creating it on first contact.
// POST /api/v1/users/ensure
func (h *Handler) EnsureUser(c *gin.Context) {
	var req EnsureUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	user, created, err := h.ledger.EnsureUser(c.Request.Context(), req.TelegramID, model.Profile{
		Username:     req.Username,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		LanguageCode: req.LanguageCode,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"user_id":     user.ID,
		"telegram_id": user.TelegramID,
		"created":     created,
	})
}

// ============================================================
// Account
// ============================================================

// GetBalance returns the balance. With refresh=true the newest pending
// payment is checked with the gateway first.
// GET /api/v1/account/balance?user_id=xxx&refresh=true
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if c.Query("refresh") == "true" {
		if _, err := h.payments.RefreshLatestPending(ctx, userID); err != nil {
			loggerFrom(c).Warn().Err(err).Int64("user_id", userID).Msg("refresh pending payment failed")
		}
	}

	view, err := h.account.GetBalance(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, view)
}

// GetHistory lists operations and top-ups, newest first.
// GET /api/v1/account/history?user_id=xxx&limit=20&offset=0&days=30
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 20)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	days, ok := queryInt(c, "days", 0)
	if !ok {
		return
	}

	records, err := h.account.GetOperationHistory(c.Request.Context(), service.HistoryQuery{
		UserID: userID,
		Limit:  limit,
		Offset: offset,
		Days:   days,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"items": records})
}

// GetHistoryCount counts operations plus succeeded top-ups.
// GET /api/v1/account/history/count?user_id=xxx&days=30
func (h *Handler) GetHistoryCount(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	days, ok := queryInt(c, "days", 0)
	if !ok {
		return
	}
	total, err := h.account.GetOperationsCount(c.Request.Context(), userID, days)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"total": total})
}

// GetTransactions pages through the balance journal, newest first.
// GET /api/v1/account/transactions?user_id=xxx&page=1&page_size=20
func (h *Handler) GetTransactions(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	page, ok := queryInt(c, "page", 1)
	if !ok {
		return
	}
	pageSize, ok := queryInt(c, "page_size", 20)
	if !ok {
		return
	}
	res, err := h.account.GetTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, res)
}
