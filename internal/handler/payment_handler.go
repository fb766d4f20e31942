package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"billingledger/internal/gateway"
	"billingledger/internal/service"
	"billingledger/pkg/response"

	"github.com/gin-gonic/gin"
)

type CreatePaymentRequest struct {
	UserID       int64  `json:"user_id" binding:"required"`
	Amount       int64  `json:"amount" binding:"required,gt=0"`
	Email        string `json:"email"`
	DiscountCode string `json:"discount_code"`
	Description  string `json:"description"`
}

// CreatePayment opens a balance top-up and returns the redirect URL.
// The Idempotency-Key header makes retries safe.
// POST /api/v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	res, err := h.payments.CreatePayment(c.Request.Context(), &service.CreatePaymentRequest{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Description:    req.Description,
		ReceiptEmail:   req.Email,
		DiscountCode:   req.DiscountCode,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(idempotencyHeader)),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, res)
}

type RefreshPaymentRequest struct {
	UserID     int64  `json:"user_id"`
	ExternalID string `json:"external_id"`
}

// RefreshPayment asks the gateway about one payment, or the user's newest
// pending one, and reconciles it.
// POST /api/v1/payments/refresh
func (h *Handler) RefreshPayment(c *gin.Context) {
	var req RefreshPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()

	var (
		res *service.ReconcileResult
		err error
	)
	switch {
	case req.ExternalID != "":
		res, err = h.payments.RefreshPayment(ctx, req.ExternalID)
	case req.UserID > 0:
		res, err = h.payments.RefreshLatestPending(ctx, req.UserID)
	default:
		response.ParamError(c, "external_id or user_id is required")
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	if res == nil {
		response.Success(c, gin.H{"status": "none"})
		return
	}
	response.Success(c, gin.H{"status": res.Status, "applied": res.Applied})
}

// YooKassaWebhook handles gateway notifications. Any 2xx stops redelivery,
// so only failures worth retrying answer 5xx.
// POST /api/v1/payments/yookassa/webhook
func (h *Handler) YooKassaWebhook(c *gin.Context) {
	lg := loggerFrom(c)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	n, err := gateway.ParseNotification(body)
	if err != nil {
		lg.Warn().Err(err).Msg("malformed webhook")
		c.Status(http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(n.Event, "payment.") {
		lg.Info().Str("event", n.Event).Msg("webhook event ignored")
		c.Status(http.StatusOK)
		return
	}

	res, err := h.payments.Reconcile(c.Request.Context(), service.ObservationFromGateway(n.Payment))
	switch {
	case err == nil:
		lg.Info().Str("event", n.Event).Str("external_id", n.Payment.ID).Bool("applied", res.Applied).
			Msg("webhook processed")
		c.Status(http.StatusOK)
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrPaymentConflict):
		// redelivery cannot fix these
		lg.Warn().Err(err).Str("event", n.Event).Str("external_id", n.Payment.ID).Msg("webhook not applied")
		c.Status(http.StatusOK)
	default:
		_ = c.Error(err)
		c.Status(http.StatusInternalServerError)
	}
}
