package handler

import (
	"billingledger/internal/service"
	"billingledger/pkg/response"

	"github.com/gin-gonic/gin"
)

type ReserveRequest struct {
	UserID     int64  `json:"user_id" binding:"required"`
	Type       string `json:"type" binding:"required"`
	Model      string `json:"model"`
	TaskID     string `json:"task_id"`
	Prompt     string `json:"prompt"`
	ImageCount int    `json:"image_count"`
}

// Reserve records a PENDING operation, priced with the user's active
// operation discount if any.
// POST /api/v1/operations/reserve
func (h *Handler) Reserve(c *gin.Context) {
	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()

	pct, err := h.discounts.OperationDiscount(ctx, req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	res, err := h.ledger.Reserve(ctx, &service.ReserveRequest{
		UserID:          req.UserID,
		Type:            req.Type,
		Model:           req.Model,
		DiscountPercent: pct,
		TaskID:          req.TaskID,
		Prompt:          req.Prompt,
		ImageCount:      req.ImageCount,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, res)
}

type OperationRequest struct {
	OperationID int64 `json:"operation_id" binding:"required"`
}

func (h *Handler) bindOperation(c *gin.Context) (int64, bool) {
	var req OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return 0, false
	}
	return req.OperationID, true
}

// Confirm charges a PENDING operation after the work succeeded.
// POST /api/v1/operations/confirm
func (h *Handler) Confirm(c *gin.Context) {
	id, ok := h.bindOperation(c)
	if !ok {
		return
	}
	if err := h.ledger.Confirm(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"operation_id": id})
}

// Fail closes a PENDING operation without charging.
// POST /api/v1/operations/fail
func (h *Handler) Fail(c *gin.Context) {
	id, ok := h.bindOperation(c)
	if !ok {
		return
	}
	if err := h.ledger.Fail(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"operation_id": id})
}

// Refund returns a CHARGED operation's price.
// POST /api/v1/operations/refund
func (h *Handler) Refund(c *gin.Context) {
	id, ok := h.bindOperation(c)
	if !ok {
		return
	}
	if err := h.ledger.Refund(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"operation_id": id})
}
