package handler

import (
	"billingledger/pkg/response"

	"github.com/gin-gonic/gin"
)

type CodeRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Code   string `json:"code" binding:"required"`
}

func bindCode(c *gin.Context) (*CodeRequest, bool) {
	var req CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return nil, false
	}
	return &req, true
}

// ValidateCode checks a promo code without consuming it.
// POST /api/v1/discounts/validate
func (h *Handler) ValidateCode(c *gin.Context) {
	req, ok := bindCode(c)
	if !ok {
		return
	}
	dc, err := h.discounts.Validate(c.Request.Context(), req.Code, req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"code":             dc.Code,
		"kind":             dc.Kind,
		"discount_percent": dc.DiscountPercent,
		"free_generations": dc.FreeGenerationsCount,
		"description":      dc.Description,
	})
}

// SetOperationDiscount applies a percent code to the user's next operations.
// POST /api/v1/discounts/operation
func (h *Handler) SetOperationDiscount(c *gin.Context) {
	req, ok := bindCode(c)
	if !ok {
		return
	}
	dc, err := h.discounts.SetOperationDiscount(c.Request.Context(), req.UserID, req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"code": dc.Code, "discount_percent": dc.DiscountPercent})
}

// ClearOperationDiscount drops the user's operation discount.
// DELETE /api/v1/discounts/operation?user_id=xxx
func (h *Handler) ClearOperationDiscount(c *gin.Context) {
	userID, ok := queryInt64(c, "user_id")
	if !ok {
		return
	}
	if err := h.discounts.ClearOperationDiscount(c.Request.Context(), userID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, nil)
}

// ActivateFreeAccess makes all future operations of the user free.
// POST /api/v1/discounts/free-access
func (h *Handler) ActivateFreeAccess(c *gin.Context) {
	req, ok := bindCode(c)
	if !ok {
		return
	}
	if err := h.discounts.ActivateFreeAccess(c.Request.Context(), req.Code, req.UserID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"has_free_access": true})
}

// ActivateFreeGenerations grants the code's free operations.
// POST /api/v1/discounts/free-generations
func (h *Handler) ActivateFreeGenerations(c *gin.Context) {
	req, ok := bindCode(c)
	if !ok {
		return
	}
	granted, err := h.discounts.ActivateFreeGenerations(c.Request.Context(), req.Code, req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"granted": granted})
}
