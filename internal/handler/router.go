package handler

import (
	"fmt"
	"net/http"

	"billingledger/internal/config"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter wires middleware and routes.
func SetupRouter(h *Handler, cfg *config.Config) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)

	trusted, err := ParseNetworks(cfg.YooKassa.TrustedNetworks)
	if err != nil {
		return nil, fmt.Errorf("parse trusted networks: %w", err)
	}

	r := gin.New()
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware(cfg.Server.CORSOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		api.POST("/users/ensure", h.EnsureUser)

		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/history", h.GetHistory)
			account.GET("/history/count", h.GetHistoryCount)
			account.GET("/transactions", h.GetTransactions)
		}

		ops := api.Group("/operations")
		{
			ops.POST("/reserve", h.Reserve)
			ops.POST("/confirm", h.Confirm)
			ops.POST("/fail", h.Fail)
			ops.POST("/refund", h.Refund)
		}

		discounts := api.Group("/discounts")
		{
			discounts.POST("/validate", h.ValidateCode)
			discounts.POST("/operation", h.SetOperationDiscount)
			discounts.DELETE("/operation", h.ClearOperationDiscount)
			discounts.POST("/free-access", h.ActivateFreeAccess)
			discounts.POST("/free-generations", h.ActivateFreeGenerations)
		}

		payments := api.Group("/payments")
		{
			payments.POST("", h.CreatePayment)
			payments.POST("/refresh", h.RefreshPayment)
		}
	}

	// the gateway posts here, outside the compressed API group
	r.POST("/api/v1/payments/yookassa/webhook", TrustedNetworksMiddleware(trusted), h.YooKassaWebhook)

	return r, nil
}
