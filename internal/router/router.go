// internal/router/router.go
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/dispatch"
	"github.com/chainpay/chainpay-backend/internal/handlers"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/middleware"
	"github.com/chainpay/chainpay-backend/internal/services"
	"github.com/chainpay/chainpay-backend/internal/stream"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

// Dependencies carries the long-lived components cmd/server wires up before
// the HTTP surface comes online. The router only routes; lifecycle (Start and
// Stop of the dispatcher, webhook engine, hub and chain monitor) stays with
// main.
type Dependencies struct {
	Store        *ledger.Store
	Addresses    *services.AddressService
	Transactions *services.TransactionService
	Webhooks     *services.WebhookService
	Reports      *services.ReportService
	Gateway      *dispatch.Gateway
	Hub          *stream.Hub
}

func Initialize(deps Dependencies, cfg *config.Config) *gin.Engine {
	// Initialize handlers
	authHandler := handlers.NewAuthHandler(deps.Store, cfg)
	addressHandler := handlers.NewAddressHandler(deps.Addresses)
	transactionHandler := handlers.NewTransactionHandler(deps.Transactions)
	webhookHandler := handlers.NewWebhookHandler(deps.Webhooks)
	merchantHandler := handlers.NewMerchantHandler(deps.Store, deps.Hub)
	adminHandler := handlers.NewAdminHandler(deps.Store, deps.Reports, deps.Gateway, cfg)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLog())
	r.Use(middleware.CORS(cfg))
	r.Use(middleware.GeneralRateLimit())

	// Health check. Degrades to 503 when the ledger database is unreachable;
	// the dispatch mode is informational so operators can spot a broker
	// outage without digging through logs.
	r.GET("/health", func(c *gin.Context) {
		if err := deps.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "degraded",
				"database": "unreachable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"dispatch": deps.Gateway.Mode(),
		})
	})

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// Token exchange
		auth := v1.Group("/auth")
		auth.Use(middleware.AuthRateLimit())
		{
			auth.POST("/token", authHandler.IssueToken)
		}

		// Payment address routes
		addresses := v1.Group("/addresses")
		addresses.Use(middleware.MerchantAuth(deps.Store))
		{
			addresses.POST("", middleware.Idempotency(deps.Store, cfg.Idempotency), addressHandler.Generate)
			addresses.GET("", addressHandler.List)
			addresses.GET("/:id", addressHandler.Get)
			addresses.DELETE("/:id", addressHandler.Deactivate)
		}

		// Transaction routes (read-only; transactions are created by the
		// chain monitor, never through the API)
		transactions := v1.Group("/transactions")
		transactions.Use(middleware.MerchantAuth(deps.Store))
		{
			transactions.GET("", transactionHandler.List)
			transactions.GET("/:id", transactionHandler.Get)
		}

		// Webhook subscription routes
		webhooks := v1.Group("/webhooks")
		webhooks.Use(middleware.MerchantAuth(deps.Store))
		{
			webhooks.POST("", middleware.Idempotency(deps.Store, cfg.Idempotency), webhookHandler.Create)
			webhooks.GET("", webhookHandler.List)
			webhooks.GET("/:id", webhookHandler.Get)
			webhooks.PUT("/:id", webhookHandler.Update)
			webhooks.DELETE("/:id", webhookHandler.Delete)
			webhooks.POST("/:id/activate", webhookHandler.Activate)
			webhooks.POST("/:id/test", middleware.WebhookTestRateLimit(), webhookHandler.Test)
			webhooks.GET("/:id/deliveries", webhookHandler.Deliveries)
		}

		// Merchant profile routes
		merchant := v1.Group("/merchant")
		merchant.Use(middleware.MerchantAuth(deps.Store))
		{
			merchant.GET("", merchantHandler.Profile)
			merchant.PUT("/settlement", merchantHandler.UpdateSettlement)
			merchant.GET("/events/stream", merchantHandler.EventStream)
		}

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth())
		{
			// Merchant management
			adminMerchants := admin.Group("/merchants")
			{
				adminMerchants.GET("", adminHandler.ListMerchants)
				adminMerchants.POST("", adminHandler.CreateMerchant)
				adminMerchants.PUT("/:id/status", adminHandler.UpdateMerchantStatus)
			}

			// Risk controls
			admin.POST("/addresses/:id/blacklist", adminHandler.BlacklistAddress)

			// Reporting and operations
			admin.GET("/reports/settlement", adminHandler.SettlementReport)
			admin.GET("/health/dispatch", adminHandler.DispatchHealth)
		}
	}

	return r
}
