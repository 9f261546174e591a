package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	handler "expense-reconciliation-backend/internal/handlers"
	"expense-reconciliation-backend/internal/middleware"
	service "expense-reconciliation-backend/internal/services/reconciliation"
)

func RegisterRoutes(r *gin.Engine, svc *service.ReconciliationService, jwt *middleware.JWTManager, log zerolog.Logger) {
	reconHandler := handler.NewReconciliationHandler(svc, log)

	api := r.Group("/api")

	// Health check
	api.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// The provider redirects the browser here, so no bearer token.
	api.GET("/integrations/callback/:provider", reconHandler.Callback)

	authed := api.Group("")
	authed.Use(middleware.JWTMiddleware(jwt))

	// Mailbox integrations
	integrations := authed.Group("/integrations")
	integrations.GET("", reconHandler.ListIntegrations)
	integrations.POST("/connect/:provider", reconHandler.Connect)
	integrations.DELETE("/:id", reconHandler.Disconnect)
	integrations.POST("/:id/reset-watermark", reconHandler.ResetWatermark)

	// Sync and reprocess
	authed.POST("/sync", reconHandler.Sync)
	authed.GET("/sync/runs", reconHandler.ListSyncRuns)
	authed.POST("/reprocess", reconHandler.Reprocess)
	authed.GET("/stats", reconHandler.Stats)

	// Parsed transactions
	tx := authed.Group("/transactions")
	tx.GET("", reconHandler.ListTransactions)
	tx.GET("/:id", reconHandler.GetTransaction)
	tx.PUT("/:id", reconHandler.UpdateTransaction)
	tx.POST("/:id/apply", reconHandler.ApplyTransaction)
	tx.POST("/:id/reject", reconHandler.RejectTransaction)

	// Discovered accounts
	discovered := authed.Group("/discovered-accounts")
	{
		discovered.GET("", reconHandler.ListDiscovered)
		discovered.POST("/import", reconHandler.ImportReport)
		discovered.POST("/:id/approve", reconHandler.ApproveDiscovered)
		discovered.POST("/:id/reject", reconHandler.RejectDiscovered)
	}

	// Financial accounts
	accounts := authed.Group("/accounts")
	{
		accounts.GET("", reconHandler.ListAccounts)
		accounts.POST("", reconHandler.CreateAccount)
		accounts.POST("/:id/fingerprints", reconHandler.AddFingerprint)
		accounts.GET("/:id/ledger", reconHandler.AccountLedger)
	}
}
