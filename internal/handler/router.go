package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())
	r.Use(IdentityMiddleware(h.marketService.EngineAccount()))

	api := r.Group("/api/v1")
	{
		tokens := api.Group("/tokens")
		{
			tokens.POST("", h.CreateToken)
			tokens.GET("", h.ListTokens)
			tokens.GET("/:id", h.GetToken)
			tokens.GET("/:id/metadata", h.GetTokenMetadata)
			tokens.GET("/:id/supply", h.GetTotalSupply)
			tokens.GET("/:id/balances/:account", h.GetBalance)
		}

		ledger := api.Group("/ledger")
		{
			ledger.POST("/transfer", h.Transfer)
			ledger.POST("/approve", h.Approve)
			ledger.POST("/transfer-from", h.TransferFrom)
			ledger.GET("/allowance", h.GetAllowance)
		}

		api.GET("/accounts/:account/holdings", h.GetHoldings)

		listings := api.Group("/listings")
		{
			listings.POST("", h.CreateListing)
			listings.GET("", h.ListListings)
			listings.GET("/:id", h.GetListing)
			listings.POST("/:id/buy", h.Buy)
			listings.POST("/:id/cancel", h.CancelListing)
		}

		profiles := api.Group("/profiles")
		{
			profiles.GET("/me", h.GetMyProfile)
			profiles.GET("/:account", h.GetProfile)
			profiles.POST("/:account/role", h.SetRole)
			profiles.POST("/:account/verify", h.VerifyProfile)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
