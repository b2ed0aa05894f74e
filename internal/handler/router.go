package handler

import (
	"net/http"

	"bezsettle/internal/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, m *metrics.Metrics, log *zap.Logger) *gin.Engine {
	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(MetricsMiddleware(m))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		credit := api.Group("/credit")
		{
			credit.GET("/balance", h.GetBalance)
			credit.GET("/history", h.History)
			credit.POST("/purchase", h.Purchase)
			credit.POST("/withdraw", h.Withdraw)
		}

		chat := api.Group("/chat")
		{
			chat.POST("/message", h.ChatMessage)
		}

		settlement := api.Group("/settlement")
		{
			settlement.GET("/:reference", h.GetSettlement)
			settlement.POST("/:reference/reconcile", h.ReconcileSettlement)
		}

		escrow := api.Group("/escrow")
		{
			escrow.POST("/create", h.CreateEscrow)
			escrow.GET("/stats", h.EscrowStats)
			escrow.GET("/leaderboard", h.Leaderboard)
			escrow.GET("/reputation/:address", h.Reputation)
			escrow.GET("/:escrow_no", h.GetEscrow)
			escrow.POST("/:escrow_no/score", h.SubmitScore)
			escrow.POST("/:escrow_no/dispute", h.Dispute)
			escrow.POST("/:escrow_no/arbitrate", h.Arbitrate)
		}
	}

	r.GET("/metrics", gin.WrapH(m.Handler()))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
