package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 注册路由
func SetupRouter(h *Handler, adminToken string, webhookAllowedIPs []string) *gin.Engine {
	r := gin.New()
	r.Use(Logger(), Recovery(), CORS())

	r.GET("/health", h.Health)

	// 支付回调独立于 /api/v1，带来源 IP 白名单
	r.POST("/webhook/payment", IPAllowlist(webhookAllowedIPs), h.PaymentWebhook)

	v1 := r.Group("/api/v1")
	{
		account := v1.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/transactions", h.ListTransactions)
		}

		job := v1.Group("/job")
		{
			job.POST("/create", h.CreateJob)
			job.GET("/list", h.ListJobs)
			job.GET("/:job_id", h.GetJob)
			job.POST("/:job_id/cancel", h.CancelJob)
		}

		topup := v1.Group("/topup")
		{
			topup.POST("/create", h.CreateTopup)
		}

		referral := v1.Group("/referral")
		{
			referral.POST("/register", h.Register)
		}

		v1.GET("/queue/status", h.QueueStatus)

		admin := v1.Group("/admin", AdminAuth(adminToken))
		{
			admin.POST("/credits/adjust", h.AdjustCredits)
		}
	}

	return r
}
