package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"nanogen/internal/model"
	"nanogen/internal/service"
	"nanogen/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler HTTP 入口
type Handler struct {
	ledgerService   *service.LedgerService
	jobService      *service.JobService
	paymentService  *service.PaymentService
	referralService *service.ReferralService
}

func NewHandler(
	ledgerService *service.LedgerService,
	jobService *service.JobService,
	paymentService *service.PaymentService,
	referralService *service.ReferralService,
) *Handler {
	return &Handler{
		ledgerService:   ledgerService,
		jobService:      jobService,
		paymentService:  paymentService,
		referralService: referralService,
	}
}

func parseUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 不合法")
		return 0, false
	}
	return userID, true
}

func parsePagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// GetBalance 查询余额
// GET /api/v1/account/balance?user_id=123
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	balance, err := h.ledgerService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, "查询余额失败")
		return
	}
	response.Success(c, balance)
}

// ListTransactions 查询积分流水
// GET /api/v1/account/transactions?user_id=123&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	page, pageSize := parsePagination(c)

	transactions, total, err := h.ledgerService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, "查询流水失败")
		return
	}
	response.Success(c, gin.H{
		"list":  transactions,
		"total": total,
		"page":  page,
	})
}

// CreateJob 提交生成任务
// POST /api/v1/job/create
func (h *Handler) CreateJob(c *gin.Context) {
	var req service.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.jobService.CreateJob(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrQueueFull):
			response.BusinessError(c, response.CodeQueueFull, err.Error())
		case errors.Is(err, service.ErrConcurrencyLimit):
			response.BusinessError(c, response.CodeConcurrencyLimit, err.Error())
		case errors.Is(err, service.ErrRateLimited):
			response.BusinessError(c, response.CodeRateLimited, err.Error())
		case errors.Is(err, service.ErrInsufficientCredits):
			response.BusinessError(c, response.CodeInsufficientCredits, err.Error())
		default:
			response.ServerError(c, "创建任务失败")
		}
		return
	}
	response.Success(c, result)
}

// GetJob 查询任务详情
// GET /api/v1/job/:job_id?user_id=123
func (h *Handler) GetJob(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	job, err := h.jobService.GetJob(c.Request.Context(), userID, c.Param("job_id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			response.BusinessError(c, response.CodeJobNotFound, err.Error())
		case errors.Is(err, service.ErrForbidden):
			response.Error(c, response.CodeForbidden, err.Error())
		default:
			response.ServerError(c, "查询任务失败")
		}
		return
	}
	response.Success(c, job)
}

// ListJobs 查询任务列表
// GET /api/v1/job/list?user_id=123&page=1
func (h *Handler) ListJobs(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	page, pageSize := parsePagination(c)

	jobs, total, err := h.jobService.ListUserJobs(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, "查询任务列表失败")
		return
	}
	response.Success(c, gin.H{
		"list":  jobs,
		"total": total,
		"page":  page,
	})
}

// CancelJob 取消任务
// POST /api/v1/job/:job_id/cancel?user_id=123
func (h *Handler) CancelJob(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	released, err := h.jobService.CancelJob(c.Request.Context(), userID, c.Param("job_id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			response.BusinessError(c, response.CodeJobNotFound, err.Error())
		case errors.Is(err, service.ErrForbidden):
			response.Error(c, response.CodeForbidden, err.Error())
		case errors.Is(err, service.ErrAlreadyTerminal):
			response.BusinessError(c, response.CodeJobStatusInvalid, err.Error())
		default:
			response.ServerError(c, "取消任务失败")
		}
		return
	}
	response.Success(c, gin.H{"released": released})
}

// CreateTopup 创建充值单
// POST /api/v1/topup/create
func (h *Handler) CreateTopup(c *gin.Context) {
	var req service.CreateTopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.paymentService.CreateTopup(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, service.ErrTopupRateLimited) {
			response.BusinessError(c, response.CodeRateLimited, err.Error())
			return
		}
		response.BusinessError(c, response.CodePaymentFailed, "创建充值单失败")
		return
	}
	response.Success(c, result)
}

// RegisterRequest 注册请求
type RegisterRequest struct {
	UserID     int64 `json:"user_id" binding:"required"`
	ReferrerID int64 `json:"referrer_id"`
}

// Register 新用户注册（新手积分 + 可选邀请登记）
// POST /api/v1/referral/register
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.referralService.Register(c.Request.Context(), req.UserID, req.ReferrerID); err != nil {
		if errors.Is(err, service.ErrSelfReferral) {
			response.ParamError(c, err.Error())
			return
		}
		response.ServerError(c, "注册失败")
		return
	}
	response.Success(c, nil)
}

// AdjustCreditsRequest 管理员积分调整请求
type AdjustCreditsRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Remark string `json:"remark"`
}

// AdjustCredits 管理员给用户加积分
// POST /api/v1/admin/credits/adjust（需 X-Admin-Token）
func (h *Handler) AdjustCredits(c *gin.Context) {
	var req AdjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.ledgerService.AddCredits(c.Request.Context(), req.UserID, req.Amount,
		model.TransactionTypeAdminAdjust, "admin", req.Remark)
	if err != nil {
		response.ServerError(c, "积分调整失败")
		return
	}
	response.Success(c, nil)
}

// PaymentWebhook 支付服务商回调
// POST /webhook/payment
//
// 无论处理结果如何都回 200：服务商只认 200，重试解决不了我们的
// 内部异常，失败靠日志与对账兜底
func (h *Handler) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	var event service.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	if err := h.paymentService.ProcessPaymentEvent(c.Request.Context(), &event, string(body)); err != nil {
		// 只记日志，不向服务商暴露内部错误
		log.Printf("[Webhook] 处理支付事件失败: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// QueueStatus 队列状态
// GET /api/v1/queue/status
func (h *Handler) QueueStatus(c *gin.Context) {
	depth, err := h.jobService.QueueDepth(c.Request.Context())
	if err != nil {
		response.ServerError(c, "查询队列状态失败")
		return
	}
	response.Success(c, gin.H{"depth": depth})
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
