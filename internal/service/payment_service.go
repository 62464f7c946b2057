package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"nanogen/internal/infrastructure/cache"
	"nanogen/internal/infrastructure/lock"
	"nanogen/internal/infrastructure/provider"
	"nanogen/internal/model"
	"nanogen/internal/repository"
	"nanogen/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

var (
	ErrTopupRateLimited = errors.New("充值请求过于频繁")
	ErrPaymentNotPaid   = errors.New("服务商侧支付未完成")
)

// PaymentService 充值与 webhook 入账
//
// webhook 入账的幂等由 payment 表的 processed_at 标记保证：
// 标记写入与积分入账在同一数据库事务，重复投递命中
// ErrPaymentAlreadyProcessed 直接 no-op。
type PaymentService struct {
	db             *gorm.DB
	redisClient    *redis.Client
	paymentRepo    *repository.PaymentRepository
	ledgerService  *LedgerService
	notifyService  *NotifyService
	providerClient *provider.Client
	topupLimiter   *cache.RateLimiter
	verifyWithAPI  bool
}

func NewPaymentService(
	db *gorm.DB,
	redisClient *redis.Client,
	ledgerService *LedgerService,
	notifyService *NotifyService,
	providerClient *provider.Client,
	topupLimiter *cache.RateLimiter,
	verifyWithAPI bool,
) *PaymentService {
	return &PaymentService{
		db:             db,
		redisClient:    redisClient,
		paymentRepo:    repository.NewPaymentRepository(db),
		ledgerService:  ledgerService,
		notifyService:  notifyService,
		providerClient: providerClient,
		topupLimiter:   topupLimiter,
		verifyWithAPI:  verifyWithAPI,
	}
}

// CreateTopupRequest 创建充值单请求
type CreateTopupRequest struct {
	UserID  int64 `json:"user_id" binding:"required"`
	Amount  int64 `json:"amount" binding:"required,gt=0"`  // 支付金额（元）
	Credits int64 `json:"credits" binding:"required,gt=0"` // 应得积分
}

// CreateTopupResult 创建充值单返回
type CreateTopupResult struct {
	TopupNo         string `json:"topup_no"`
	PaymentID       string `json:"payment_id"`
	ConfirmationURL string `json:"confirmation_url"`
}

// CreateTopup 创建充值单：本地落 PENDING 记录，再到服务商侧创建支付意图
func (s *PaymentService) CreateTopup(ctx context.Context, req *CreateTopupRequest) (*CreateTopupResult, error) {
	allowed, _, err := s.topupLimiter.Allow(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("查询限流计数失败: %w", err)
	}
	if !allowed {
		return nil, ErrTopupRateLimited
	}

	topupNo := idgen.GenerateTopupNo()

	result, err := s.providerClient.CreatePayment(ctx, topupNo, &provider.CreatePaymentRequest{
		Amount: provider.PaymentAmount{
			Value:    fmt.Sprintf("%d.00", req.Amount),
			Currency: "RUB",
		},
		Capture:     true,
		Description: fmt.Sprintf("充值 %d 积分", req.Credits),
		Metadata: map[string]string{
			"topup_no": topupNo,
			"user_id":  fmt.Sprintf("%d", req.UserID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("创建服务商支付失败: %w", err)
	}

	payment := &model.Payment{
		PaymentID: result.ID,
		TopupNo:   topupNo,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Credits:   req.Credits,
		Status:    model.PaymentStatusPending,
	}
	if err := s.paymentRepo.Create(ctx, nil, payment); err != nil {
		return nil, fmt.Errorf("充值单落库失败: %w", err)
	}

	if err := s.topupLimiter.Increment(ctx, req.UserID); err != nil {
		log.Printf("[Payment] 充值限流计数递增失败: userID=%d, err=%v", req.UserID, err)
	}

	log.Printf("[Payment] 充值单已创建: topupNo=%s, paymentID=%s, userID=%d", topupNo, result.ID, req.UserID)

	return &CreateTopupResult{
		TopupNo:         topupNo,
		PaymentID:       result.ID,
		ConfirmationURL: result.ConfirmationURL,
	}, nil
}

// PaymentEvent webhook 事件
type PaymentEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Paid   bool   `json:"paid"`
	} `json:"object"`
}

// ProcessPaymentEvent 处理 webhook 事件
//
// 返回 error 仅表示内部处理异常，handler 层无论如何都回 200 —— 服务商
// 的重试风暴解决不了我们这边的 bug。未知支付ID记日志后静默吞掉，
// 重复事件是 no-op。
func (s *PaymentService) ProcessPaymentEvent(ctx context.Context, event *PaymentEvent, rawPayload string) error {
	paymentID := event.Object.ID
	if paymentID == "" {
		log.Printf("[Payment] webhook 缺少支付ID，忽略: event=%s", event.Event)
		return nil
	}

	payment, err := s.paymentRepo.GetByPaymentID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			log.Printf("[Payment] webhook 未知支付ID，忽略: paymentID=%s", paymentID)
			return nil
		}
		return fmt.Errorf("查询支付记录失败: %w", err)
	}

	if payment.ProcessedAt != nil {
		log.Printf("[Payment] webhook 重复投递，跳过: paymentID=%s", paymentID)
		return nil
	}

	switch event.Event {
	case "payment.succeeded":
		return s.handleSucceeded(ctx, payment, rawPayload)
	case "payment.canceled":
		return s.handleCanceled(ctx, payment, rawPayload)
	default:
		log.Printf("[Payment] webhook 未关注的事件类型，忽略: event=%s, paymentID=%s", event.Event, paymentID)
		return nil
	}
}

func (s *PaymentService) handleSucceeded(ctx context.Context, payment *model.Payment, rawPayload string) error {
	// 回调报文可伪造，入账前向服务商二次核验
	if s.verifyWithAPI {
		info, err := s.providerClient.FindPayment(ctx, payment.PaymentID)
		if err != nil {
			return fmt.Errorf("服务商核验失败: %w", err)
		}
		if !info.Paid || info.Status != "succeeded" {
			log.Printf("[Payment] 服务商核验未通过，拒绝入账: paymentID=%s, status=%s, paid=%v",
				payment.PaymentID, info.Status, info.Paid)
			return ErrPaymentNotPaid
		}
	}

	paymentLock := lock.NewPaymentLock(s.redisClient, payment.PaymentID, fmt.Sprintf("webhook:%d", time.Now().UnixNano()))
	if err := paymentLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return fmt.Errorf("获取支付锁失败: %w", err)
	}
	defer paymentLock.Unlock(ctx)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.paymentRepo.MarkProcessed(ctx, tx, payment.PaymentID, model.PaymentStatusSucceeded, rawPayload); err != nil {
			return err
		}
		return s.ledgerService.AddCreditsTx(ctx, tx, payment.UserID, payment.Credits,
			model.TransactionTypeTopup, payment.PaymentID, fmt.Sprintf("充值单 %s 入账", payment.TopupNo))
	})
	if err != nil {
		if errors.Is(err, repository.ErrPaymentAlreadyProcessed) {
			// 并发投递撞上同一支付，先到者已入账
			log.Printf("[Payment] 幂等标记已存在，跳过入账: paymentID=%s", payment.PaymentID)
			return nil
		}
		return fmt.Errorf("入账事务失败: %w", err)
	}

	log.Printf("[Payment] 入账成功: paymentID=%s, userID=%d, credits=%d",
		payment.PaymentID, payment.UserID, payment.Credits)

	s.notifyService.Notify(ctx, payment.UserID, NotifyKindTopupCredited,
		fmt.Sprintf("充值成功，已到账 %d 积分", payment.Credits), payment.PaymentID)
	return nil
}

func (s *PaymentService) handleCanceled(ctx context.Context, payment *model.Payment, rawPayload string) error {
	err := s.paymentRepo.MarkProcessed(ctx, nil, payment.PaymentID, model.PaymentStatusCanceled, rawPayload)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentAlreadyProcessed) {
			return nil
		}
		return fmt.Errorf("标记取消失败: %w", err)
	}
	log.Printf("[Payment] 支付已取消: paymentID=%s, userID=%d", payment.PaymentID, payment.UserID)
	return nil
}
