package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"nanogen/internal/model"
	"nanogen/internal/repository"

	"gorm.io/gorm"
)

const (
	NotifyKindJobCompleted  = "JOB_COMPLETED"
	NotifyKindJobFailed     = "JOB_FAILED"
	NotifyKindJobTimeout    = "JOB_TIMEOUT"
	NotifyKindTopupCredited = "TOPUP_CREDITED"
	NotifyKindReferralBonus = "REFERRAL_BONUS"
)

// NotifyService 用户通知
//
// 通知是尽力而为：先落 outbox 表，由后台任务投递到 Kafka。
// 落库失败只记日志，绝不影响调用方的业务结果。
type NotifyService struct {
	outboxRepo *repository.OutboxRepository
	topic      string
}

func NewNotifyService(db *gorm.DB, topic string) *NotifyService {
	return &NotifyService{
		outboxRepo: repository.NewOutboxRepository(db),
		topic:      topic,
	}
}

// NotifyPayload 通知消息体
type NotifyPayload struct {
	UserID    int64  `json:"user_id"`
	Kind      string `json:"kind"`
	Text      string `json:"text"`
	Reference string `json:"reference"`
	Timestamp int64  `json:"timestamp"`
}

// Notify 写入一条待发通知，失败只记日志
func (s *NotifyService) Notify(ctx context.Context, userID int64, kind, text, reference string) {
	payload := &NotifyPayload{
		UserID:    userID,
		Kind:      kind,
		Text:      text,
		Reference: reference,
		Timestamp: time.Now().Unix(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Notify] 序列化通知失败: userID=%d, kind=%s, err=%v", userID, kind, err)
		return
	}

	msg := &model.OutboxMessage{
		MessageKey: reference,
		Topic:      s.topic,
		Payload:    string(data),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, nil, msg); err != nil {
		log.Printf("[Notify] 通知落库失败: userID=%d, kind=%s, err=%v", userID, kind, err)
	}
}
