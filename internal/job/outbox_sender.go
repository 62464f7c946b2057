package job

import (
	"context"
	"log"
	"time"

	"nanogen/internal/infrastructure/mq"
	"nanogen/internal/model"
	"nanogen/internal/repository"

	"gorm.io/gorm"
)

// OutboxSender 通知外发任务
// 定期捞取 PENDING 的 outbox 消息投递到 Kafka；失败累计重试次数，
// 超过上限标记 FAILED 不再重试
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	interval   time.Duration
	batchSize  int
	maxRetry   int
	stopCh     chan struct{}
}

func NewOutboxSender(db *gorm.DB, interval time.Duration, batchSize, maxRetry int) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		interval:   interval,
		batchSize:  batchSize,
		maxRetry:   maxRetry,
		stopCh:     make(chan struct{}),
	}
}

// Start 启动定时投递
func (s *OutboxSender) Start() {
	log.Printf("[OutboxSender] 启动，间隔=%v, 批大小=%d", s.interval, s.batchSize)
	go s.run()
}

// Stop 停止
func (s *OutboxSender) Stop() {
	close(s.stopCh)
	log.Println("[OutboxSender] 已停止")
}

func (s *OutboxSender) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPendingMessages(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询待发消息失败: %v", err)
		return
	}

	for _, msg := range messages {
		if err := mq.SendMessage(msg.Topic, msg.MessageKey, msg.Payload); err != nil {
			log.Printf("[OutboxSender] 投递失败: id=%d, key=%s, err=%v", msg.ID, msg.MessageKey, err)

			if msg.RetryCount+1 >= s.maxRetry {
				if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
					log.Printf("[OutboxSender] 标记失败状态出错: id=%d, err=%v", msg.ID, err)
				}
			} else {
				if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
					log.Printf("[OutboxSender] 累计重试次数出错: id=%d, err=%v", msg.ID, err)
				}
			}
			continue
		}

		if err := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); err != nil {
			log.Printf("[OutboxSender] 更新发送状态出错: id=%d, err=%v", msg.ID, err)
		}
	}
}
