package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"nanogen/internal/model"

	"github.com/go-redis/redis/v8"
)

// GenerationQueue 基于 Redis LIST 的持久化 FIFO 队列
//
// 入队 RPUSH，出队 BLPOP（阻塞带超时），出队即删除 —— 一个条目只会被
// 一个消费者取到。消费者取走后崩溃不会把条目放回队列，卡死任务的
// 恢复由 watchdog 负责。
type GenerationQueue struct {
	client *redis.Client
	key    string
}

func NewGenerationQueue(client *redis.Client, key string) *GenerationQueue {
	if key == "" {
		key = "generation_jobs"
	}
	return &GenerationQueue{
		client: client,
		key:    key,
	}
}

// Enqueue 任务入队（追加到队尾）
func (q *GenerationQueue) Enqueue(ctx context.Context, payload *model.JobPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.key, string(data)).Err()
}

// Dequeue 阻塞出队，等待 timeout 后仍无任务返回 (nil, nil)
func (q *GenerationQueue) Dequeue(ctx context.Context, timeout time.Duration) (*model.JobPayload, error) {
	result, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	// BLPop 返回 [key, value]
	if len(result) < 2 {
		return nil, nil
	}

	var payload model.JobPayload
	if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Size 当前队列深度，准入控制与排队位置估算用
func (q *GenerationQueue) Size(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
