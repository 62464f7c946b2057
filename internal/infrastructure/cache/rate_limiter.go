package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter 基于 Redis 计数器的小时级限流
//
// 检查与计数分离：准入阶段只读检查（Allow），预留积分、任务落库、
// 入队全部成功之后才 Increment —— 中途失败不会虚增计数，
// 不会抬高后续请求被拒绝的概率。
type RateLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func NewRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

func (r *RateLimiter) key(userID int64) string {
	return fmt.Sprintf("%s:%d", r.prefix, userID)
}

// Allow 只读检查当前窗口计数是否未达上限，不改变任何状态
func (r *RateLimiter) Allow(ctx context.Context, userID int64) (bool, int, error) {
	val, err := r.client.Get(ctx, r.key(userID)).Result()
	if err == redis.Nil {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		count = 0
	}
	return count < r.limit, count, nil
}

// Increment 窗口计数加一，首次计数时设置过期时间
func (r *RateLimiter) Increment(ctx context.Context, userID int64) error {
	key := r.key(userID)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if count == 1 {
		return r.client.Expire(ctx, key, r.window).Err()
	}
	return nil
}

func (r *RateLimiter) Limit() int {
	return r.limit
}
