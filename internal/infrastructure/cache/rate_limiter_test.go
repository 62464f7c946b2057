package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, "test:ratelimit", limit, time.Hour), mr
}

func TestAllowIsReadOnly(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2)
	ctx := context.Background()

	// 连续检查不消耗配额
	for i := 0; i < 5; i++ {
		allowed, count, err := limiter.Allow(ctx, 1)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 0, count)
	}
}

func TestIncrementConsumesQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2)
	ctx := context.Background()

	require.NoError(t, limiter.Increment(ctx, 1))
	require.NoError(t, limiter.Increment(ctx, 1))

	allowed, count, err := limiter.Allow(ctx, 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 2, count)

	// 其他用户不受影响
	allowed, _, err = limiter.Allow(ctx, 2)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestWindowExpires(t *testing.T) {
	limiter, mr := newTestLimiter(t, 1)
	ctx := context.Background()

	require.NoError(t, limiter.Increment(ctx, 1))
	allowed, _, err := limiter.Allow(ctx, 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	// 窗口过期后配额恢复
	mr.FastForward(2 * time.Hour)
	allowed, count, err := limiter.Allow(ctx, 1)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 0, count)
}
