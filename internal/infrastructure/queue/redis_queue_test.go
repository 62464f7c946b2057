package queue

import (
	"context"
	"testing"
	"time"

	"nanogen/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *GenerationQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewGenerationQueue(client, "test_queue")
}

func payload(jobID string) *model.JobPayload {
	return &model.JobPayload{
		JobID:  jobID,
		UserID: 1,
		Prompt: "测试",
	}
}

func TestQueueFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, payload("job-1")))
	require.NoError(t, q.Enqueue(ctx, payload("job-2")))
	require.NoError(t, q.Enqueue(ctx, payload("job-3")))

	for _, want := range []string{"job-1", "job-2", "job-3"} {
		got, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.JobID)
	}
}

func TestQueueSize(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	require.NoError(t, q.Enqueue(ctx, payload("job-1")))
	require.NoError(t, q.Enqueue(ctx, payload("job-2")))

	size, err = q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	size, err = q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestDequeueTimeout(t *testing.T) {
	q := newTestQueue(t)

	got, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDequeueRemovesEntry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, payload("job-1")))

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	// 出队即删除，不会被第二个消费者取到
	got, err = q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}
