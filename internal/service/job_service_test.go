package service

import (
	"context"
	"testing"
	"time"

	"nanogen/internal/infrastructure/cache"
	"nanogen/internal/infrastructure/queue"
	"nanogen/internal/model"
	"nanogen/internal/repository"
	"nanogen/internal/testutil"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type jobFixture struct {
	db          *gorm.DB
	redisClient *redis.Client
	ledger      *LedgerService
	genQueue    *queue.GenerationQueue
	limiter     *cache.RateLimiter
	jobService  *JobService
}

func newJobFixture(t *testing.T, maxQueueSize, maxConcurrent int64, rateLimit int) *jobFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	redisClient := testutil.NewTestRedis(t)

	ledger := NewLedgerService(db, redisClient)
	genQueue := queue.NewGenerationQueue(redisClient, "test_jobs")
	limiter := cache.NewRateLimiter(redisClient, "test:ratelimit", rateLimit, time.Hour)
	jobService := NewJobService(db, ledger, genQueue, limiter, 10, maxQueueSize, maxConcurrent)

	return &jobFixture{
		db:          db,
		redisClient: redisClient,
		ledger:      ledger,
		genQueue:    genQueue,
		limiter:     limiter,
		jobService:  jobService,
	}
}

func (f *jobFixture) topup(t *testing.T, userID, amount int64) {
	t.Helper()
	require.NoError(t, f.ledger.AddCredits(context.Background(), userID, amount,
		model.TransactionTypeTopup, "pay-test", "充值"))
}

func createReq(userID int64) *CreateJobRequest {
	return &CreateJobRequest{
		UserID: userID,
		Prompt: "一只戴帽子的猫",
	}
}

func TestCreateJobHappyPath(t *testing.T) {
	f := newJobFixture(t, 100, 1, 10)
	ctx := context.Background()
	f.topup(t, 1, 100)

	result, err := f.jobService.CreateJob(ctx, createReq(1))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, result.Status)
	assert.Equal(t, int64(10), result.Cost)

	// 积分已预留
	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance.Available)
	assert.Equal(t, int64(10), balance.Reserved)

	// 任务已入队
	depth, err := f.genQueue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	// 限流计数已递增
	_, count, err := f.limiter.Allow(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateJobQueueFull(t *testing.T) {
	f := newJobFixture(t, 1, 10, 10)
	ctx := context.Background()
	f.topup(t, 1, 100)
	f.topup(t, 2, 100)

	_, err := f.jobService.CreateJob(ctx, createReq(1))
	require.NoError(t, err)

	_, err = f.jobService.CreateJob(ctx, createReq(2))
	assert.ErrorIs(t, err, ErrQueueFull)

	// 被拒绝的请求不留任何痕迹
	balance, err := f.ledger.GetBalance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Available)
	assert.Equal(t, int64(0), balance.Reserved)

	_, count, err := f.limiter.Allow(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCreateJobConcurrencyLimit(t *testing.T) {
	f := newJobFixture(t, 100, 1, 10)
	ctx := context.Background()
	f.topup(t, 1, 100)

	_, err := f.jobService.CreateJob(ctx, createReq(1))
	require.NoError(t, err)

	_, err = f.jobService.CreateJob(ctx, createReq(1))
	assert.ErrorIs(t, err, ErrConcurrencyLimit)

	// 第二次请求没有动过积分
	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Reserved)
}

func TestCreateJobRateLimited(t *testing.T) {
	f := newJobFixture(t, 100, 10, 2)
	ctx := context.Background()
	f.topup(t, 1, 100)

	for i := 0; i < 2; i++ {
		result, err := f.jobService.CreateJob(ctx, createReq(1))
		require.NoError(t, err)
		// 让并发闸不挡路
		_, err = f.jobService.CancelJob(ctx, 1, result.JobID)
		require.NoError(t, err)
	}

	_, err := f.jobService.CreateJob(ctx, createReq(1))
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestCreateJobInsufficientCredits(t *testing.T) {
	f := newJobFixture(t, 100, 1, 10)
	ctx := context.Background()
	f.topup(t, 1, 5)

	_, err := f.jobService.CreateJob(ctx, createReq(1))
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	// 预留失败不计入限流窗口
	_, count, err := f.limiter.Allow(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCancelJobReleasesReserved(t *testing.T) {
	f := newJobFixture(t, 100, 1, 10)
	ctx := context.Background()
	f.topup(t, 1, 100)

	result, err := f.jobService.CreateJob(ctx, createReq(1))
	require.NoError(t, err)

	released, err := f.jobService.CancelJob(ctx, 1, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), released)

	job, err := f.jobService.GetJob(ctx, 1, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, job.Status)

	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Available)
	assert.Equal(t, int64(0), balance.Reserved)
}

func TestCancelJobTwice(t *testing.T) {
	f := newJobFixture(t, 100, 1, 10)
	ctx := context.Background()
	f.topup(t, 1, 100)

	result, err := f.jobService.CreateJob(ctx, createReq(1))
	require.NoError(t, err)

	_, err = f.jobService.CancelJob(ctx, 1, result.JobID)
	require.NoError(t, err)

	// 第二次取消：任务已终态，不会再退一次积分
	_, err = f.jobService.CancelJob(ctx, 1, result.JobID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Available)
}

func TestCancelJobOfAnotherUser(t *testing.T) {
	f := newJobFixture(t, 100, 1, 10)
	ctx := context.Background()
	f.topup(t, 1, 100)

	result, err := f.jobService.CreateJob(ctx, createReq(1))
	require.NoError(t, err)

	_, err = f.jobService.CancelJob(ctx, 2, result.JobID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestEnqueueFailureReleasesReservationAndFailsJob(t *testing.T) {
	f := newJobFixture(t, 100, 1, 10)
	ctx := context.Background()
	f.topup(t, 1, 100)

	// 复现中断点：预留成功、任务已落库，入队失败
	require.NoError(t, f.ledger.Reserve(ctx, 1, 10))
	jobRepo := repository.NewJobRepository(f.db)
	job := &model.GenerationJob{
		JobID:  "job-broken-enqueue",
		UserID: 1,
		Prompt: "测试",
		Cost:   10,
		Status: model.JobStatusPending,
	}
	require.NoError(t, jobRepo.Create(ctx, nil, job))

	f.jobService.failJobAndRelease(ctx, job, "入队失败")

	got, err := jobRepo.GetByJobID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, "入队失败", got.Error)

	// 预留已退回，不留悬挂
	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Available)
	assert.Equal(t, int64(0), balance.Reserved)

	// 半途失败不计入限流窗口
	_, count, err := f.limiter.Allow(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestInsertFailureCompensatesReservation(t *testing.T) {
	f := newJobFixture(t, 100, 1, 10)
	ctx := context.Background()
	f.topup(t, 1, 100)

	// 复现中断点：预留成功，任务落库失败（还没有任务可标记）
	require.NoError(t, f.ledger.Reserve(ctx, 1, 10))

	f.jobService.compensateReserve(ctx, 1, "任务落库失败")

	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Available)
	assert.Equal(t, int64(0), balance.Reserved)

	_, count, err := f.limiter.Allow(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCancelJobNotFound(t *testing.T) {
	f := newJobFixture(t, 100, 1, 10)

	_, err := f.jobService.CancelJob(context.Background(), 1, "JOB-nope")
	assert.ErrorIs(t, err, repository.ErrJobNotFound)
}
