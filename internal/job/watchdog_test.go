package job

import (
	"context"
	"testing"
	"time"

	"nanogen/internal/model"
	"nanogen/internal/repository"
	"nanogen/internal/service"
	"nanogen/internal/testutil"
	"nanogen/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type watchdogFixture struct {
	db       *gorm.DB
	jobRepo  *repository.JobRepository
	ledger   *service.LedgerService
	watchdog *WatchdogJob
}

func newWatchdogFixture(t *testing.T) *watchdogFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	redisClient := testutil.NewTestRedis(t)

	ledger := service.NewLedgerService(db, redisClient)
	notify := service.NewNotifyService(db, "user_notify")
	watchdog := NewWatchdogJob(db, ledger, notify, time.Minute, 10*time.Minute)

	return &watchdogFixture{
		db:       db,
		jobRepo:  repository.NewJobRepository(db),
		ledger:   ledger,
		watchdog: watchdog,
	}
}

// seedProcessingJob 落一条 PROCESSING 任务，started_at 可控
func (f *watchdogFixture) seedProcessingJob(t *testing.T, jobID string, userID, cost int64, startedAt time.Time) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.ledger.AddCredits(ctx, userID, 100, model.TransactionTypeTopup, "pay-test", "充值"))
	require.NoError(t, f.ledger.Reserve(ctx, userID, cost))
	require.NoError(t, f.jobRepo.Create(ctx, nil, &model.GenerationJob{
		JobID:     jobID,
		UserID:    userID,
		Prompt:    "测试",
		Cost:      cost,
		Status:    model.JobStatusProcessing,
		StartedAt: &startedAt,
	}))
}

func TestSweepReapsStuckJob(t *testing.T) {
	f := newWatchdogFixture(t)
	ctx := context.Background()
	f.seedProcessingJob(t, "job-1", 1, 10, time.Now().Add(-time.Hour))

	f.watchdog.Sweep(ctx)

	job, err := f.jobRepo.GetByJobID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, worker.ErrCodeTimeout, job.Error)

	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Available)
	assert.Equal(t, int64(0), balance.Reserved)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newWatchdogFixture(t)
	ctx := context.Background()
	f.seedProcessingJob(t, "job-1", 1, 10, time.Now().Add(-time.Hour))

	f.watchdog.Sweep(ctx)
	f.watchdog.Sweep(ctx)

	// 第二轮扫描不会再退一次积分
	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Available)
	assert.Equal(t, int64(0), balance.Reserved)
}

func TestSweepIgnoresFreshJob(t *testing.T) {
	f := newWatchdogFixture(t)
	ctx := context.Background()
	f.seedProcessingJob(t, "job-1", 1, 10, time.Now().Add(-time.Minute))

	f.watchdog.Sweep(ctx)

	job, err := f.jobRepo.GetByJobID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)

	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Reserved)
}

func TestSweepReapsOnlyProcessing(t *testing.T) {
	f := newWatchdogFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.AddCredits(ctx, 1, 100, model.TransactionTypeTopup, "pay-test", "充值"))
	require.NoError(t, f.ledger.Reserve(ctx, 1, 10))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, f.jobRepo.Create(ctx, nil, &model.GenerationJob{
		JobID:     "job-1",
		UserID:    1,
		Prompt:    "测试",
		Cost:      10,
		Status:    model.JobStatusPending,
		StartedAt: &old,
	}))

	f.watchdog.Sweep(ctx)

	// PENDING 任务在队列里等 worker，不归 watchdog 管
	job, err := f.jobRepo.GetByJobID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
}
