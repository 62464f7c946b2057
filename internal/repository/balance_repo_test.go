package repository

import (
	"context"
	"testing"

	"nanogen/internal/model"
	"nanogen/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(jobID string) *model.GenerationJob {
	return &model.GenerationJob{
		JobID:  jobID,
		UserID: 1,
		Prompt: "测试",
		Cost:   10,
		Status: model.JobStatusPending,
	}
}

func TestReserveConditionGuardsNegativeBalance(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewBalanceRepository(db)
	ctx := context.Background()

	_, err := repo.GetOrCreate(ctx, nil, 1)
	require.NoError(t, err)
	require.NoError(t, repo.AddAvailable(ctx, nil, 1, 10))

	require.NoError(t, repo.Reserve(ctx, nil, 1, 10))

	// 可用已清零，再预留必须失败
	err = repo.Reserve(ctx, nil, 1, 1)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestCommitReservedGuard(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewBalanceRepository(db)
	ctx := context.Background()

	_, err := repo.GetOrCreate(ctx, nil, 1)
	require.NoError(t, err)
	require.NoError(t, repo.AddAvailable(ctx, nil, 1, 10))
	require.NoError(t, repo.Reserve(ctx, nil, 1, 5))

	err = repo.CommitReserved(ctx, nil, 1, 6)
	assert.ErrorIs(t, err, ErrReservedNotEnough)

	require.NoError(t, repo.CommitReserved(ctx, nil, 1, 5))

	balance, err := repo.Get(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.Available)
	assert.Equal(t, int64(0), balance.Reserved)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewBalanceRepository(db)
	ctx := context.Background()

	first, err := repo.GetOrCreate(ctx, nil, 1)
	require.NoError(t, err)
	require.NoError(t, repo.AddAvailable(ctx, nil, 1, 10))

	second, err := repo.GetOrCreate(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(10), second.Available)
}

func TestJobStatusTransitionGuard(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newTestJob("job-1")))

	// 非法转换直接拒绝
	err := repo.UpdateStatus(ctx, nil, "job-1", "PENDING", "COMPLETED", nil)
	assert.ErrorIs(t, err, ErrJobStatusInvalid)

	require.NoError(t, repo.UpdateStatus(ctx, nil, "job-1", "PENDING", "PROCESSING", nil))

	// 状态已改走，按旧状态转换是 no-op
	err = repo.UpdateStatus(ctx, nil, "job-1", "PENDING", "CANCELLED", nil)
	assert.ErrorIs(t, err, ErrJobStatusInvalid)
}
