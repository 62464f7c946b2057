package service

import (
	"context"
	"testing"
	"time"

	"nanogen/internal/model"
	"nanogen/internal/repository"
	"nanogen/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type referralFixture struct {
	db              *gorm.DB
	ledger          *LedgerService
	referralRepo    *repository.ReferralRepository
	referralService *ReferralService
}

func newReferralFixture(t *testing.T, rewardCap int64) *referralFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	redisClient := testutil.NewTestRedis(t)

	ledger := NewLedgerService(db, redisClient)
	notify := NewNotifyService(db, "user_notify")
	referralService := NewReferralService(db, ledger, notify, 30, 20, rewardCap)

	return &referralFixture{
		db:              db,
		ledger:          ledger,
		referralRepo:    repository.NewReferralRepository(db),
		referralService: referralService,
	}
}

func TestRegisterGrantsWelcomeBonusOnce(t *testing.T) {
	f := newReferralFixture(t, 10)
	ctx := context.Background()

	require.NoError(t, f.referralService.Register(ctx, 1, 0))
	require.NoError(t, f.referralService.Register(ctx, 1, 0))

	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance.Available)
}

func TestRegisterRejectsSelfReferral(t *testing.T) {
	f := newReferralFixture(t, 10)

	err := f.referralService.Register(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrSelfReferral)
}

func TestFirstCompletionRewardsReferrer(t *testing.T) {
	f := newReferralFixture(t, 10)
	ctx := context.Background()

	require.NoError(t, f.referralService.Register(ctx, 2, 1))
	require.NoError(t, f.referralService.ActivateOnFirstCompletion(ctx, 2))

	referral, err := f.referralRepo.GetByReferredUserID(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, referral)
	assert.Equal(t, model.ReferralStatusRewarded, referral.Status)
	require.NotNil(t, referral.RewardedAt)

	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance.Available)
}

func TestSecondCompletionIsNoop(t *testing.T) {
	f := newReferralFixture(t, 10)
	ctx := context.Background()

	require.NoError(t, f.referralService.Register(ctx, 2, 1))
	require.NoError(t, f.referralService.ActivateOnFirstCompletion(ctx, 2))
	require.NoError(t, f.referralService.ActivateOnFirstCompletion(ctx, 2))

	// 奖励只发一次
	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance.Available)
}

func TestCompletionWithoutReferralIsNoop(t *testing.T) {
	f := newReferralFixture(t, 10)

	assert.NoError(t, f.referralService.ActivateOnFirstCompletion(context.Background(), 99))
}

func TestDailyRewardCap(t *testing.T) {
	f := newReferralFixture(t, 2)
	ctx := context.Background()

	// 邀请人1今天已有两个被奖励的邀请
	now := time.Now()
	for _, uid := range []int64{10, 11} {
		require.NoError(t, f.referralRepo.Create(ctx, nil, &model.Referral{
			ReferredUserID: uid,
			ReferrerID:     1,
			Status:         model.ReferralStatusRewarded,
			RewardedAt:     &now,
		}))
	}

	require.NoError(t, f.referralService.Register(ctx, 12, 1))
	require.NoError(t, f.referralService.ActivateOnFirstCompletion(ctx, 12))

	// 超出日上限：状态推进到 ACTIVATED 但不发积分
	referral, err := f.referralRepo.GetByReferredUserID(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, model.ReferralStatusActivated, referral.Status)

	balance, err := f.ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Available)
}
