package repository

import (
	"context"
	"errors"
	"time"

	"nanogen/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReferralRepository struct {
	db *gorm.DB
}

func NewReferralRepository(db *gorm.DB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

// Create 登记邀请关系，同一被邀请人重复登记时静默忽略
func (r *ReferralRepository) Create(ctx context.Context, tx *gorm.DB, referral *model.Referral) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "referred_user_id"}},
			DoNothing: true,
		}).
		Create(referral).Error
}

func (r *ReferralRepository) GetByReferredUserID(ctx context.Context, referredUserID int64) (*model.Referral, error) {
	var referral model.Referral
	err := r.db.WithContext(ctx).Where("referred_user_id = ?", referredUserID).First(&referral).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &referral, nil
}

// UpdateStatus 条件更新邀请状态，状态已变更时 RowsAffected == 0
func (r *ReferralRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, referredUserID int64, fromStatus, toStatus string, extra map[string]interface{}) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	updates := map[string]interface{}{
		"status": toStatus,
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.Referral{}).
		Where("referred_user_id = ? AND status = ?", referredUserID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CountRewardedSince 某邀请人自某时刻以来已获奖励的邀请数（日上限防刷）
func (r *ReferralRepository) CountRewardedSince(ctx context.Context, referrerID int64, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Referral{}).
		Where("referrer_id = ? AND status = ? AND rewarded_at >= ?", referrerID, model.ReferralStatusRewarded, since).
		Count(&count).Error
	return count, err
}
