package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"nanogen/internal/model"
	"nanogen/internal/repository"

	"gorm.io/gorm"
)

var ErrSelfReferral = errors.New("不能邀请自己")

// ReferralService 邀请与新用户赠送
//
// 奖励只在被邀请人完成首次生成后发放（REGISTERED -> ACTIVATED ->
// REWARDED），条件更新保证每段转换只发生一次；邀请人每日获奖数
// 有上限，超出的激活照常推进状态但不发积分。
type ReferralService struct {
	db              *gorm.DB
	referralRepo    *repository.ReferralRepository
	transactionRepo *repository.TransactionRepository
	ledgerService   *LedgerService
	notifyService   *NotifyService
	welcomeCredits  int64
	bonusCredits    int64
	rewardCapPerDay int64
}

func NewReferralService(
	db *gorm.DB,
	ledgerService *LedgerService,
	notifyService *NotifyService,
	welcomeCredits, bonusCredits, rewardCapPerDay int64,
) *ReferralService {
	return &ReferralService{
		db:              db,
		referralRepo:    repository.NewReferralRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		ledgerService:   ledgerService,
		notifyService:   notifyService,
		welcomeCredits:  welcomeCredits,
		bonusCredits:    bonusCredits,
		rewardCapPerDay: rewardCapPerDay,
	}
}

// Register 新用户注册：发一次性新手积分，可选登记邀请关系
// 重复调用安全：新手积分按 WELCOME_BONUS 流水判重，邀请关系靠
// referred_user_id 唯一索引去重。
func (s *ReferralService) Register(ctx context.Context, userID int64, referrerID int64) error {
	if referrerID == userID {
		return ErrSelfReferral
	}

	count, err := s.transactionRepo.CountByUserAndType(ctx, userID, model.TransactionTypeWelcomeBonus)
	if err != nil {
		return fmt.Errorf("查询新手积分记录失败: %w", err)
	}
	if count == 0 && s.welcomeCredits > 0 {
		if err := s.ledgerService.AddCredits(ctx, userID, s.welcomeCredits,
			model.TransactionTypeWelcomeBonus, fmt.Sprintf("welcome:%d", userID), "新用户赠送"); err != nil {
			return fmt.Errorf("发放新手积分失败: %w", err)
		}
	}

	if referrerID > 0 {
		referral := &model.Referral{
			ReferredUserID: userID,
			ReferrerID:     referrerID,
			Status:         model.ReferralStatusRegistered,
		}
		if err := s.referralRepo.Create(ctx, nil, referral); err != nil {
			return fmt.Errorf("登记邀请关系失败: %w", err)
		}
		log.Printf("[Referral] 邀请关系已登记: referrer=%d, referred=%d", referrerID, userID)
	}
	return nil
}

// ActivateOnFirstCompletion 被邀请人完成一次生成后调用
// 首次完成推进 REGISTERED -> ACTIVATED 并尝试发奖；非首次调用
// 因条件更新不命中而自然退化为 no-op。
func (s *ReferralService) ActivateOnFirstCompletion(ctx context.Context, userID int64) error {
	referral, err := s.referralRepo.GetByReferredUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("查询邀请关系失败: %w", err)
	}
	if referral == nil || referral.Status != model.ReferralStatusRegistered {
		return nil
	}

	now := time.Now()
	activated, err := s.referralRepo.UpdateStatus(ctx, nil, userID,
		model.ReferralStatusRegistered, model.ReferralStatusActivated,
		map[string]interface{}{"activated_at": &now})
	if err != nil {
		return fmt.Errorf("更新邀请状态失败: %w", err)
	}
	if !activated {
		return nil
	}

	// 日上限以自然日零点为界
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	rewarded, err := s.referralRepo.CountRewardedSince(ctx, referral.ReferrerID, dayStart)
	if err != nil {
		return fmt.Errorf("查询奖励计数失败: %w", err)
	}
	if rewarded >= s.rewardCapPerDay {
		log.Printf("[Referral] 邀请人今日奖励已达上限，不发积分: referrer=%d, rewarded=%d",
			referral.ReferrerID, rewarded)
		return nil
	}

	moved, err := s.referralRepo.UpdateStatus(ctx, nil, userID,
		model.ReferralStatusActivated, model.ReferralStatusRewarded,
		map[string]interface{}{"rewarded_at": &now})
	if err != nil {
		return fmt.Errorf("更新邀请状态失败: %w", err)
	}
	if !moved {
		return nil
	}

	if err := s.ledgerService.AddCredits(ctx, referral.ReferrerID, s.bonusCredits,
		model.TransactionTypeReferralBonus, fmt.Sprintf("referral:%d", userID), "邀请奖励"); err != nil {
		return fmt.Errorf("发放邀请奖励失败: %w", err)
	}

	log.Printf("[Referral] 邀请奖励已发放: referrer=%d, referred=%d, bonus=%d",
		referral.ReferrerID, userID, s.bonusCredits)

	s.notifyService.Notify(ctx, referral.ReferrerID, NotifyKindReferralBonus,
		fmt.Sprintf("你邀请的好友完成了首次生成，奖励 %d 积分已到账", s.bonusCredits),
		fmt.Sprintf("referral:%d", userID))
	return nil
}
