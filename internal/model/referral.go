package model

import (
	"time"
)

const (
	ReferralStatusRegistered = "REGISTERED" // 已注册
	ReferralStatusActivated  = "ACTIVATED"  // 完成首次生成
	ReferralStatusRewarded   = "REWARDED"   // 邀请人已获奖励
)

// Referral 邀请关系表
// 邀请人只在被邀请用户完成首次生成后获得奖励（防刷）
type Referral struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ReferredUserID int64      `gorm:"uniqueIndex;not null" json:"referred_user_id"` // 被邀请人
	ReferrerID     int64      `gorm:"index;not null" json:"referrer_id"`            // 邀请人
	Status         string     `gorm:"type:varchar(20);index;not null;default:REGISTERED" json:"status"`
	RegisteredAt   time.Time  `gorm:"autoCreateTime" json:"registered_at"`
	ActivatedAt    *time.Time `json:"activated_at"`
	RewardedAt     *time.Time `json:"rewarded_at"`
}

func (Referral) TableName() string {
	return "referral"
}
