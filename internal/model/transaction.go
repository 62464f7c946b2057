package model

import (
	"time"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	TransactionTypeTopup           = "TOPUP"            // 充值
	TransactionTypeGenerationDebit = "GENERATION_DEBIT" // 生成扣款
	TransactionTypeWelcomeBonus    = "WELCOME_BONUS"    // 新用户赠送
	TransactionTypeReferralBonus   = "REFERRAL_BONUS"   // 邀请奖励
	TransactionTypeAdminAdjust     = "ADMIN_ADJUST"     // 管理员调整
)

// ============================================================================
// 积分流水实体
// ============================================================================

// CreditTransaction 积分流水表
// 记录账户的每一笔积分变动，是对账与幂等校验的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 每笔流水关联引用ID（任务ID或支付ID）—— 便于对账与幂等判断
// 3. 记录变动前后余额 —— 便于校验余额一致性
type CreditTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID        int64     `gorm:"index;not null" json:"user_id"`                               // 用户ID
	Amount        int64     `gorm:"not null" json:"amount"`                                      // 金额（正数入账，负数出账）
	Type          string    `gorm:"type:varchar(32);index;not null" json:"type"`                 // 流水类型
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`                              // 变动前余额（可用+预留）
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`                               // 变动后余额
	ReferenceID   string    `gorm:"type:varchar(64);index" json:"reference_id"`                  // 关联任务ID或支付ID
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`                             // 备注
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}
