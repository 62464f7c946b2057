package model

import (
	"time"
)

const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusSucceeded = "SUCCEEDED"
	PaymentStatusCanceled  = "CANCELED"
)

// Payment 支付记录表
// PaymentID 为支付服务商的外部ID，webhook 按它查找记录
//
// 不变式：ProcessedAt 一旦写入，同一外部事件的重复投递必须是 no-op
type Payment struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID   string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"payment_id"` // 服务商支付ID
	TopupNo     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"topup_no"`    // 本系统充值单号
	UserID      int64      `gorm:"index;not null" json:"user_id"`
	Amount      int64      `gorm:"not null" json:"amount"`  // 支付金额（元）
	Credits     int64      `gorm:"not null" json:"credits"` // 应入账积分数
	Status      string     `gorm:"type:varchar(20);index;not null" json:"status"`
	RawPayload  string     `gorm:"type:text" json:"raw_payload"` // webhook 原始报文
	ProcessedAt *time.Time `json:"processed_at"`                 // 幂等标记，NULL 表示未入账
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payment) TableName() string {
	return "payment"
}
