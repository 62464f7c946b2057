package model

import (
	"time"
)

// Balance 用户积分账户表
// 记录用户的可用积分与预留积分，是整个计费系统的核心数据
//
// 不变式：Available >= 0 且 Reserved >= 0
// Available + Reserved 等于该用户所有流水金额之和
type Balance struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`       // 用户ID，业务方传入
	Available int64     `gorm:"not null;default:0" json:"available"`       // 可用积分
	Reserved  int64     `gorm:"not null;default:0" json:"reserved"`        // 预留积分（任务执行期间冻结）
	Version   int       `gorm:"not null;default:0" json:"version"`         // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Balance) TableName() string {
	return "balance"
}
