package repository

import (
	"context"
	"errors"
	"time"

	"nanogen/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPaymentNotFound         = errors.New("支付记录不存在")
	ErrPaymentAlreadyProcessed = errors.New("支付已入账")
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(payment).Error
}

func (r *PaymentRepository) GetByPaymentID(ctx context.Context, paymentID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// MarkProcessed 写入幂等标记
// 条件 processed_at IS NULL 保证同一外部事件至多入账一次，
// 已处理过时返回 ErrPaymentAlreadyProcessed
func (r *PaymentRepository) MarkProcessed(ctx context.Context, tx *gorm.DB, paymentID, status, rawPayload string) error {
	if tx == nil {
		tx = r.db
	}
	now := time.Now()
	result := tx.WithContext(ctx).
		Model(&model.Payment{}).
		Where("payment_id = ? AND processed_at IS NULL", paymentID).
		Updates(map[string]interface{}{
			"status":       status,
			"raw_payload":  rawPayload,
			"processed_at": &now,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPaymentAlreadyProcessed
	}
	return nil
}
