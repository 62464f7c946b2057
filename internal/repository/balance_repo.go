package repository

import (
	"context"
	"errors"

	"nanogen/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBalanceNotFound     = errors.New("账户不存在")
	ErrInsufficientCredits = errors.New("积分不足")
	ErrReservedNotEnough   = errors.New("预留积分不足")
)

type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) Get(ctx context.Context, tx *gorm.DB, userID int64) (*model.Balance, error) {
	if tx == nil {
		tx = r.db
	}
	var balance model.Balance
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetForUpdate 行锁读取（SELECT ... FOR UPDATE）
// 事务内要以读到的余额计算流水前后值时必须用它，防止并发变更
// 让审计值失真
func (r *BalanceRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.Balance, error) {
	if tx == nil {
		tx = r.db
	}
	var balance model.Balance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetOrCreate 惰性创建零余额账户，账户一旦创建不再删除
func (r *BalanceRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, userID int64) (*model.Balance, error) {
	balance, err := r.Get(ctx, tx, userID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, ErrBalanceNotFound) {
		return nil, err
	}

	if tx == nil {
		tx = r.db
	}
	newBalance := &model.Balance{
		UserID:    userID,
		Available: 0,
		Reserved:  0,
	}
	err = tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newBalance).Error
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, tx, userID)
}

// Reserve 条件更新：只有 available >= amount 时才把积分移入预留
// RowsAffected == 0 表示积分不足（并发边界下也只有一个请求能成功）
func (r *BalanceRepository) Reserve(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ? AND available >= ?", userID, amount).
		Updates(map[string]interface{}{
			"available": gorm.Expr("available - ?", amount),
			"reserved":  gorm.Expr("reserved + ?", amount),
			"version":   gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// CommitReserved 把预留积分正式扣除
func (r *BalanceRepository) CommitReserved(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ? AND reserved >= ?", userID, amount).
		Updates(map[string]interface{}{
			"reserved": gorm.Expr("reserved - ?", amount),
			"version":  gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrReservedNotEnough
	}
	return nil
}

// ReleaseReserved 把预留积分退回可用
func (r *BalanceRepository) ReleaseReserved(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ? AND reserved >= ?", userID, amount).
		Updates(map[string]interface{}{
			"available": gorm.Expr("available + ?", amount),
			"reserved":  gorm.Expr("reserved - ?", amount),
			"version":   gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrReservedNotEnough
	}
	return nil
}

// AddAvailable 无条件增加可用积分（充值、赠送、管理员调整）
func (r *BalanceRepository) AddAvailable(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Balance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"available": gorm.Expr("available + ?", amount),
			"version":   gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}
	return nil
}
