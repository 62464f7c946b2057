package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"nanogen/internal/infrastructure/lock"
	"nanogen/internal/model"
	"nanogen/internal/repository"
	"nanogen/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientCredits 可用积分不足，调用方可提示用户充值后重试
	ErrInsufficientCredits = repository.ErrInsufficientCredits
	// ErrInvariantViolation 预留积分对不上，说明上游生命周期有 bug
	ErrInvariantViolation = errors.New("预留积分不变式被破坏")
)

// LedgerService 积分账本
//
// Reserve/Commit/Release/AddCredits 对同一用户全部经过按用户维度的
// 分布式锁 + 条件更新双重保护：锁把读-查-写全序化，条件更新兜底保证
// 余额永不为负。余额变更与流水落库在同一个数据库事务内。
type LedgerService struct {
	db              *gorm.DB
	redisClient     *redis.Client
	balanceRepo     *repository.BalanceRepository
	transactionRepo *repository.TransactionRepository
}

func NewLedgerService(db *gorm.DB, redisClient *redis.Client) *LedgerService {
	return &LedgerService{
		db:              db,
		redisClient:     redisClient,
		balanceRepo:     repository.NewBalanceRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

// BalanceInfo 余额信息
type BalanceInfo struct {
	UserID    int64 `json:"user_id"`
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Total     int64 `json:"total"`
}

func (s *LedgerService) lockUser(ctx context.Context, userID int64, holder string) (*lock.DistributedLock, error) {
	userLock := lock.NewUserLock(s.redisClient, userID, holder)
	if err := userLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("获取用户锁失败: %w", err)
	}
	return userLock, nil
}

// Reserve 预留积分
// available >= amount 时把 amount 从可用移入预留；不足时不改任何状态。
// 临界余额下的并发调用只有一个能成功。
func (s *LedgerService) Reserve(ctx context.Context, userID int64, amount int64) error {
	if amount <= 0 {
		return errors.New("预留金额必须大于0")
	}

	userLock, err := s.lockUser(ctx, userID, fmt.Sprintf("reserve:%d", time.Now().UnixNano()))
	if err != nil {
		return err
	}
	defer userLock.Unlock(ctx)

	return s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.balanceRepo.GetOrCreate(ctx, tx, userID); err != nil {
			return fmt.Errorf("获取账户失败: %w", err)
		}

		if err := s.balanceRepo.Reserve(ctx, tx, userID, amount); err != nil {
			if errors.Is(err, repository.ErrInsufficientCredits) {
				return ErrInsufficientCredits
			}
			return fmt.Errorf("预留积分失败: %w", err)
		}
		return nil
	})
}

// Commit 正式扣除预留积分并记 GENERATION_DEBIT 流水
// reserved < amount 属于上游生命周期 bug，返回 ErrInvariantViolation
func (s *LedgerService) Commit(ctx context.Context, userID int64, amount int64, referenceID string) error {
	userLock, err := s.lockUser(ctx, userID, fmt.Sprintf("commit:%s", referenceID))
	if err != nil {
		return err
	}
	defer userLock.Unlock(ctx)

	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.commitTx(ctx, tx, userID, amount, referenceID)
	})
}

// CommitTx 在调用方事务内扣除预留积分，任务状态翻转与扣款因此同生共死
func (s *LedgerService) CommitTx(ctx context.Context, tx *gorm.DB, userID int64, amount int64, referenceID string) error {
	return s.commitTx(ctx, tx, userID, amount, referenceID)
}

func (s *LedgerService) commitTx(ctx context.Context, tx *gorm.DB, userID int64, amount int64, referenceID string) error {
	// 行锁读取：流水的前后余额以锁定时刻为准，并发入账不会让审计值失真
	balance, err := s.balanceRepo.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("查询账户失败: %w", err)
	}

	if balance.Reserved < amount {
		log.Printf("[Ledger] 扣款失败，预留不足: userID=%d, reserved=%d, amount=%d",
			userID, balance.Reserved, amount)
		return ErrInvariantViolation
	}

	if err := s.balanceRepo.CommitReserved(ctx, tx, userID, amount); err != nil {
		if errors.Is(err, repository.ErrReservedNotEnough) {
			return ErrInvariantViolation
		}
		return fmt.Errorf("扣除预留积分失败: %w", err)
	}

	balanceBefore := balance.Available + balance.Reserved
	trans := &model.CreditTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		Amount:        -amount,
		Type:          model.TransactionTypeGenerationDebit,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceBefore - amount,
		ReferenceID:   referenceID,
		Remark:        "图片生成扣款",
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return fmt.Errorf("记录流水失败: %w", err)
	}

	log.Printf("[Ledger] 扣款成功: userID=%d, amount=%d, reference=%s", userID, amount, referenceID)
	return nil
}

// Release 把预留积分退回可用，返回实际退回的数量
//
// 请求退回量超过当前预留时收敛到实际预留量并放行 —— 恢复路径上
// 可用性优先于严格一致。这种情况意味着上游出了真问题，按 error
// 级别记录以便排查。
func (s *LedgerService) Release(ctx context.Context, userID int64, amount int64) (int64, error) {
	userLock, err := s.lockUser(ctx, userID, fmt.Sprintf("release:%d", time.Now().UnixNano()))
	if err != nil {
		return 0, err
	}
	defer userLock.Unlock(ctx)

	var released int64
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		released, txErr = s.releaseTx(ctx, tx, userID, amount)
		return txErr
	})
	return released, err
}

// ReleaseTx 在调用方事务内退回预留积分（取消、超时、失败路径共用）
func (s *LedgerService) ReleaseTx(ctx context.Context, tx *gorm.DB, userID int64, amount int64) (int64, error) {
	return s.releaseTx(ctx, tx, userID, amount)
}

func (s *LedgerService) releaseTx(ctx context.Context, tx *gorm.DB, userID int64, amount int64) (int64, error) {
	balance, err := s.balanceRepo.GetForUpdate(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrBalanceNotFound) {
			log.Printf("[Ledger] ERROR 退回积分时账户不存在: userID=%d, amount=%d", userID, amount)
			return 0, nil
		}
		return 0, fmt.Errorf("查询账户失败: %w", err)
	}

	toRelease := amount
	if balance.Reserved < amount {
		log.Printf("[Ledger] ERROR 退回量超过预留量，收敛处理: userID=%d, reserved=%d, amount=%d",
			userID, balance.Reserved, amount)
		toRelease = balance.Reserved
	}

	if toRelease == 0 {
		return 0, nil
	}

	if err := s.balanceRepo.ReleaseReserved(ctx, tx, userID, toRelease); err != nil {
		return 0, fmt.Errorf("退回预留积分失败: %w", err)
	}

	log.Printf("[Ledger] 退回积分: userID=%d, released=%d", userID, toRelease)
	return toRelease, nil
}

// AddCredits 无条件增加可用积分并记流水（充值、赠送、管理员调整）
func (s *LedgerService) AddCredits(ctx context.Context, userID int64, amount int64, txType, referenceID, remark string) error {
	if amount <= 0 {
		return errors.New("入账金额必须大于0")
	}

	userLock, err := s.lockUser(ctx, userID, fmt.Sprintf("add:%s", referenceID))
	if err != nil {
		return err
	}
	defer userLock.Unlock(ctx)

	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.addCreditsTx(ctx, tx, userID, amount, txType, referenceID, remark)
	})
}

// AddCreditsTx 在调用方事务内入账（webhook 入账与幂等标记共享事务用）
func (s *LedgerService) AddCreditsTx(ctx context.Context, tx *gorm.DB, userID int64, amount int64, txType, referenceID, remark string) error {
	return s.addCreditsTx(ctx, tx, userID, amount, txType, referenceID, remark)
}

func (s *LedgerService) addCreditsTx(ctx context.Context, tx *gorm.DB, userID int64, amount int64, txType, referenceID, remark string) error {
	if _, err := s.balanceRepo.GetOrCreate(ctx, tx, userID); err != nil {
		return fmt.Errorf("获取账户失败: %w", err)
	}
	balance, err := s.balanceRepo.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("查询账户失败: %w", err)
	}

	if err := s.balanceRepo.AddAvailable(ctx, tx, userID, amount); err != nil {
		return fmt.Errorf("入账失败: %w", err)
	}

	balanceBefore := balance.Available + balance.Reserved
	trans := &model.CreditTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		Amount:        amount,
		Type:          txType,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceBefore + amount,
		ReferenceID:   referenceID,
		Remark:        remark,
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return fmt.Errorf("记录流水失败: %w", err)
	}

	log.Printf("[Ledger] 入账成功: userID=%d, amount=%d, type=%s", userID, amount, txType)
	return nil
}

// GetBalance 查询余额，首次访问惰性创建零余额账户
func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (*BalanceInfo, error) {
	balance, err := s.balanceRepo.GetOrCreate(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	return &BalanceInfo{
		UserID:    userID,
		Available: balance.Available,
		Reserved:  balance.Reserved,
		Total:     balance.Available + balance.Reserved,
	}, nil
}

// ListTransactions 查询用户积分流水
func (s *LedgerService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}
