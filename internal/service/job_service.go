package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"nanogen/internal/infrastructure/cache"
	"nanogen/internal/infrastructure/queue"
	"nanogen/internal/model"
	"nanogen/internal/repository"
	"nanogen/pkg/idgen"

	"gorm.io/gorm"
)

var (
	ErrQueueFull        = errors.New("队列已满，请稍后再试")
	ErrConcurrencyLimit = errors.New("已有任务在处理中，请等待完成")
	ErrRateLimited      = errors.New("本小时生成次数已用完")
	ErrJobNotFound      = repository.ErrJobNotFound
	ErrForbidden        = errors.New("无权操作该任务")
	ErrAlreadyTerminal  = errors.New("任务已结束，无法取消")
)

// JobService 生成任务的准入与生命周期
//
// 准入按固定顺序做三道闸：队列容量 -> 用户并发 -> 小时限流。
// 三道闸都是只读检查，全部通过后才预留积分、落库、入队；
// 限流计数在所有步骤成功后才递增。任一后续步骤失败都会把
// 已预留的积分退回去，不留悬挂预留。
type JobService struct {
	db            *gorm.DB
	jobRepo       *repository.JobRepository
	ledgerService *LedgerService
	genQueue      *queue.GenerationQueue
	rateLimiter   *cache.RateLimiter
	cost          int64
	maxQueueSize  int64
	maxConcurrent int64
}

func NewJobService(
	db *gorm.DB,
	ledgerService *LedgerService,
	genQueue *queue.GenerationQueue,
	rateLimiter *cache.RateLimiter,
	cost int64,
	maxQueueSize int64,
	maxConcurrent int64,
) *JobService {
	return &JobService{
		db:            db,
		jobRepo:       repository.NewJobRepository(db),
		ledgerService: ledgerService,
		genQueue:      genQueue,
		rateLimiter:   rateLimiter,
		cost:          cost,
		maxQueueSize:  maxQueueSize,
		maxConcurrent: maxConcurrent,
	}
}

// CreateJobRequest 创建任务请求
type CreateJobRequest struct {
	UserID          int64                    `json:"user_id" binding:"required"`
	Prompt          string                   `json:"prompt" binding:"required"`
	ReferenceAssets []string                 `json:"reference_assets"`
	Settings        model.GenerationSettings `json:"settings"`
}

// CreateJobResult 创建任务返回
type CreateJobResult struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	Cost          int64  `json:"cost"`
	QueuePosition int64  `json:"queue_position"`
}

// CreateJob 提交生成任务
//
// 检查顺序固定：队列容量、用户并发上限、小时限流。被任何一道闸
// 拒绝都不改变任何状态。通过后依次：预留积分、任务落库（PENDING）、
// 入队，最后才递增限流计数。入队失败走补偿：退预留 + 任务置 FAILED。
func (s *JobService) CreateJob(ctx context.Context, req *CreateJobRequest) (*CreateJobResult, error) {
	// 第一道闸：队列容量
	size, err := s.genQueue.Size(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询队列深度失败: %w", err)
	}
	if size >= s.maxQueueSize {
		return nil, ErrQueueFull
	}

	// 第二道闸：用户并发
	active, err := s.jobRepo.CountActive(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("查询在途任务失败: %w", err)
	}
	if active >= s.maxConcurrent {
		return nil, ErrConcurrencyLimit
	}

	// 第三道闸：小时限流（只读）
	allowed, _, err := s.rateLimiter.Allow(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("查询限流计数失败: %w", err)
	}
	if !allowed {
		return nil, ErrRateLimited
	}

	// 预留积分
	if err := s.ledgerService.Reserve(ctx, req.UserID, s.cost); err != nil {
		return nil, err
	}

	job, err := s.buildJob(req)
	if err != nil {
		s.compensateReserve(ctx, req.UserID, "构造任务失败")
		return nil, err
	}

	if err := s.jobRepo.Create(ctx, nil, job); err != nil {
		s.compensateReserve(ctx, req.UserID, "任务落库失败")
		return nil, fmt.Errorf("任务落库失败: %w", err)
	}

	payload, err := model.NewJobPayload(job)
	if err != nil {
		s.failJobAndRelease(ctx, job, "构造队列消息失败")
		return nil, err
	}

	if err := s.genQueue.Enqueue(ctx, payload); err != nil {
		s.failJobAndRelease(ctx, job, "入队失败")
		return nil, fmt.Errorf("任务入队失败: %w", err)
	}

	// 全部成功，此时才计入限流窗口
	if err := s.rateLimiter.Increment(ctx, req.UserID); err != nil {
		log.Printf("[JobService] 限流计数递增失败（不回滚任务）: userID=%d, err=%v", req.UserID, err)
	}

	log.Printf("[JobService] 任务创建成功: jobID=%s, userID=%d, cost=%d", job.JobID, req.UserID, s.cost)

	return &CreateJobResult{
		JobID:         job.JobID,
		Status:        job.Status,
		Cost:          job.Cost,
		QueuePosition: size + 1,
	}, nil
}

func (s *JobService) buildJob(req *CreateJobRequest) (*model.GenerationJob, error) {
	refAssets, err := json.Marshal(req.ReferenceAssets)
	if err != nil {
		return nil, err
	}
	settings, err := json.Marshal(req.Settings)
	if err != nil {
		return nil, err
	}
	return &model.GenerationJob{
		JobID:           idgen.GenerateJobNo(),
		UserID:          req.UserID,
		Prompt:          req.Prompt,
		ReferenceAssets: string(refAssets),
		Settings:        string(settings),
		Cost:            s.cost,
		Status:          model.JobStatusPending,
	}, nil
}

// compensateReserve 预留成功但任务尚未落库时的补偿：直接退回预留
func (s *JobService) compensateReserve(ctx context.Context, userID int64, reason string) {
	if _, err := s.ledgerService.Release(ctx, userID, s.cost); err != nil {
		log.Printf("[JobService] 补偿退还失败: userID=%d, reason=%s, err=%v", userID, reason, err)
	}
}

// failJobAndRelease 任务已落库但后续步骤失败：状态置 FAILED 并退预留
func (s *JobService) failJobAndRelease(ctx context.Context, job *model.GenerationJob, reason string) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.jobRepo.UpdateStatus(ctx, tx, job.JobID, model.JobStatusPending, model.JobStatusFailed,
			map[string]interface{}{"error": reason}); err != nil {
			return err
		}
		_, err := s.ledgerService.ReleaseTx(ctx, tx, job.UserID, job.Cost)
		return err
	})
	if err != nil {
		log.Printf("[JobService] 补偿失败: jobID=%s, reason=%s, err=%v", job.JobID, reason, err)
	}
}

// CancelJob 取消任务并退还预留积分，返回实际退还数量
// 只有任务属主可取消；终态任务返回 ErrAlreadyTerminal。
// 状态翻转与退款在同一事务内，翻转失败（已被 worker 改走）不退款。
func (s *JobService) CancelJob(ctx context.Context, userID int64, jobID string) (int64, error) {
	// 读到的状态可能在取消落库前被 worker 改走（PENDING -> PROCESSING），
	// 条件更新不命中时按新状态再试一次
	for attempt := 0; attempt < 2; attempt++ {
		job, err := s.jobRepo.GetByJobID(ctx, jobID)
		if err != nil {
			return 0, err
		}
		if job.UserID != userID {
			return 0, ErrForbidden
		}
		if model.IsTerminalJobStatus(job.Status) {
			return 0, ErrAlreadyTerminal
		}

		var released int64
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.jobRepo.UpdateStatus(ctx, tx, jobID, job.Status, model.JobStatusCancelled, nil); err != nil {
				return err
			}
			var txErr error
			released, txErr = s.ledgerService.ReleaseTx(ctx, tx, userID, job.Cost)
			return txErr
		})
		if err != nil {
			if errors.Is(err, repository.ErrJobStatusInvalid) {
				continue
			}
			return 0, err
		}

		log.Printf("[JobService] 任务已取消: jobID=%s, userID=%d, released=%d", jobID, userID, released)
		return released, nil
	}

	// 两次都撞车：任务已被 worker 落了终态
	return 0, ErrAlreadyTerminal
}

// GetJob 查询任务详情（仅属主可见）
func (s *JobService) GetJob(ctx context.Context, userID int64, jobID string) (*model.GenerationJob, error) {
	job, err := s.jobRepo.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrForbidden
	}
	return job, nil
}

// ListUserJobs 分页查询用户任务
func (s *JobService) ListUserJobs(ctx context.Context, userID int64, page, pageSize int) ([]*model.GenerationJob, int64, error) {
	return s.jobRepo.ListByUserID(ctx, userID, page, pageSize)
}

// QueueDepth 当前队列深度
func (s *JobService) QueueDepth(ctx context.Context) (int64, error) {
	return s.genQueue.Size(ctx)
}
