package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"nanogen/internal/infrastructure/queue"
	"nanogen/internal/model"
	"nanogen/internal/repository"
	"nanogen/internal/service"

	"gorm.io/gorm"
)

// 错误码到用户文案的映射，未知错误码用兜底文案
var userFacingErrors = map[string]string{
	ErrCodeSafety:          "内容未通过安全审核，请调整后重试",
	ErrCodeNoImage:         "生成失败，请换个描述试试",
	ErrCodeTimeout:         "生成超时，积分已退还",
	ErrCodeNoReferenceImgs: "引用图片获取失败，请重新上传",
}

const defaultUserFacingError = "生成失败，积分已退还，请稍后重试"

// UserFacingError 错误码对应的用户文案
// 凭证 / 配额类错误对用户隐藏真实原因
func UserFacingError(code string) string {
	if IsBackendCredentialError(code) {
		return "服务暂时不可用，积分已退还，请稍后重试"
	}
	if msg, ok := userFacingErrors[code]; ok {
		return msg
	}
	return defaultUserFacingError
}

// Pool 生成任务消费者
//
// 每个 worker 独立循环：阻塞出队 -> PENDING 翻到 PROCESSING ->
// 调用后端 -> 终态落库 + 积分动作（同一事务）。翻转失败说明任务
// 已被取消或被 watchdog 收走，直接丢弃，不碰积分。
type Pool struct {
	db              *gorm.DB
	jobRepo         *repository.JobRepository
	ledgerService   *service.LedgerService
	notifyService   *service.NotifyService
	referralService *service.ReferralService
	genQueue        *queue.GenerationQueue
	generator       Generator

	workerCount    int
	genTimeout     time.Duration
	quotaCooldown  time.Duration
	dequeueTimeout time.Duration

	mu              sync.Mutex
	suppressedUntil time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPool(
	db *gorm.DB,
	ledgerService *service.LedgerService,
	notifyService *service.NotifyService,
	referralService *service.ReferralService,
	genQueue *queue.GenerationQueue,
	generator Generator,
	workerCount int,
	genTimeout time.Duration,
	quotaCooldown time.Duration,
) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Pool{
		db:              db,
		jobRepo:         repository.NewJobRepository(db),
		ledgerService:   ledgerService,
		notifyService:   notifyService,
		referralService: referralService,
		genQueue:        genQueue,
		generator:       generator,
		workerCount:     workerCount,
		genTimeout:      genTimeout,
		quotaCooldown:   quotaCooldown,
		dequeueTimeout:  5 * time.Second,
		stopCh:          make(chan struct{}),
	}
}

// Start 启动消费者
func (p *Pool) Start() {
	log.Printf("[Worker] 启动，worker数=%d, 生成超时=%v", p.workerCount, p.genTimeout)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop 停止消费者，等待在途任务处理完
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	log.Println("[Worker] 已停止")
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		// 后端冷却期内不取任务，让条目留在队列里
		if p.isSuppressed() {
			select {
			case <-p.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		payload, err := p.genQueue.Dequeue(ctx, p.dequeueTimeout)
		if err != nil {
			log.Printf("[Worker-%d] 出队失败: %v", id, err)
			select {
			case <-p.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if payload == nil {
			continue
		}

		p.ProcessJob(ctx, payload)
	}
}

func (p *Pool) isSuppressed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Before(p.suppressedUntil)
}

func (p *Pool) suppress() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suppressedUntil = time.Now().Add(p.quotaCooldown)
	log.Printf("[Worker] 后端凭证/配额异常，冷却至 %v", p.suppressedUntil.Format(time.RFC3339))
}

// ProcessJob 处理一条队列消息
// panic 边界：生成器炸了也要把任务置 FAILED 并退积分，不能让预留悬挂
func (p *Pool) ProcessJob(ctx context.Context, payload *model.JobPayload) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Worker] 处理任务 panic: jobID=%s, panic=%v", payload.JobID, r)
			p.handleFailure(ctx, payload, NewGenerationError(ErrCodeNetwork, "internal error"))
		}
	}()

	// PENDING -> PROCESSING；失败说明任务已被取消，丢弃
	if err := p.jobRepo.UpdateStatus(ctx, nil, payload.JobID, model.JobStatusPending, model.JobStatusProcessing, nil); err != nil {
		if errors.Is(err, repository.ErrJobStatusInvalid) {
			log.Printf("[Worker] 任务已不在 PENDING，跳过: jobID=%s", payload.JobID)
			return
		}
		log.Printf("[Worker] 任务状态翻转失败: jobID=%s, err=%v", payload.JobID, err)
		return
	}

	genCtx, cancel := context.WithTimeout(ctx, p.genTimeout)
	result, err := p.generator.Generate(genCtx, &GenerateRequest{
		Prompt:          payload.Prompt,
		ReferenceAssets: payload.ReferenceAssets,
		Settings:        payload.Settings,
	})
	cancel()

	if err != nil {
		p.handleFailure(ctx, payload, err)
		return
	}
	p.handleSuccess(ctx, payload, result)
}

// handleSuccess 终态翻转与扣款在同一事务
// 翻转失败意味着处理期间任务被取消（积分已退），必须放弃扣款
func (p *Pool) handleSuccess(ctx context.Context, payload *model.JobPayload, result *GenerateResult) {
	job, err := p.jobRepo.GetByJobID(ctx, payload.JobID)
	if err != nil {
		log.Printf("[Worker] 查询任务失败: jobID=%s, err=%v", payload.JobID, err)
		return
	}

	err = p.db.Transaction(func(tx *gorm.DB) error {
		if err := p.jobRepo.UpdateStatus(ctx, tx, payload.JobID, model.JobStatusProcessing, model.JobStatusCompleted,
			map[string]interface{}{
				"image_path": result.ImagePath,
				"seed":       result.Seed,
			}); err != nil {
			return err
		}
		return p.ledgerService.CommitTx(ctx, tx, payload.UserID, job.Cost, payload.JobID)
	})
	if err != nil {
		if errors.Is(err, repository.ErrJobStatusInvalid) {
			log.Printf("[Worker] 完成时任务已被取消，放弃扣款: jobID=%s", payload.JobID)
			return
		}
		log.Printf("[Worker] 完成事务失败: jobID=%s, err=%v", payload.JobID, err)
		return
	}

	log.Printf("[Worker] 任务完成: jobID=%s, userID=%d, image=%s", payload.JobID, payload.UserID, result.ImagePath)

	p.notifyService.Notify(ctx, payload.UserID, service.NotifyKindJobCompleted, "图片生成完成", payload.JobID)

	if err := p.referralService.ActivateOnFirstCompletion(ctx, payload.UserID); err != nil {
		log.Printf("[Worker] 邀请激活处理失败: userID=%d, err=%v", payload.UserID, err)
	}
}

// handleFailure 任务置 FAILED 并退预留积分（同一事务）
func (p *Pool) handleFailure(ctx context.Context, payload *model.JobPayload, genErr error) {
	code := ErrorCode(genErr)
	log.Printf("[Worker] 任务失败: jobID=%s, code=%s, err=%v", payload.JobID, code, genErr)

	if IsBackendCredentialError(code) {
		p.suppress()
	}

	job, err := p.jobRepo.GetByJobID(ctx, payload.JobID)
	if err != nil {
		log.Printf("[Worker] 查询任务失败: jobID=%s, err=%v", payload.JobID, err)
		return
	}

	err = p.db.Transaction(func(tx *gorm.DB) error {
		if err := p.jobRepo.UpdateStatus(ctx, tx, payload.JobID, model.JobStatusProcessing, model.JobStatusFailed,
			map[string]interface{}{"error": code}); err != nil {
			return err
		}
		_, txErr := p.ledgerService.ReleaseTx(ctx, tx, payload.UserID, job.Cost)
		return txErr
	})
	if err != nil {
		if errors.Is(err, repository.ErrJobStatusInvalid) {
			// 已被取消或被 watchdog 收走，积分动作由对方完成
			log.Printf("[Worker] 失败落库时任务已不在 PROCESSING，跳过: jobID=%s", payload.JobID)
			return
		}
		log.Printf("[Worker] 失败事务异常: jobID=%s, err=%v", payload.JobID, err)
		return
	}

	p.notifyService.Notify(ctx, payload.UserID, service.NotifyKindJobFailed, UserFacingError(code), payload.JobID)
}
