package job

import (
	"context"
	"errors"
	"log"
	"time"

	"nanogen/internal/model"
	"nanogen/internal/repository"
	"nanogen/internal/service"
	"nanogen/internal/worker"

	"gorm.io/gorm"
)

// WatchdogJob 卡死任务回收
//
// 定期扫描 started_at 超过阈值仍在 PROCESSING 的任务（worker 崩溃、
// 后端挂死都会留下这种任务），置 FAILED 并退预留积分。条件更新保证
// 与 worker 的迟到终态落库互斥：谁先翻转谁负责积分，后到者 no-op。
type WatchdogJob struct {
	db            *gorm.DB
	jobRepo       *repository.JobRepository
	ledgerService *service.LedgerService
	notifyService *service.NotifyService
	interval      time.Duration
	timeout       time.Duration
	batchSize     int
	stopCh        chan struct{}
}

func NewWatchdogJob(
	db *gorm.DB,
	ledgerService *service.LedgerService,
	notifyService *service.NotifyService,
	interval time.Duration,
	timeout time.Duration,
) *WatchdogJob {
	return &WatchdogJob{
		db:            db,
		jobRepo:       repository.NewJobRepository(db),
		ledgerService: ledgerService,
		notifyService: notifyService,
		interval:      interval,
		timeout:       timeout,
		batchSize:     100,
		stopCh:        make(chan struct{}),
	}
}

// Start 启动定时扫描
func (j *WatchdogJob) Start() {
	log.Printf("[Watchdog] 启动，间隔=%v, 超时阈值=%v", j.interval, j.timeout)
	go j.run()
}

// Stop 停止
func (j *WatchdogJob) Stop() {
	close(j.stopCh)
	log.Println("[Watchdog] 已停止")
}

func (j *WatchdogJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(context.Background())
		case <-j.stopCh:
			return
		}
	}
}

// Sweep 执行一轮扫描，逐个回收，单个失败不影响其余
func (j *WatchdogJob) Sweep(ctx context.Context) {
	before := time.Now().Add(-j.timeout)
	jobs, err := j.jobRepo.GetStuckJobs(ctx, before, j.batchSize)
	if err != nil {
		log.Printf("[Watchdog] 查询卡死任务失败: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	log.Printf("[Watchdog] 发现 %d 个卡死任务", len(jobs))
	for _, stuck := range jobs {
		j.reap(ctx, stuck)
	}
}

func (j *WatchdogJob) reap(ctx context.Context, stuck *model.GenerationJob) {
	err := j.db.Transaction(func(tx *gorm.DB) error {
		if err := j.jobRepo.UpdateStatus(ctx, tx, stuck.JobID, model.JobStatusProcessing, model.JobStatusFailed,
			map[string]interface{}{"error": worker.ErrCodeTimeout}); err != nil {
			return err
		}
		_, txErr := j.ledgerService.ReleaseTx(ctx, tx, stuck.UserID, stuck.Cost)
		return txErr
	})
	if err != nil {
		if errors.Is(err, repository.ErrJobStatusInvalid) {
			// worker 抢先落了终态，任务已不需要回收
			return
		}
		log.Printf("[Watchdog] 回收任务失败: jobID=%s, err=%v", stuck.JobID, err)
		return
	}

	log.Printf("[Watchdog] 已回收超时任务: jobID=%s, userID=%d, released=%d",
		stuck.JobID, stuck.UserID, stuck.Cost)

	j.notifyService.Notify(ctx, stuck.UserID, service.NotifyKindJobTimeout,
		"生成超时，积分已退还", stuck.JobID)
}
