package repository

import (
	"context"
	"errors"
	"time"

	"nanogen/internal/model"

	"gorm.io/gorm"
)

var (
	ErrJobNotFound      = errors.New("任务不存在")
	ErrJobStatusInvalid = errors.New("任务状态不合法")
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, tx *gorm.DB, job *model.GenerationJob) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(job).Error
}

func (r *JobRepository) GetByJobID(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	var job model.GenerationJob
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// UpdateStatus 任务状态的唯一写入口
// 条件更新保证单写者：状态已被别处改走时 RowsAffected == 0，
// 迟到的完成回调对已取消任务因此成为 no-op
func (r *JobRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, jobID string, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanTransitionJob(fromStatus, toStatus) {
		return ErrJobStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}

	now := time.Now()
	if toStatus == model.JobStatusProcessing {
		updates["started_at"] = &now
	}
	if model.IsTerminalJobStatus(toStatus) {
		updates["completed_at"] = &now
	}

	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.GenerationJob{}).
		Where("job_id = ? AND status = ?", jobID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobStatusInvalid
	}
	return nil
}

// CountActive 统计用户处于 PENDING / PROCESSING 的任务数，准入并发上限用
func (r *JobRepository) CountActive(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.GenerationJob{}).
		Where("user_id = ? AND status IN ?", userID, []string{model.JobStatusPending, model.JobStatusProcessing}).
		Count(&count).Error
	return count, err
}

// GetStuckJobs 查找 started_at 早于阈值仍在 PROCESSING 的任务，watchdog 用
func (r *JobRepository) GetStuckJobs(ctx context.Context, before time.Time, limit int) ([]*model.GenerationJob, error) {
	var jobs []*model.GenerationJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", model.JobStatusProcessing, before).
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (r *JobRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.GenerationJob, int64, error) {
	var jobs []*model.GenerationJob
	var total int64

	query := r.db.WithContext(ctx).Model(&model.GenerationJob{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&jobs).Error

	return jobs, total, err
}

// CountCompletedByUserID 用户已完成的生成次数，邀请激活（首次完成）判断用
func (r *JobRepository) CountCompletedByUserID(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.GenerationJob{}).
		Where("user_id = ? AND status = ?", userID, model.JobStatusCompleted).
		Count(&count).Error
	return count, err
}
