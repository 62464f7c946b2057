package model

import (
	"encoding/json"
	"time"
)

const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
	JobStatusCancelled  = "CANCELLED"
)

// ValidJobTransitions 任务状态机
// 终态（COMPLETED / FAILED / CANCELLED）不允许再转出
var ValidJobTransitions = map[string][]string{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

func CanTransitionJob(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidJobTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsTerminalJobStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}

// GenerationSettings 生成参数，核心系统不解释其内容，仅透传给生成后端
type GenerationSettings struct {
	Temperature float64 `json:"temperature"`
	AspectRatio string  `json:"aspect_ratio"`
	OutputSize  string  `json:"output_size"`
	Seed        int64   `json:"seed"`
}

// GenerationJob 图片生成任务表
// 创建时积分已预留；PENDING -> PROCESSING 由 worker 推进；
// 终态的积分动作：COMPLETED 扣款、FAILED/CANCELLED 退还
type GenerationJob struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID           string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"job_id"`
	UserID          int64      `gorm:"index;not null" json:"user_id"`
	Prompt          string     `gorm:"type:text;not null" json:"prompt"`
	ReferenceAssets string     `gorm:"type:text" json:"reference_assets"` // JSON 数组
	Settings        string     `gorm:"type:text" json:"settings"`         // JSON 对象
	Cost            int64      `gorm:"not null" json:"cost"`              // 预留的积分数
	Status          string     `gorm:"type:varchar(20);index;not null" json:"status"`
	Error           string     `gorm:"type:text" json:"error"`
	Seed            int64      `json:"seed"`
	ImagePath       string     `gorm:"type:varchar(512)" json:"image_path"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (GenerationJob) TableName() string {
	return "generation_job"
}

// JobPayload 队列中的任务消息
type JobPayload struct {
	JobID           string             `json:"job_id"`
	UserID          int64              `json:"user_id"`
	Prompt          string             `json:"prompt"`
	ReferenceAssets []string           `json:"reference_assets"`
	Settings        GenerationSettings `json:"settings"`
}

// NewJobPayload 从任务记录构造队列消息
func NewJobPayload(job *GenerationJob) (*JobPayload, error) {
	payload := &JobPayload{
		JobID:  job.JobID,
		UserID: job.UserID,
		Prompt: job.Prompt,
	}
	if job.ReferenceAssets != "" {
		if err := json.Unmarshal([]byte(job.ReferenceAssets), &payload.ReferenceAssets); err != nil {
			return nil, err
		}
	}
	if job.Settings != "" {
		if err := json.Unmarshal([]byte(job.Settings), &payload.Settings); err != nil {
			return nil, err
		}
	}
	return payload, nil
}
