package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/doc_intel_server/internal/model"
)

// ErrInvalidTransition 状态迁移不合法（任务已结束或被其他 worker 推进）
var ErrInvalidTransition = errors.New("invalid job status transition")

var activeStatuses = []string{model.JobStatusPending, model.JobStatusProcessing}

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(job *model.Job) error {
	return r.db.Create(job).Error
}

func (r *JobRepository) GetByID(id string) (*model.Job, error) {
	var job model.Job
	err := r.db.Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkProcessing 开始一次执行尝试，重试时保持 processing
func (r *JobRepository) MarkProcessing(id string, attempt int) error {
	now := time.Now()
	return r.transition(id, activeStatuses, map[string]interface{}{
		"status":     model.JobStatusProcessing,
		"attempts":   attempt,
		"started_at": gorm.Expr("COALESCE(started_at, ?)", now),
	})
}

// RecordAttemptError 记录一次失败但仍会重试的尝试
func (r *JobRepository) RecordAttemptError(id string, attempt int, errMsg string) error {
	return r.transition(id, []string{model.JobStatusProcessing}, map[string]interface{}{
		"attempts":      attempt,
		"error_message": errMsg,
	})
}

func (r *JobRepository) MarkCompleted(id string, result string) error {
	now := time.Now()
	return r.transition(id, activeStatuses, map[string]interface{}{
		"status":        model.JobStatusCompleted,
		"result":        result,
		"error_message": "",
		"completed_at":  &now,
	})
}

func (r *JobRepository) MarkFailed(id string, errMsg string) error {
	now := time.Now()
	return r.transition(id, activeStatuses, map[string]interface{}{
		"status":        model.JobStatusFailed,
		"error_message": errMsg,
		"completed_at":  &now,
	})
}

// FailStale 将长时间未推进的 processing 任务置为 failed，返回受影响行数
func (r *JobRepository) FailStale(before time.Time, errMsg string) (int64, error) {
	now := time.Now()
	result := r.db.Model(&model.Job{}).
		Where("status = ? AND updated_at < ?", model.JobStatusProcessing, before).
		Updates(map[string]interface{}{
			"status":        model.JobStatusFailed,
			"error_message": errMsg,
			"completed_at":  &now,
		})
	return result.RowsAffected, result.Error
}

func (r *JobRepository) SetArchiveURL(id string, url string) error {
	return r.db.Model(&model.Job{}).Where("id = ?", id).Update("archive_url", url).Error
}

// CountByStatus 按状态统计任务数
func (r *JobRepository) CountByStatus(status string) (int64, error) {
	var count int64
	err := r.db.Model(&model.Job{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

// transition 只在当前状态属于 from 时更新，保证状态不回退
func (r *JobRepository) transition(id string, from []string, fields map[string]interface{}) error {
	result := r.db.Model(&model.Job{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}
