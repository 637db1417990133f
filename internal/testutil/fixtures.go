package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/qs3c/doc_intel_server/internal/model"
)

// SeedPlans 写入默认套餐
func SeedPlans(t *testing.T, db *gorm.DB) {
	t.Helper()

	plans := []model.Plan{
		{Name: "free", RequestLimit: 100, CharLimit: 100000, MaxInputChars: 6000},
		{Name: "pro", RequestLimit: 1000, CharLimit: 1000000},
		{Name: "ultra", RequestLimit: 10000, CharLimit: 10000000},
	}
	if err := db.Create(&plans).Error; err != nil {
		t.Fatalf("Failed to seed plans: %v", err)
	}
}

// TestUsage 创建测试用量记录
func TestUsage(t *testing.T, db *gorm.DB, ownerID, plan string, opts ...func(*model.Usage)) *model.Usage {
	t.Helper()

	usage := &model.Usage{
		OwnerID:     ownerID,
		Plan:        plan,
		PeriodStart: time.Now(),
	}

	for _, opt := range opts {
		opt(usage)
	}

	if err := db.Create(usage).Error; err != nil {
		t.Fatalf("Failed to create test usage: %v", err)
	}

	return usage
}

// WithUsed 设置已用字符数和请求数
func WithUsed(chars, requests int64) func(*model.Usage) {
	return func(u *model.Usage) {
		u.TotalChars = chars
		u.TotalRequests = requests
	}
}

// WithPeriodStart 设置周期起点
func WithPeriodStart(start time.Time) func(*model.Usage) {
	return func(u *model.Usage) {
		u.PeriodStart = start
	}
}

// TestJob 创建测试任务
func TestJob(t *testing.T, db *gorm.DB, ownerID string, opts ...func(*model.Job)) *model.Job {
	t.Helper()

	job := &model.Job{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Plan:       "pro",
		Status:     model.JobStatusPending,
		InputChars: 1000,
	}

	for _, opt := range opts {
		opt(job)
	}

	if err := db.Create(job).Error; err != nil {
		t.Fatalf("Failed to create test job: %v", err)
	}

	return job
}

// WithJobStatus 设置任务状态
func WithJobStatus(status string) func(*model.Job) {
	return func(j *model.Job) {
		j.Status = status
	}
}

// WithJobResult 设置任务结果
func WithJobResult(result string) func(*model.Job) {
	return func(j *model.Job) {
		j.Status = model.JobStatusCompleted
		j.Result = result
	}
}

// WithJobError 设置失败信息
func WithJobError(errMsg string) func(*model.Job) {
	return func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.ErrorMessage = errMsg
	}
}

// RandomOwner 生成测试用户标识
func RandomOwner() string {
	return fmt.Sprintf("user_%d", time.Now().UnixNano())
}
