package model

import (
	"time"
)

// 任务状态只能单向推进：pending -> processing -> completed/failed
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

type Job struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	OwnerID      string     `gorm:"size:100;not null;index" json:"owner_id"`
	Plan         string     `gorm:"size:50;not null" json:"plan"`
	Status       string     `gorm:"size:20;not null;default:pending;index" json:"status"`
	InputChars   int        `gorm:"not null" json:"input_chars"`
	Attempts     int        `gorm:"not null;default:0" json:"attempts"`
	Result       string     `gorm:"type:text" json:"result,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	ArchiveURL   string     `gorm:"size:500" json:"archive_url,omitempty"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (Job) TableName() string {
	return "jobs"
}

// IsTerminal 是否已结束
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
