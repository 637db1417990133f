package model

import (
	"time"
)

// Usage 用户在某个套餐下的累计用量，按滚动周期重置
type Usage struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	OwnerID       string    `gorm:"size:100;not null;uniqueIndex:idx_usage_owner_plan" json:"owner_id"`
	Plan          string    `gorm:"size:50;not null;uniqueIndex:idx_usage_owner_plan" json:"plan"`
	TotalChars    int64     `gorm:"not null;default:0" json:"total_chars"`
	TotalRequests int64     `gorm:"not null;default:0" json:"total_requests"`
	PeriodStart   time.Time `gorm:"not null" json:"period_start"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Usage) TableName() string {
	return "usages"
}
