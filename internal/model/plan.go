package model

import (
	"time"
)

type Plan struct {
	Name          string    `gorm:"primaryKey;size:50" json:"name"`
	RequestLimit  int64     `gorm:"not null" json:"request_limit"`
	CharLimit     int64     `gorm:"not null" json:"char_limit"`
	MaxInputChars int       `gorm:"not null;default:0" json:"max_input_chars"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Plan) TableName() string {
	return "plans"
}
