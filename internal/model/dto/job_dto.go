package dto

import "encoding/json"

// JobStatusResponse 任务状态，pending/processing 来自缓存，completed/failed 来自数据库
type JobStatusResponse struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Plan        string          `json:"plan,omitempty"`
	Terminal    bool            `json:"terminal"`
	Attempt     int             `json:"attempt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ArchiveURL  string          `json:"archive_url,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
}
