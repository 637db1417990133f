package dto

import "encoding/json"

const (
	ExecutionStatusDone   = "done"
	ExecutionStatusQueued = "queued"
)

// ExecutePlanResponse 文档提交结果：同步套餐带 result，异步套餐带 job_id
type ExecutePlanResponse struct {
	Status string          `json:"status"`
	Plan   string          `json:"plan"`
	Stats  *UsageStats     `json:"stats"`
	Result json.RawMessage `json:"result,omitempty"`
	JobID  string          `json:"job_id,omitempty"`
}
