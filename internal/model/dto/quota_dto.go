package dto

// UsageStats 配额使用情况，无论是否放行都会返回
type UsageStats struct {
	Plan     string        `json:"plan"`
	Chars    CharStats     `json:"chars"`
	Requests RequestStats  `json:"requests"`
	Period   PeriodSummary `json:"period"`
}

type CharStats struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Requested int64 `json:"requested"`
}

type RequestStats struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

type PeriodSummary struct {
	StartedAt string `json:"started_at"`
	ResetsAt  string `json:"resets_at"`
}

// QuotaCheckResult 配额检查结果
type QuotaCheckResult struct {
	Allowed bool        `json:"allowed"`
	Stats   *UsageStats `json:"stats"`
}
