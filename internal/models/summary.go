package models

import "time"

// HourlySummary is the overall rollup for one UTC hour.
type HourlySummary struct {
	HourStartTime time.Time `json:"hour_start_time"`

	TotalRequests   int64   `json:"total_requests"`
	SuccessRequests int64   `json:"success_requests"`
	FailureRequests int64   `json:"failure_requests"`
	SuccessRate     float64 `json:"success_rate"`

	TotalDurationMs int64   `json:"total_duration_ms"`
	MinDurationMs   int64   `json:"min_duration_ms"`
	MaxDurationMs   int64   `json:"max_duration_ms"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
	P50DurationMs   int64   `json:"p50_duration_ms"`
	P95DurationMs   int64   `json:"p95_duration_ms"`
	P99DurationMs   int64   `json:"p99_duration_ms"`

	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	AvgTTFBMs float64 `json:"avg_ttfb_ms"`
}

// HourlyModelSummary is the per-(model, provider) rollup for one hour.
type HourlyModelSummary struct {
	HourlySummary
	Model    string   `json:"model"`
	Provider Provider `json:"provider"`
}

// HourlyAccountSummary is the per-account rollup for one hour. Account name
// and provider are resolved from the account store at aggregation time.
type HourlyAccountSummary struct {
	HourlySummary
	AccountID       int64    `json:"account_id"`
	AccountName     string   `json:"account_name"`
	AccountProvider Provider `json:"account_provider"`
}
