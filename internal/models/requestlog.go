package models

import "time"

// RequestLog records the lifecycle of one inbound request.
type RequestLog struct {
	ID             int64      `json:"id"`
	RequestID      string     `json:"request_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	AccountID      *int64     `json:"account_id,omitempty"`
	Provider       Provider   `json:"provider,omitempty"`
	Model          string     `json:"model"`
	IsStreaming    bool       `json:"is_streaming"`
	MessageSummary string     `json:"message_summary,omitempty"`

	StatusCode   *int   `json:"status_code,omitempty"`
	IsSuccess    bool   `json:"is_success"`
	ErrorMessage string `json:"error_message,omitempty"`

	RetryCount    int `json:"retry_count"`
	TotalAttempts int `json:"total_attempts"`

	PromptTokens     *int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64 `json:"completion_tokens,omitempty"`
	TotalTokens      *int64 `json:"total_tokens,omitempty"`

	RequestStartTime time.Time  `json:"request_start_time"`
	RequestEndTime   *time.Time `json:"request_end_time,omitempty"`
	DurationMs       *int64     `json:"duration_ms,omitempty"`
	TimeToFirstByteMs *int64    `json:"time_to_first_byte_ms,omitempty"`

	IsRateLimited         bool   `json:"is_rate_limited"`
	RateLimitResetSeconds *int64 `json:"rate_limit_reset_seconds,omitempty"`
	SessionStickinessUsed bool   `json:"session_stickiness_used"`

	ClientIP   string `json:"client_ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Originator string `json:"originator,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
