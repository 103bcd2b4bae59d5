package models

import (
	"encoding/json"
	"time"
)

// Provider identifies which upstream family an account belongs to.
type Provider string

const (
	ProviderOpenAI            Provider = "openai"
	ProviderGemini            Provider = "gemini"
	ProviderGeminiAntigravity Provider = "gemini_antigravity"
	ProviderClaude            Provider = "claude"
)

// ValidProvider reports whether p names a known provider.
func ValidProvider(p Provider) bool {
	switch p {
	case ProviderOpenAI, ProviderGemini, ProviderGeminiAntigravity, ProviderClaude:
		return true
	}
	return false
}

// GeminiFamily reports whether p can serve Gemini-wire traffic.
func GeminiFamily(p Provider) bool {
	return p == ProviderGemini || p == ProviderGeminiAntigravity
}

// OAuthCredentials is the opaque credential blob stored per account.
type OAuthCredentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Expiry       string `json:"expiry,omitempty"` // RFC3339; empty means "treat as valid"
	ProjectID    string `json:"project_id,omitempty"`
}

// Expired reports whether the access token needs a refresh, with leeway.
// An absent expiry is treated as still valid.
func (c *OAuthCredentials) Expired(leeway time.Duration) bool {
	if c == nil || c.Expiry == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, c.Expiry)
	if err != nil {
		return false
	}
	return time.Now().Add(leeway).After(t)
}

// Account is one pooled upstream credential.
type Account struct {
	ID                 int64      `json:"id"`
	Provider           Provider   `json:"provider"`
	Name               string     `json:"name"`
	Email              string     `json:"email"`
	BaseURL            string     `json:"base_url,omitempty"`
	Credentials        string     `json:"-"` // serialized OAuthCredentials
	IsEnabled          bool       `json:"is_enabled"`
	IsRateLimited      bool       `json:"is_rate_limited"`
	RateLimitResetTime *time.Time `json:"rate_limit_reset_time,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	UsageCount         int64      `json:"usage_count"`
}

// OAuth decodes the stored credential blob.
func (a *Account) OAuth() (*OAuthCredentials, error) {
	var creds OAuthCredentials
	if err := json.Unmarshal([]byte(a.Credentials), &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// IsAvailable reports whether the account may serve a request right now.
// The rate-limit flag is not cleared eagerly; it simply stops gating once
// the reset time passes.
func (a *Account) IsAvailable(now time.Time) bool {
	if !a.IsEnabled {
		return false
	}
	if a.IsRateLimited {
		if a.RateLimitResetTime == nil {
			return false
		}
		return !now.Before(*a.RateLimitResetTime)
	}
	return true
}
