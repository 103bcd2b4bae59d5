package models

import "time"

// QuotaInfo is the cache-resident view of an account's upstream quota,
// parsed from the x-codex-* response headers. Never persisted.
type QuotaInfo struct {
	AccountID int64  `json:"account_id"`
	PlanType  string `json:"plan_type,omitempty"`

	PrimaryUsedPct        float64 `json:"primary_used_pct"`
	PrimaryWindowMinutes  int64   `json:"primary_window_minutes"`
	PrimaryResetAt        int64   `json:"primary_reset_at"` // unix seconds
	PrimaryResetAfterSec  int64   `json:"primary_reset_after_sec"`
	SecondaryUsedPct      float64 `json:"secondary_used_pct"`
	SecondaryWindowMinutes int64  `json:"secondary_window_minutes"`
	SecondaryResetAt      int64   `json:"secondary_reset_at"`
	SecondaryResetAfterSec int64  `json:"secondary_reset_after_sec"`

	HasCredits       bool    `json:"has_credits"`
	CreditsBalance   float64 `json:"credits_balance,omitempty"`
	CreditsUnlimited bool    `json:"credits_unlimited"`

	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// IsExpired reports whether either usage window has rolled over.
func (q *QuotaInfo) IsExpired(now time.Time) bool {
	unix := now.Unix()
	if q.PrimaryResetAt > 0 && unix >= q.PrimaryResetAt {
		return true
	}
	if q.SecondaryResetAt > 0 && unix >= q.SecondaryResetAt {
		return true
	}
	return false
}

// IsQuotaExhausted reports whether either window hit 100%.
func (q *QuotaInfo) IsQuotaExhausted() bool {
	return q.PrimaryUsedPct >= 100 || q.SecondaryUsedPct >= 100
}

// HealthScore scores account quota health in [0,100].
func (q *QuotaInfo) HealthScore() float64 {
	if q.CreditsUnlimited {
		return 100
	}
	if q.HasCredits {
		return 95
	}
	score := 0.7*(100-q.PrimaryUsedPct) + 0.3*(100-q.SecondaryUsedPct)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
