package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"airelay-go/internal/models"
)

const quotaKeyPrefix = "quota:"

// QuotaCache stores the parsed x-codex-* quota headers per account. Entries
// carry no TTL; freshness is decided by QuotaInfo.IsExpired.
type QuotaCache struct {
	cache Cache
}

func NewQuotaCache(cache Cache) *QuotaCache {
	return &QuotaCache{cache: cache}
}

// ParseQuotaHeaders extracts the quota snapshot from an upstream response.
// Returns nil when no quota header is present.
func ParseQuotaHeaders(accountID int64, header http.Header, now time.Time) *models.QuotaInfo {
	info := &models.QuotaInfo{AccountID: accountID, LastUpdatedAt: now}
	hasData := false

	parseFloat := func(key string) (float64, bool) {
		v := header.Get(key)
		if v == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	parseInt := func(key string) (int64, bool) {
		v := header.Get(key)
		if v == "" {
			return 0, false
		}
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	parseBool := func(key string) (bool, bool) {
		v := header.Get(key)
		if v == "" {
			return false, false
		}
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}

	if v := header.Get("x-codex-plan-type"); v != "" {
		info.PlanType = v
		hasData = true
	}
	if f, ok := parseFloat("x-codex-primary-used-percent"); ok {
		info.PrimaryUsedPct = f
		hasData = true
	}
	if n, ok := parseInt("x-codex-primary-window-minutes"); ok {
		info.PrimaryWindowMinutes = n
		hasData = true
	}
	if n, ok := parseInt("x-codex-primary-reset-after-seconds"); ok {
		info.PrimaryResetAfterSec = n
		info.PrimaryResetAt = now.Unix() + n
		hasData = true
	}
	if f, ok := parseFloat("x-codex-secondary-used-percent"); ok {
		info.SecondaryUsedPct = f
		hasData = true
	}
	if n, ok := parseInt("x-codex-secondary-window-minutes"); ok {
		info.SecondaryWindowMinutes = n
		hasData = true
	}
	if n, ok := parseInt("x-codex-secondary-reset-after-seconds"); ok {
		info.SecondaryResetAfterSec = n
		info.SecondaryResetAt = now.Unix() + n
		hasData = true
	}
	if b, ok := parseBool("x-codex-has-credits"); ok {
		info.HasCredits = b
		hasData = true
	}
	if f, ok := parseFloat("x-codex-credits-balance"); ok {
		info.CreditsBalance = f
		hasData = true
	}
	if b, ok := parseBool("x-codex-credits-unlimited"); ok {
		info.CreditsUnlimited = b
		hasData = true
	}

	if !hasData {
		return nil
	}
	return info
}

// UpdateFromHeaders parses and stores the quota snapshot for an account.
// No-op when the response carries no quota headers.
func (q *QuotaCache) UpdateFromHeaders(ctx context.Context, accountID int64, header http.Header) *models.QuotaInfo {
	info := ParseQuotaHeaders(accountID, header, time.Now())
	if info == nil {
		return nil
	}
	q.put(ctx, info)
	return info
}

// MarkExhausted synthesises an all-used snapshot after a 429 so the selector
// skips the account until the window resets.
func (q *QuotaCache) MarkExhausted(ctx context.Context, accountID int64, resetAfterSec int64) {
	now := time.Now()
	q.put(ctx, &models.QuotaInfo{
		AccountID:              accountID,
		PrimaryUsedPct:         100,
		PrimaryResetAfterSec:   resetAfterSec,
		PrimaryResetAt:         now.Unix() + resetAfterSec,
		SecondaryUsedPct:       100,
		SecondaryResetAfterSec: resetAfterSec,
		SecondaryResetAt:       now.Unix() + resetAfterSec,
		LastUpdatedAt:          now,
	})
}

// Get returns the snapshot for an account, or nil when absent or expired.
func (q *QuotaCache) Get(ctx context.Context, accountID int64) *models.QuotaInfo {
	raw, ok := q.cache.Get(ctx, quotaKey(accountID))
	if !ok {
		return nil
	}
	var info models.QuotaInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil
	}
	if info.IsExpired(time.Now()) {
		return nil
	}
	return &info
}

// GetAll returns the non-expired snapshots for the given accounts.
func (q *QuotaCache) GetAll(ctx context.Context, accountIDs []int64) map[int64]*models.QuotaInfo {
	out := make(map[int64]*models.QuotaInfo, len(accountIDs))
	for _, id := range accountIDs {
		if info := q.Get(ctx, id); info != nil {
			out[id] = info
		}
	}
	return out
}

func (q *QuotaCache) put(ctx context.Context, info *models.QuotaInfo) {
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	q.cache.Set(ctx, quotaKey(info.AccountID), raw, 0)
}

func quotaKey(accountID int64) string {
	return quotaKeyPrefix + fmt.Sprintf("%d", accountID)
}
