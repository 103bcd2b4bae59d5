package pool

import (
	"context"
	"strconv"

	"airelay-go/internal/constants"
)

const affinityKeyPrefix = "affinity:"

// AffinityCache maps conversationId → accountId so follow-up turns of one
// conversation land on the same account. Entries expire after the affinity
// window; updates happen only on success.
type AffinityCache struct {
	cache Cache
}

func NewAffinityCache(cache Cache) *AffinityCache {
	return &AffinityCache{cache: cache}
}

// Lookup returns the sticky account for a conversation, if any.
func (a *AffinityCache) Lookup(ctx context.Context, conversationID string) (int64, bool) {
	if conversationID == "" {
		return 0, false
	}
	raw, ok := a.cache.Get(ctx, affinityKeyPrefix+conversationID)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Record persists the conversation→account binding for the affinity window.
func (a *AffinityCache) Record(ctx context.Context, conversationID string, accountID int64) {
	if conversationID == "" {
		return
	}
	a.cache.Set(ctx, affinityKeyPrefix+conversationID, []byte(strconv.FormatInt(accountID, 10)), constants.AffinityTTL)
}
