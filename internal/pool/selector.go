package pool

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"airelay-go/internal/models"
)

// PickRequest carries the per-attempt selection inputs. InFlight is the
// request-scoped exclusion set; a retry never reselects an account it
// already tried.
type PickRequest struct {
	PreferredProvider models.Provider
	ConversationID    string
	InFlight          InFlight
}

// PickResult reports which account was chosen and whether the conversation
// affinity decided it.
type PickResult struct {
	Account        *models.Account
	StickinessUsed bool
}

// Pick selects the best-scoring available account and atomically claims one
// use of it. Returns ErrPoolExhausted when no candidate survives the gates.
func (p *Pool) Pick(ctx context.Context, req PickRequest) (*PickResult, error) {
	accounts, err := p.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	if account := p.tryAffinity(ctx, req, accounts, now); account != nil {
		if picked, err := p.claim(ctx, account, req.InFlight, now); err == nil {
			return &PickResult{Account: picked, StickinessUsed: true}, nil
		}
	}

	candidates := p.filterCandidates(ctx, req, accounts, now)
	if len(candidates) == 0 {
		return nil, ErrPoolExhausted
	}
	p.rank(ctx, candidates, now)

	for _, account := range candidates {
		picked, err := p.claim(ctx, account, req.InFlight, now)
		if err != nil {
			log.WithError(err).WithField("account_id", account.ID).Warn("failed to claim account, trying next")
			continue
		}
		return &PickResult{Account: picked}, nil
	}
	return nil, ErrPoolExhausted
}

// tryAffinity resolves the sticky account for the conversation if it still
// passes every availability gate.
func (p *Pool) tryAffinity(ctx context.Context, req PickRequest, accounts []*models.Account, now time.Time) *models.Account {
	if req.ConversationID == "" {
		return nil
	}
	id, ok := p.Affinity.Lookup(ctx, req.ConversationID)
	if !ok {
		return nil
	}
	for _, account := range accounts {
		if account.ID != id {
			continue
		}
		if !p.passesGate(ctx, account, req.InFlight, now) {
			return nil
		}
		if req.PreferredProvider != "" && account.Provider != req.PreferredProvider {
			return nil
		}
		return account
	}
	return nil
}

// filterCandidates applies the provider filter and availability gate. With no
// preferred provider the Gemini chat path prefers native Gemini accounts and
// falls back to Antigravity.
func (p *Pool) filterCandidates(ctx context.Context, req PickRequest, accounts []*models.Account, now time.Time) []*models.Account {
	gate := func(provider models.Provider) []*models.Account {
		var out []*models.Account
		for _, account := range accounts {
			if account.Provider != provider {
				continue
			}
			if p.passesGate(ctx, account, req.InFlight, now) {
				out = append(out, account)
			}
		}
		return out
	}

	if req.PreferredProvider != "" {
		return gate(req.PreferredProvider)
	}
	if candidates := gate(models.ProviderGemini); len(candidates) > 0 {
		return candidates
	}
	return gate(models.ProviderGeminiAntigravity)
}

func (p *Pool) passesGate(ctx context.Context, account *models.Account, inFlight InFlight, now time.Time) bool {
	if inFlight != nil && inFlight.Has(account.ID) {
		return false
	}
	if !account.IsAvailable(now) {
		return false
	}
	if info := p.Quota.Get(ctx, account.ID); info != nil && info.IsQuotaExhausted() {
		return false
	}
	return true
}

// rank orders candidates by score desc, then usageCount asc, then lastUsedAt
// asc (oldest first).
func (p *Pool) rank(ctx context.Context, candidates []*models.Account, now time.Time) {
	scores := make(map[int64]float64, len(candidates))
	for _, account := range candidates {
		scores[account.ID] = p.score(ctx, account, now)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount < b.UsageCount
		}
		switch {
		case a.LastUsedAt == nil:
			return b.LastUsedAt != nil
		case b.LastUsedAt == nil:
			return false
		default:
			return a.LastUsedAt.Before(*b.LastUsedAt)
		}
	})
}

// score blends quota health, usage pressure, and recency: 0.8/0.1/0.1.
func (p *Pool) score(ctx context.Context, account *models.Account, now time.Time) float64 {
	quotaHealth := 40.0 // 无配额信息时的保守分
	if info := p.Quota.Get(ctx, account.ID); info != nil {
		if info.IsQuotaExhausted() {
			quotaHealth = 0
		} else {
			quotaHealth = info.HealthScore()
		}
	}

	usageScore := 100 - float64(account.UsageCount)/10
	if usageScore < 0 {
		usageScore = 0
	}

	recencyScore := 10.0 // never used
	if account.LastUsedAt != nil {
		minutes := now.Sub(*account.LastUsedAt).Minutes()
		if minutes < 0 {
			minutes = 0
		}
		if minutes > 100 {
			minutes = 100
		}
		recencyScore = minutes
	}

	return 0.8*quotaHealth + 0.1*usageScore + 0.1*recencyScore
}

// claim records the pick: atomic usage update, in-flight exclusion, local
// counter bump.
func (p *Pool) claim(ctx context.Context, account *models.Account, inFlight InFlight, now time.Time) (*models.Account, error) {
	rows, err := p.store.TouchAccountUsage(ctx, account.ID, now)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		log.WithField("account_id", account.ID).Warn("usage update matched no account row")
	}
	if inFlight != nil {
		inFlight.Add(account.ID)
	}

	picked := *account
	picked.UsageCount++
	usedAt := now
	picked.LastUsedAt = &usedAt
	return &picked, nil
}
