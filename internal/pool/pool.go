package pool

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"airelay-go/internal/constants"
	"airelay-go/internal/models"
	"airelay-go/internal/monitoring"
)

const accountListKey = "accounts:list"

// ErrPoolExhausted is returned by Pick when no account can serve the request.
var ErrPoolExhausted = errors.New("account pool exhausted")

// AccountStore is the persistence surface the pool depends on. All mutations
// are atomic single-row updates; rowsAffected tells the caller whether the
// row still existed.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	// TouchAccountUsage increments usage_count and stamps last_used_at.
	TouchAccountUsage(ctx context.Context, id int64, usedAt time.Time) (rowsAffected int64, err error)
	MarkAccountRateLimited(ctx context.Context, id int64, resetAt time.Time) (rowsAffected int64, err error)
	SetAccountEnabled(ctx context.Context, id int64, enabled bool) (rowsAffected int64, err error)
}

// Pool selects and mutates upstream accounts.
type Pool struct {
	store    AccountStore
	cache    Cache
	Quota    *QuotaCache
	Affinity *AffinityCache
}

func New(store AccountStore, cache Cache) *Pool {
	return &Pool{
		store:    store,
		cache:    cache,
		Quota:    NewQuotaCache(cache),
		Affinity: NewAffinityCache(cache),
	}
}

// InFlight is the per-request set of account ids already attempted in the
// current dispatch. It flows with the request; never shared across requests.
type InFlight map[int64]struct{}

func NewInFlight() InFlight {
	return make(InFlight)
}

func (f InFlight) Has(id int64) bool {
	_, ok := f[id]
	return ok
}

func (f InFlight) Add(id int64) {
	f[id] = struct{}{}
}

// cachedAccount carries credentials through the cache round-trip; the
// Account JSON tags deliberately drop them for API responses.
type cachedAccount struct {
	models.Account
	Creds string `json:"creds"`
}

// Accounts returns the full account list, served from the 30-minute cache.
func (p *Pool) Accounts(ctx context.Context) ([]*models.Account, error) {
	if raw, ok := p.cache.Get(ctx, accountListKey); ok {
		var cached []*cachedAccount
		if err := json.Unmarshal(raw, &cached); err == nil {
			accounts := make([]*models.Account, 0, len(cached))
			for _, ca := range cached {
				account := ca.Account
				account.Credentials = ca.Creds
				accounts = append(accounts, &account)
			}
			return accounts, nil
		}
	}

	accounts, err := p.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	cached := make([]*cachedAccount, 0, len(accounts))
	for _, a := range accounts {
		cached = append(cached, &cachedAccount{Account: *a, Creds: a.Credentials})
	}
	if raw, err := json.Marshal(cached); err == nil {
		p.cache.Set(ctx, accountListKey, raw, constants.AccountListCacheTTL)
	}
	publishAvailability(accounts)
	return accounts, nil
}

func publishAvailability(accounts []*models.Account) {
	now := time.Now()
	counts := make(map[models.Provider]int)
	for _, a := range accounts {
		if a.IsAvailable(now) {
			counts[a.Provider]++
		}
	}
	for _, provider := range []models.Provider{models.ProviderGemini, models.ProviderGeminiAntigravity, models.ProviderOpenAI} {
		monitoring.SetAccountsAvailable(string(provider), counts[provider])
	}
}

// InvalidateAccounts drops the cached account list; the next Pick refetches.
func (p *Pool) InvalidateAccounts(ctx context.Context) {
	p.cache.Delete(ctx, accountListKey)
}

// MarkRateLimited flags the account until now+resetAfterSec.
func (p *Pool) MarkRateLimited(ctx context.Context, id int64, resetAfterSec int64) {
	resetAt := time.Now().Add(time.Duration(resetAfterSec) * time.Second)
	rows, err := p.store.MarkAccountRateLimited(ctx, id, resetAt)
	if err != nil {
		log.WithError(err).WithField("account_id", id).Error("failed to mark account rate limited")
		return
	}
	if rows == 0 {
		log.WithField("account_id", id).Warn("rate-limit update matched no account row")
	}
	p.InvalidateAccounts(ctx)
}

// Disable turns the account off until an admin re-enables it.
func (p *Pool) Disable(ctx context.Context, id int64) {
	rows, err := p.store.SetAccountEnabled(ctx, id, false)
	if err != nil {
		log.WithError(err).WithField("account_id", id).Error("failed to disable account")
		return
	}
	if rows == 0 {
		log.WithField("account_id", id).Warn("disable update matched no account row")
	}
	p.InvalidateAccounts(ctx)
}

// Enable re-admits the account to the pool.
func (p *Pool) Enable(ctx context.Context, id int64) {
	rows, err := p.store.SetAccountEnabled(ctx, id, true)
	if err != nil {
		log.WithError(err).WithField("account_id", id).Error("failed to enable account")
		return
	}
	if rows == 0 {
		log.WithField("account_id", id).Warn("enable update matched no account row")
	}
	p.InvalidateAccounts(ctx)
}
