package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"airelay-go/internal/constants"
	"airelay-go/internal/models"
)

// googleOAuthEndpoint is shared by every pooled Google account.
var googleOAuthEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// TokenRefresher exchanges refresh tokens for fresh access tokens. A
// per-account rate limiter keeps a broken credential from hammering the
// token endpoint during retries.
type TokenRefresher struct {
	clientID     string
	clientSecret string
	leeway       time.Duration

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func NewTokenRefresher(clientID, clientSecret string) *TokenRefresher {
	return &TokenRefresher{
		clientID:     clientID,
		clientSecret: clientSecret,
		leeway:       constants.TokenRefreshLeeway,
		limiters:     make(map[int64]*rate.Limiter),
	}
}

// SetRefreshLeeway overrides how long before expiry a token is refreshed.
func (r *TokenRefresher) SetRefreshLeeway(d time.Duration) {
	if d > 0 {
		r.leeway = d
	}
}

func (r *TokenRefresher) limiter(accountID int64) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[accountID]
	if !ok {
		// one refresh per 10s sustained, burst 3
		lim = rate.NewLimiter(rate.Every(10*time.Second), 3)
		r.limiters[accountID] = lim
	}
	return lim
}

// EnsureFresh returns a usable access token for the account, refreshing it
// when it is expired or about to expire. The refreshed credential blob is
// returned so the caller can persist it.
func (r *TokenRefresher) EnsureFresh(ctx context.Context, account *models.Account) (token string, updatedCreds string, err error) {
	creds, err := account.OAuth()
	if err != nil {
		return "", "", fmt.Errorf("decode credentials: %w", err)
	}
	if !creds.Expired(r.leeway) {
		return creds.AccessToken, "", nil
	}
	if creds.RefreshToken == "" {
		return "", "", fmt.Errorf("access token expired and no refresh token present")
	}

	if !r.limiter(account.ID).Allow() {
		return "", "", fmt.Errorf("token refresh rate limited for account %d", account.ID)
	}

	conf := &oauth2.Config{
		ClientID:     r.clientID,
		ClientSecret: r.clientSecret,
		Endpoint:     googleOAuthEndpoint,
	}
	src := conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: creds.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})
	fresh, err := src.Token()
	if err != nil {
		return "", "", fmt.Errorf("refresh token: %w", err)
	}

	creds.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		creds.RefreshToken = fresh.RefreshToken
	}
	if !fresh.Expiry.IsZero() {
		creds.Expiry = fresh.Expiry.Format(time.RFC3339)
	}

	blob, err := json.Marshal(creds)
	if err != nil {
		return fresh.AccessToken, "", nil
	}
	log.WithField("account_id", account.ID).Debug("refreshed oauth token")
	return fresh.AccessToken, string(blob), nil
}
