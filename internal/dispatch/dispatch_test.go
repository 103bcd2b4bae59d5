package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "airelay-go/internal/errors"
	"airelay-go/internal/models"
	"airelay-go/internal/pool"
	"airelay-go/internal/upstream"
)

type fakeStore struct {
	mu       sync.Mutex
	accounts []*models.Account
	disabled map[int64]bool
	limited  map[int64]time.Time
	creds    map[int64]string
}

func newFakeStore(accounts ...*models.Account) *fakeStore {
	return &fakeStore{
		accounts: accounts,
		disabled: make(map[int64]bool),
		limited:  make(map[int64]time.Time),
		creds:    make(map[int64]string),
	}
}

func (s *fakeStore) ListAccounts(context.Context) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeStore) TouchAccountUsage(_ context.Context, id int64, usedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.ID == id {
			a.UsageCount++
			t := usedAt
			a.LastUsedAt = &t
			return 1, nil
		}
	}
	return 0, nil
}

func (s *fakeStore) MarkAccountRateLimited(_ context.Context, id int64, resetAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limited[id] = resetAt
	for _, a := range s.accounts {
		if a.ID == id {
			a.IsRateLimited = true
			t := resetAt
			a.RateLimitResetTime = &t
			return 1, nil
		}
	}
	return 0, nil
}

func (s *fakeStore) SetAccountEnabled(_ context.Context, id int64, enabled bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[id] = !enabled
	for _, a := range s.accounts {
		if a.ID == id {
			a.IsEnabled = enabled
			return 1, nil
		}
	}
	return 0, nil
}

func (s *fakeStore) UpdateAccountCredentials(_ context.Context, id int64, credentials string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[id] = credentials
	return nil
}

func (s *fakeStore) isDisabled(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[id]
}

type retryRecorder struct {
	mu         sync.Mutex
	entries    [][2]int64
	rateLimits [][2]int64
}

func (r *retryRecorder) UpdateRetry(tempLogID int64, attempt int, accountID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, [2]int64{int64(attempt), accountID})
}

func (r *retryRecorder) RecordRateLimit(tempLogID int64, resetSeconds int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimits = append(r.rateLimits, [2]int64{tempLogID, resetSeconds})
}

func testAccount(id int64, provider models.Provider) *models.Account {
	creds, _ := json.Marshal(models.OAuthCredentials{
		AccessToken: "token-" + string(rune('0'+id)),
		ProjectID:   "proj",
	})
	return &models.Account{
		ID:          id,
		Provider:    provider,
		Name:        "acct",
		Credentials: string(creds),
		IsEnabled:   true,
	}
}

func newTestDispatcher(t *testing.T, srvURL string, store *fakeStore) (*Dispatcher, *pool.Pool, *retryRecorder) {
	t.Helper()
	cache, err := pool.NewRistrettoCache()
	require.NoError(t, err)
	p := pool.New(store, cache)
	recorder := &retryRecorder{}
	d := &Dispatcher{
		Pool:        p,
		Refresher:   upstream.NewTokenRefresher("id", "secret"),
		CodeAssist:  upstream.NewCodeAssistClient(srvURL, ""),
		Antigravity: upstream.NewAntigravityClient(srvURL, "", false),
		Creds:       store,
		Logs:        recorder,
	}
	return d, p, recorder
}

func TestDispatchSuccessRecordsAffinityAndQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-codex-primary-used-percent", "42.5")
		_, _ = w.Write([]byte(`{"response":{}}`))
	}))
	defer srv.Close()

	store := newFakeStore(testAccount(1, models.ProviderGemini))
	d, p, recorder := newTestDispatcher(t, srv.URL, store)

	result, err := d.Dispatch(context.Background(), &Request{
		TempLogID:      7,
		Model:          "gemini-2.5-pro",
		ConversationID: "conv-1",
		Payload:        []byte(`{"contents":[]}`),
	})
	require.NoError(t, err)
	defer result.Response.Body.Close()

	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int64(1), result.Account.ID)

	sticky, ok := p.Affinity.Lookup(context.Background(), "conv-1")
	assert.True(t, ok)
	assert.Equal(t, int64(1), sticky)

	info := p.Quota.Get(context.Background(), 1)
	require.NotNil(t, info)
	assert.Equal(t, 42.5, info.PrimaryUsedPct)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.entries, 1)
	assert.Equal(t, [2]int64{1, 1}, recorder.entries[0])
}

func TestDispatchDisablesAccountOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Authorization"), "token-1") {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad token"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"response":{}}`))
	}))
	defer srv.Close()

	store := newFakeStore(
		testAccount(1, models.ProviderGemini),
		testAccount(2, models.ProviderGemini),
	)
	d, _, _ := newTestDispatcher(t, srv.URL, store)

	result, err := d.Dispatch(context.Background(), &Request{
		Model:   "gemini-2.5-pro",
		Payload: []byte(`{"contents":[]}`),
	})
	require.NoError(t, err)
	defer result.Response.Body.Close()

	assert.Equal(t, int64(2), result.Account.ID)
	assert.Equal(t, 2, result.Attempts)
	assert.True(t, store.isDisabled(1))
}

func TestDispatchRateLimitMarksAndRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Authorization"), "token-1") {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"response":{}}`))
	}))
	defer srv.Close()

	store := newFakeStore(
		testAccount(1, models.ProviderGemini),
		testAccount(2, models.ProviderGemini),
	)
	d, p, recorder := newTestDispatcher(t, srv.URL, store)

	result, err := d.Dispatch(context.Background(), &Request{
		TempLogID: 9,
		Model:     "gemini-2.5-pro",
		Payload:   []byte(`{"contents":[]}`),
	})
	require.NoError(t, err)
	defer result.Response.Body.Close()

	assert.Equal(t, int64(2), result.Account.ID)

	store.mu.Lock()
	resetAt, ok := store.limited[1]
	store.mu.Unlock()
	require.True(t, ok)
	assert.InDelta(t, 120, time.Until(resetAt).Seconds(), 5)

	info := p.Quota.Get(context.Background(), 1)
	require.NotNil(t, info)
	assert.True(t, info.IsQuotaExhausted())

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.rateLimits, 1)
	assert.Equal(t, [2]int64{9, 120}, recorder.rateLimits[0])
}

func TestDispatchDeadlineExceededIsTimeout(t *testing.T) {
	store := newFakeStore(testAccount(1, models.ProviderGemini))
	d, _, _ := newTestDispatcher(t, "http://127.0.0.1:1", store)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := d.Dispatch(ctx, &Request{
		Model:   "gemini-2.5-pro",
		Payload: []byte(`{"contents":[]}`),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrClientCancelled)

	apiErr, ok := err.(*apierrors.APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusGatewayTimeout, apiErr.HTTPStatus)
}

func TestDispatchClientErrorIsTerminal(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"contents is required"}}`))
	}))
	defer srv.Close()

	store := newFakeStore(
		testAccount(1, models.ProviderGemini),
		testAccount(2, models.ProviderGemini),
	)
	d, _, _ := newTestDispatcher(t, srv.URL, store)

	_, err := d.Dispatch(context.Background(), &Request{
		Model:   "gemini-2.5-pro",
		Payload: []byte(`{}`),
	})
	require.Error(t, err)

	apiErr, ok := err.(*apierrors.APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatus)
	assert.Contains(t, apiErr.Message, "contents is required")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestDispatchPoolExhausted(t *testing.T) {
	store := newFakeStore()
	d, _, _ := newTestDispatcher(t, "http://127.0.0.1:1", store)

	_, err := d.Dispatch(context.Background(), &Request{
		Model:   "gemini-2.5-pro",
		Payload: []byte(`{"contents":[]}`),
	})
	require.Error(t, err)

	apiErr, ok := err.(*apierrors.APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatus)
	assert.Equal(t, "account pool exhausted", apiErr.Message)
}

func TestDispatchAntigravityRouting(t *testing.T) {
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SessionID string `json:"session_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotSession = body.SessionID
		_, _ = w.Write([]byte(`{"response":{}}`))
	}))
	defer srv.Close()

	store := newFakeStore(testAccount(1, models.ProviderGeminiAntigravity))
	d, _, _ := newTestDispatcher(t, srv.URL, store)

	result, err := d.Dispatch(context.Background(), &Request{
		Model:             "gemini-2.5-pro",
		PreferredProvider: models.ProviderGeminiAntigravity,
		SessionID:         "sess-42",
		Payload:           []byte(`{"contents":[]}`),
	})
	require.NoError(t, err)
	defer result.Response.Body.Close()

	assert.Equal(t, "sess-42", gotSession)
}

func TestDispatchCancelledContext(t *testing.T) {
	store := newFakeStore(testAccount(1, models.ProviderGemini))
	d, _, _ := newTestDispatcher(t, "http://127.0.0.1:1", store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispatch(ctx, &Request{
		Model:   "gemini-2.5-pro",
		Payload: []byte(`{"contents":[]}`),
	})
	assert.ErrorIs(t, err, ErrClientCancelled)
}
