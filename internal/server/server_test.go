package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"airelay-go/internal/config"
	"airelay-go/internal/dispatch"
	"airelay-go/internal/logging"
	"airelay-go/internal/models"
	"airelay-go/internal/pool"
	"airelay-go/internal/reqlog"
	"airelay-go/internal/storage"
	"airelay-go/internal/upstream"
)

const geminiFixture = `{"response":{"candidates":[{"content":{"parts":[{"text":"hello there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":5,"totalTokenCount":8}}}`

func newUpstreamStub(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.RawQuery, "alt=sse") {
				w.Header().Set("Content-Type", "text/event-stream")
				_, _ = w.Write([]byte("data: " + geminiFixture + "\n\n"))
				return
			}
			_, _ = w.Write([]byte(geminiFixture))
		}
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	server *Server
	store  *storage.MemoryStore
	logs   *reqlog.Pipeline
}

func newTestEnv(t *testing.T, upstreamURL string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	cfgYAML := "debug: true\ngemini:\n  code_assist_endpoint: " + upstreamURL +
		"\nantigravity:\n  api_url: " + upstreamURL + "\ncodex:\n  base_url: " + upstreamURL + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o644))
	mgr, err := config.NewManager(cfgPath)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	require.NoError(t, store.Initialize(context.Background()))

	cache, err := pool.NewRistrettoCache()
	require.NoError(t, err)
	p := pool.New(store, cache)

	hub := logging.NewWSHub()
	hub.Start()
	t.Cleanup(hub.Stop)

	pipeline := reqlog.NewPipeline(store, hub)
	pipeline.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pipeline.Stop(ctx)
	})

	dispatcher := &dispatch.Dispatcher{
		Pool:        p,
		Refresher:   upstream.NewTokenRefresher("id", "secret"),
		CodeAssist:  upstream.NewCodeAssistClient(upstreamURL, ""),
		Antigravity: upstream.NewAntigravityClient(upstreamURL, "", false),
		Creds:       store,
		Logs:        pipeline,
	}

	srv := New(Dependencies{
		Config:     mgr,
		Store:      store,
		Pool:       p,
		Dispatcher: dispatcher,
		Logs:       pipeline,
		Hub:        hub,
		Aliases:    models.NewAliasMap(),
		Codex:      upstream.NewCodexClient(upstreamURL, ""),
	})
	return &testEnv{server: srv, store: store, logs: pipeline}
}

func (e *testEnv) addAccount(t *testing.T, provider models.Provider) int64 {
	t.Helper()
	creds, _ := json.Marshal(models.OAuthCredentials{AccessToken: "tok", ProjectID: "proj"})
	id, err := e.store.CreateAccount(context.Background(), &models.Account{
		Provider:    provider,
		Name:        "acct",
		Credentials: string(creds),
		IsEnabled:   true,
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) do(method, path string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.server.Engine().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	w := env.do("GET", "/health", "")
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestListModelsOpenAI(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	w := env.do("GET", "/v1/models", "")
	require.Equal(t, 200, w.Code)

	parsed := gjson.Parse(w.Body.String())
	assert.Equal(t, "list", parsed.Get("object").String())

	ids := make([]string, 0)
	for _, m := range parsed.Get("data").Array() {
		ids = append(ids, m.Get("id").String())
	}
	assert.Contains(t, ids, "gemini-2.5-pro")
	assert.Contains(t, ids, models.FakeStreamingPrefix+"gemini-2.5-pro")
	assert.Contains(t, ids, "gemini-2.5-flash-maxthinking")
}

func TestListModelsGemini(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	w := env.do("GET", "/v1beta/models", "")
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "models/gemini-2.5-pro")
}

func TestChatCompletions(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	env.addAccount(t, models.ProviderGemini)

	w := env.do("POST", "/v1/chat/completions",
		`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	parsed := gjson.Parse(w.Body.String())
	assert.Equal(t, "chat.completion", parsed.Get("object").String())
	assert.Equal(t, "hello there", parsed.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", parsed.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(8), parsed.Get("usage.total_tokens").Int())
}

func TestChatCompletionsStream(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	env.addAccount(t, models.ProviderGemini)

	w := env.do("POST", "/v1/chat/completions",
		`{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	body := w.Body.String()
	assert.Contains(t, body, `"object":"chat.completion.chunk"`)
	assert.Contains(t, body, "hello there")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)
}

func TestChatCompletionsMissingModel(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	w := env.do("POST", "/v1/chat/completions", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "model is required")
}

func TestChatCompletionsPoolExhausted(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)

	w := env.do("POST", "/v1/chat/completions",
		`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "account pool exhausted")
}

func TestFakeStreaming(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	env.addAccount(t, models.ProviderGemini)

	w := env.do("POST", "/v1/chat/completions",
		`{"model":"`+models.FakeStreamingPrefix+`gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	body := w.Body.String()
	lines := make([]string, 0)
	for _, l := range strings.Split(body, "\n") {
		if strings.HasPrefix(l, "data: ") && l != "data: [DONE]" {
			lines = append(lines, strings.TrimPrefix(l, "data: "))
		}
	}
	require.GreaterOrEqual(t, len(lines), 2)

	first := gjson.Parse(lines[0])
	assert.Equal(t, "assistant", first.Get("choices.0.delta.role").String())
	assert.Equal(t, "", first.Get("choices.0.delta.content").String())

	last := gjson.Parse(lines[len(lines)-1])
	assert.Equal(t, "hello there", last.Get("choices.0.delta.content").String())
	assert.Equal(t, "stop", last.Get("choices.0.finish_reason").String())
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestMessages(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	env.addAccount(t, models.ProviderGemini)

	w := env.do("POST", "/v1/messages",
		`{"model":"gemini-2.5-pro","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	parsed := gjson.Parse(w.Body.String())
	assert.Equal(t, "message", parsed.Get("type").String())
	assert.Equal(t, "assistant", parsed.Get("role").String())
	assert.Equal(t, "hello there", parsed.Get("content.0.text").String())
}

func TestCountTokens(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	w := env.do("POST", "/v1/messages/count_tokens",
		`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hello world, how are you today"}]}`)
	require.Equal(t, 200, w.Code)
	assert.Greater(t, gjson.Get(w.Body.String(), "input_tokens").Int(), int64(0))
}

func TestGeminiGenerateContent(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	env.addAccount(t, models.ProviderGemini)

	w := env.do("POST", "/v1beta/models/gemini-2.5-pro/:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	// 透传时去掉 code-assist 外层
	parsed := gjson.Parse(w.Body.String())
	assert.False(t, parsed.Get("response").Exists())
	assert.Equal(t, "hello there", parsed.Get("candidates.0.content.parts.0.text").String())
}

func TestGeminiStreamGenerateContent(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	env.addAccount(t, models.ProviderGemini)

	w := env.do("POST", "/v1beta/models/gemini-2.5-pro/:streamGenerateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"candidates"`)
	assert.NotContains(t, w.Body.String(), `"response"`)
}

func TestGeminiUnknownAction(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	w := env.do("POST", "/v1beta/models/gemini-2.5-pro/:embedContent", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestLogRecorded(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	id := env.addAccount(t, models.ProviderGemini)

	w := env.do("POST", "/v1/chat/completions",
		`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, 200, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.logs.Stop(ctx)

	logs, err := env.store.ListRequestLogs(context.Background(), storage.LogQuery{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	entry := logs[0]
	assert.Equal(t, "gemini-2.5-pro", entry.Model)
	assert.True(t, entry.IsSuccess)
	require.NotNil(t, entry.AccountID)
	assert.Equal(t, id, *entry.AccountID)
	require.NotNil(t, entry.TotalTokens)
	assert.Equal(t, int64(8), *entry.TotalTokens)
	assert.Equal(t, "hi", entry.MessageSummary)
}

func TestResponsesPassthrough(t *testing.T) {
	stub := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/responses"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"resp_1","object":"response","status":"completed"}`))
	})
	env := newTestEnv(t, stub.URL)
	env.addAccount(t, models.ProviderOpenAI)

	w := env.do("POST", "/v1/responses", `{"model":"gpt-5","input":"hi"}`)
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"id":"resp_1"`)
}

func TestResponsesRotatesOnAuthFailure(t *testing.T) {
	var calls atomic.Int64
	stub := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad token"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"resp_2","object":"response","status":"completed"}`))
	})
	env := newTestEnv(t, stub.URL)
	env.addAccount(t, models.ProviderOpenAI)
	env.addAccount(t, models.ProviderOpenAI)

	w := env.do("POST", "/v1/responses", `{"model":"gpt-5","input":"hi"}`)
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"id":"resp_2"`)
	assert.Equal(t, int64(2), calls.Load())

	// 被 401 拒绝的账号已禁用
	accounts, err := env.store.ListAccounts(context.Background())
	require.NoError(t, err)
	disabled := 0
	for _, a := range accounts {
		if !a.IsEnabled {
			disabled++
		}
	}
	assert.Equal(t, 1, disabled)
}

func TestResponsesNoOpenAIAccount(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	env.addAccount(t, models.ProviderGemini)

	w := env.do("POST", "/v1/responses", `{"model":"gpt-5","input":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminAccountLifecycle(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)

	w := env.do("POST", "/admin/accounts",
		`{"provider":"gemini","name":"primary","credentials":"{\"access_token\":\"tok\"}"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := gjson.Get(w.Body.String(), "account.id").Int()
	require.Greater(t, id, int64(0))

	w = env.do("GET", "/admin/accounts", "")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, int64(1), int64(len(gjson.Get(w.Body.String(), "accounts").Array())))

	w = env.do("POST", "/admin/accounts/"+strconv.FormatInt(id, 10)+"/disable", "")
	require.Equal(t, 200, w.Code)
	account, err := env.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, account.IsEnabled)

	w = env.do("POST", "/admin/accounts/"+strconv.FormatInt(id, 10)+"/enable", "")
	require.Equal(t, 200, w.Code)
	account, err = env.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, account.IsEnabled)

	w = env.do("DELETE", "/admin/accounts/"+strconv.FormatInt(id, 10), "")
	require.Equal(t, 200, w.Code)
	w = env.do("GET", "/admin/accounts/"+strconv.FormatInt(id, 10), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminCreateAccountRejectsUnknownProvider(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	w := env.do("POST", "/admin/accounts",
		`{"provider":"mystery","credentials":"{}"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminListLogs(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	env.addAccount(t, models.ProviderGemini)

	w := env.do("POST", "/v1/chat/completions",
		`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, 200, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.logs.Stop(ctx)

	w = env.do("GET", "/admin/logs?model=gemini-2.5-pro&limit=10", "")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, int64(1), gjson.Get(w.Body.String(), "count").Int())

	w = env.do("GET", "/admin/logs?model=unknown-model", "")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, int64(0), gjson.Get(w.Body.String(), "count").Int())

	w = env.do("GET", "/admin/logs?since=not-a-time", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminListSummaries(t *testing.T) {
	env := newTestEnv(t, newUpstreamStub(t, nil).URL)
	w := env.do("GET", "/admin/summaries", "")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, int64(0), gjson.Get(w.Body.String(), "count").Int())
}
