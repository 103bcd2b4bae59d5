package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"airelay-go/internal/models"
)

// MemoryStore keeps everything in process memory. Used for tests and for
// running without a database; nothing survives a restart.
type MemoryStore struct {
	mu sync.Mutex

	nextAccountID int64
	accounts      map[int64]*models.Account

	nextLogID int64
	logs      map[int64]*models.RequestLog

	summaries        map[time.Time]*models.HourlySummary
	modelSummaries   map[time.Time][]*models.HourlyModelSummary
	accountSummaries map[time.Time][]*models.HourlyAccountSummary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:         make(map[int64]*models.Account),
		logs:             make(map[int64]*models.RequestLog),
		summaries:        make(map[time.Time]*models.HourlySummary),
		modelSummaries:   make(map[time.Time][]*models.HourlyModelSummary),
		accountSummaries: make(map[time.Time][]*models.HourlyAccountSummary),
	}
}

func (m *MemoryStore) Initialize(context.Context) error { return nil }
func (m *MemoryStore) Close() error                     { return nil }
func (m *MemoryStore) Health(context.Context) error     { return nil }

// ---- accounts ----

func (m *MemoryStore) CreateAccount(_ context.Context, account *models.Account) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAccountID++
	copied := *account
	copied.ID = m.nextAccountID
	now := time.Now()
	copied.CreatedAt = now
	copied.UpdatedAt = now
	m.accounts[copied.ID] = &copied
	return copied.ID, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (m *MemoryStore) DeleteAccount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, id)
	return nil
}

func (m *MemoryStore) ListAccounts(context.Context) ([]*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		copied := *account
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) TouchAccountUsage(_ context.Context, id int64, usedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return 0, nil
	}
	account.UsageCount++
	t := usedAt
	account.LastUsedAt = &t
	account.UpdatedAt = time.Now()
	return 1, nil
}

func (m *MemoryStore) MarkAccountRateLimited(_ context.Context, id int64, resetAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return 0, nil
	}
	account.IsRateLimited = true
	t := resetAt
	account.RateLimitResetTime = &t
	account.UpdatedAt = time.Now()
	return 1, nil
}

func (m *MemoryStore) SetAccountEnabled(_ context.Context, id int64, enabled bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return 0, nil
	}
	account.IsEnabled = enabled
	account.UpdatedAt = time.Now()
	return 1, nil
}

func (m *MemoryStore) UpdateAccountCredentials(_ context.Context, id int64, credentials string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	account.Credentials = credentials
	account.UpdatedAt = time.Now()
	return nil
}

// ---- request logs ----

func (m *MemoryStore) InsertRequestLog(_ context.Context, entry *models.RequestLog) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	copied := *entry
	copied.ID = m.nextLogID
	now := time.Now()
	copied.CreatedAt = now
	copied.UpdatedAt = now
	m.logs[copied.ID] = &copied
	return copied.ID, nil
}

func (m *MemoryStore) UpdateRequestLog(_ context.Context, id int64, fields map[string]interface{}) (int64, error) {
	if err := validateUpdateFields(fields); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return 0, nil
	}
	applyLogFields(l, fields)
	l.UpdatedAt = time.Now()
	return 1, nil
}

func applyLogFields(l *models.RequestLog, fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "status_code":
			if n, ok := toInt(v); ok {
				l.StatusCode = &n
			}
		case "is_success":
			if b, ok := v.(bool); ok {
				l.IsSuccess = b
			}
		case "error_message":
			if s, ok := v.(string); ok {
				l.ErrorMessage = s
			}
		case "retry_count":
			if n, ok := toInt(v); ok {
				l.RetryCount = n
			}
		case "total_attempts":
			if n, ok := toInt(v); ok {
				l.TotalAttempts = n
			}
		case "account_id":
			if n, ok := toInt64(v); ok {
				l.AccountID = &n
			}
		case "provider":
			if s, ok := v.(string); ok {
				l.Provider = models.Provider(s)
			} else if p, ok := v.(models.Provider); ok {
				l.Provider = p
			}
		case "prompt_tokens":
			if n, ok := toInt64(v); ok {
				l.PromptTokens = &n
			}
		case "completion_tokens":
			if n, ok := toInt64(v); ok {
				l.CompletionTokens = &n
			}
		case "total_tokens":
			if n, ok := toInt64(v); ok {
				l.TotalTokens = &n
			}
		case "request_end_time":
			if t, ok := v.(time.Time); ok {
				l.RequestEndTime = &t
			}
		case "duration_ms":
			if n, ok := toInt64(v); ok {
				l.DurationMs = &n
			}
		case "time_to_first_byte_ms":
			if n, ok := toInt64(v); ok {
				l.TimeToFirstByteMs = &n
			}
		case "is_rate_limited":
			if b, ok := v.(bool); ok {
				l.IsRateLimited = b
			}
		case "rate_limit_reset_seconds":
			if n, ok := toInt64(v); ok {
				l.RateLimitResetSeconds = &n
			}
		case "session_stickiness_used":
			if b, ok := v.(bool); ok {
				l.SessionStickinessUsed = b
			}
		}
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	}
	return 0, false
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func (m *MemoryStore) ListRequestLogs(_ context.Context, q LogQuery) ([]*models.RequestLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.RequestLog
	for _, l := range m.logs {
		if q.AccountID != 0 && (l.AccountID == nil || *l.AccountID != q.AccountID) {
			continue
		}
		if q.Model != "" && l.Model != q.Model {
			continue
		}
		if !q.Since.IsZero() && l.RequestStartTime.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && !l.RequestStartTime.Before(q.Until) {
			continue
		}
		copied := *l
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestStartTime.After(out[j].RequestStartTime)
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- summaries ----

func (m *MemoryStore) SummaryExists(_ context.Context, hourStart time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.summaries[hourStart.UTC()]
	return ok, nil
}

func (m *MemoryStore) HasAnySummary(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.summaries) > 0, nil
}

func (m *MemoryStore) EarliestLogTime(context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var earliest time.Time
	for _, l := range m.logs {
		if earliest.IsZero() || l.RequestStartTime.Before(earliest) {
			earliest = l.RequestStartTime
		}
	}
	return earliest, !earliest.IsZero(), nil
}

func (m *MemoryStore) ListCompletedLogs(_ context.Context, from, to time.Time) ([]*models.RequestLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RequestLog
	for _, l := range m.logs {
		if l.RequestEndTime == nil {
			continue
		}
		if l.RequestStartTime.Before(from) || !l.RequestStartTime.Before(to) {
			continue
		}
		copied := *l
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestStartTime.Before(out[j].RequestStartTime)
	})
	return out, nil
}

func (m *MemoryStore) SaveHourlySummaries(_ context.Context, overall *models.HourlySummary, byModel []*models.HourlyModelSummary, byAccount []*models.HourlyAccountSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := overall.HourStartTime.UTC()
	if _, exists := m.summaries[key]; exists {
		return nil
	}
	m.summaries[key] = overall
	m.modelSummaries[key] = byModel
	m.accountSummaries[key] = byAccount
	return nil
}

func (m *MemoryStore) ListHourlySummaries(_ context.Context, from, to time.Time) ([]*models.HourlySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.HourlySummary
	for _, s := range m.summaries {
		if s.HourStartTime.Before(from) || !s.HourStartTime.Before(to) {
			continue
		}
		copied := *s
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].HourStartTime.Before(out[j].HourStartTime)
	})
	return out, nil
}
