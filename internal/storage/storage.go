package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airelay-go/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// LogQuery filters the admin log listing. Zero values mean "no filter".
type LogQuery struct {
	AccountID int64
	Model     string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Store is the persistence surface of the relay: the account pool, the
// request-log pipeline, and the hourly aggregator all sit on top of it.
type Store interface {
	Initialize(ctx context.Context) error
	Close() error
	Health(ctx context.Context) error

	// Accounts
	CreateAccount(ctx context.Context, account *models.Account) (int64, error)
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	DeleteAccount(ctx context.Context, id int64) error
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	TouchAccountUsage(ctx context.Context, id int64, usedAt time.Time) (int64, error)
	MarkAccountRateLimited(ctx context.Context, id int64, resetAt time.Time) (int64, error)
	SetAccountEnabled(ctx context.Context, id int64, enabled bool) (int64, error)
	UpdateAccountCredentials(ctx context.Context, id int64, credentials string) error

	// Request logs
	InsertRequestLog(ctx context.Context, entry *models.RequestLog) (int64, error)
	UpdateRequestLog(ctx context.Context, id int64, fields map[string]interface{}) (int64, error)
	ListRequestLogs(ctx context.Context, q LogQuery) ([]*models.RequestLog, error)

	// Hourly summaries
	SummaryExists(ctx context.Context, hourStart time.Time) (bool, error)
	HasAnySummary(ctx context.Context) (bool, error)
	EarliestLogTime(ctx context.Context) (time.Time, bool, error)
	ListCompletedLogs(ctx context.Context, from, to time.Time) ([]*models.RequestLog, error)
	SaveHourlySummaries(ctx context.Context, overall *models.HourlySummary, byModel []*models.HourlyModelSummary, byAccount []*models.HourlyAccountSummary) error
	ListHourlySummaries(ctx context.Context, from, to time.Time) ([]*models.HourlySummary, error)
}

// updateColumns whitelists the request_logs columns an update map may touch.
var updateColumns = map[string]struct{}{
	"status_code":              {},
	"is_success":               {},
	"error_message":            {},
	"retry_count":              {},
	"total_attempts":           {},
	"account_id":               {},
	"provider":                 {},
	"prompt_tokens":            {},
	"completion_tokens":        {},
	"total_tokens":             {},
	"request_end_time":         {},
	"duration_ms":              {},
	"time_to_first_byte_ms":    {},
	"is_rate_limited":          {},
	"rate_limit_reset_seconds": {},
	"session_stickiness_used":  {},
}

func validateUpdateFields(fields map[string]interface{}) error {
	for k := range fields {
		if _, ok := updateColumns[k]; !ok {
			return fmt.Errorf("unknown request log column %q", k)
		}
	}
	return nil
}
