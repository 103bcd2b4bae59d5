package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"airelay-go/internal/migrations"
	"airelay-go/internal/models"
)

const defaultPGTimeout = 5 * time.Second

// PostgresStore is the production Store backend.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Info("Connected to PostgreSQL storage backend")
	return &PostgresStore{db: db}, nil
}

func withPGTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultPGTimeout)
}

func (p *PostgresStore) Initialize(ctx context.Context) error {
	if err := migrations.PostgresUp(p.db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("PostgreSQL migrations applied")
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) Health(ctx context.Context) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	return p.db.PingContext(ctx)
}

// ---- accounts ----

const accountColumns = `id, provider, name, email, base_url, credentials, is_enabled,
	is_rate_limited, rate_limit_reset_time, last_used_at, usage_count, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*models.Account, error) {
	var a models.Account
	var resetTime, lastUsed sql.NullTime
	err := row.Scan(&a.ID, &a.Provider, &a.Name, &a.Email, &a.BaseURL, &a.Credentials,
		&a.IsEnabled, &a.IsRateLimited, &resetTime, &lastUsed, &a.UsageCount,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if resetTime.Valid {
		t := resetTime.Time
		a.RateLimitResetTime = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		a.LastUsedAt = &t
	}
	return &a, nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, account *models.Account) (int64, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (provider, name, email, base_url, credentials, is_enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		account.Provider, account.Name, account.Email, account.BaseURL,
		account.Credentials, account.IsEnabled).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create account: %w", err)
	}
	return id, nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	account, err := scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (p *PostgresStore) DeleteAccount(ctx context.Context, id int64) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (p *PostgresStore) TouchAccountUsage(ctx context.Context, id int64, usedAt time.Time) (int64, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts
		SET usage_count = usage_count + 1, last_used_at = $2, updated_at = NOW()
		WHERE id = $1`, id, usedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to touch account usage: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) MarkAccountRateLimited(ctx context.Context, id int64, resetAt time.Time) (int64, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts
		SET is_rate_limited = TRUE, rate_limit_reset_time = $2, updated_at = NOW()
		WHERE id = $1`, id, resetAt)
	if err != nil {
		return 0, fmt.Errorf("failed to mark account rate limited: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) SetAccountEnabled(ctx context.Context, id int64, enabled bool) (int64, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET is_enabled = $2, updated_at = NOW() WHERE id = $1`,
		id, enabled)
	if err != nil {
		return 0, fmt.Errorf("failed to set account enabled: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) UpdateAccountCredentials(ctx context.Context, id int64, credentials string) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET credentials = $2, updated_at = NOW() WHERE id = $1`,
		id, credentials)
	if err != nil {
		return fmt.Errorf("failed to update account credentials: %w", err)
	}
	return nil
}

// ---- request logs ----

const requestLogColumns = `id, request_id, conversation_id, session_id, account_id, provider,
	model, is_streaming, message_summary, status_code, is_success, error_message,
	retry_count, total_attempts, prompt_tokens, completion_tokens, total_tokens,
	request_start_time, request_end_time, duration_ms, time_to_first_byte_ms,
	is_rate_limited, rate_limit_reset_seconds, session_stickiness_used,
	client_ip, user_agent, originator, created_at, updated_at`

func scanRequestLog(row interface{ Scan(...interface{}) error }) (*models.RequestLog, error) {
	var l models.RequestLog
	var accountID, promptTokens, completionTokens, totalTokens sql.NullInt64
	var durationMs, ttfbMs, resetSec sql.NullInt64
	var statusCode sql.NullInt32
	var endTime sql.NullTime

	err := row.Scan(&l.ID, &l.RequestID, &l.ConversationID, &l.SessionID, &accountID,
		&l.Provider, &l.Model, &l.IsStreaming, &l.MessageSummary, &statusCode,
		&l.IsSuccess, &l.ErrorMessage, &l.RetryCount, &l.TotalAttempts,
		&promptTokens, &completionTokens, &totalTokens,
		&l.RequestStartTime, &endTime, &durationMs, &ttfbMs,
		&l.IsRateLimited, &resetSec, &l.SessionStickinessUsed,
		&l.ClientIP, &l.UserAgent, &l.Originator, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if accountID.Valid {
		v := accountID.Int64
		l.AccountID = &v
	}
	if statusCode.Valid {
		v := int(statusCode.Int32)
		l.StatusCode = &v
	}
	if promptTokens.Valid {
		v := promptTokens.Int64
		l.PromptTokens = &v
	}
	if completionTokens.Valid {
		v := completionTokens.Int64
		l.CompletionTokens = &v
	}
	if totalTokens.Valid {
		v := totalTokens.Int64
		l.TotalTokens = &v
	}
	if endTime.Valid {
		t := endTime.Time
		l.RequestEndTime = &t
	}
	if durationMs.Valid {
		v := durationMs.Int64
		l.DurationMs = &v
	}
	if ttfbMs.Valid {
		v := ttfbMs.Int64
		l.TimeToFirstByteMs = &v
	}
	if resetSec.Valid {
		v := resetSec.Int64
		l.RateLimitResetSeconds = &v
	}
	return &l, nil
}

func (p *PostgresStore) InsertRequestLog(ctx context.Context, entry *models.RequestLog) (int64, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO request_logs (request_id, conversation_id, session_id, account_id,
			provider, model, is_streaming, message_summary, request_start_time,
			session_stickiness_used, client_ip, user_agent, originator)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		entry.RequestID, entry.ConversationID, entry.SessionID, entry.AccountID,
		entry.Provider, entry.Model, entry.IsStreaming, entry.MessageSummary,
		entry.RequestStartTime, entry.SessionStickinessUsed,
		entry.ClientIP, entry.UserAgent, entry.Originator).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert request log: %w", err)
	}
	return id, nil
}

func (p *PostgresStore) UpdateRequestLog(ctx context.Context, id int64, fields map[string]interface{}) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	if err := validateUpdateFields(fields); err != nil {
		return 0, err
	}
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys)+1)
	args := make([]interface{}, 0, len(keys)+1)
	for i, k := range keys {
		sets = append(sets, fmt.Sprintf("%s = $%d", k, i+1))
		args = append(args, fields[k])
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE request_logs SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update request log: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) ListRequestLogs(ctx context.Context, q LogQuery) ([]*models.RequestLog, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var where []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.AccountID != 0 {
		add("account_id = $%d", q.AccountID)
	}
	if q.Model != "" {
		add("model = $%d", q.Model)
	}
	if !q.Since.IsZero() {
		add("request_start_time >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		add("request_start_time < $%d", q.Until)
	}

	query := `SELECT ` + requestLogColumns + ` FROM request_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY request_start_time DESC"
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list request logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.RequestLog
	for rows.Next() {
		l, err := scanRequestLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ---- summaries ----

func (p *PostgresStore) SummaryExists(ctx context.Context, hourStart time.Time) (bool, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM hourly_summaries WHERE hour_start_time = $1)`,
		hourStart).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) HasAnySummary(ctx context.Context) (bool, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM hourly_summaries)`).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) EarliestLogTime(ctx context.Context) (time.Time, bool, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var earliest sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT MIN(request_start_time) FROM request_logs`).Scan(&earliest)
	if err != nil {
		return time.Time{}, false, err
	}
	return earliest.Time, earliest.Valid, nil
}

func (p *PostgresStore) ListCompletedLogs(ctx context.Context, from, to time.Time) ([]*models.RequestLog, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestLogColumns+` FROM request_logs
		WHERE request_start_time >= $1 AND request_start_time < $2
		  AND request_end_time IS NOT NULL
		ORDER BY request_start_time`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.RequestLog
	for rows.Next() {
		l, err := scanRequestLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

const summaryStatsColumns = `total_requests, success_requests, failure_requests, success_rate,
	total_duration_ms, min_duration_ms, max_duration_ms, avg_duration_ms,
	p50_duration_ms, p95_duration_ms, p99_duration_ms,
	prompt_tokens, completion_tokens, total_tokens, avg_ttfb_ms`

func summaryStatsArgs(s *models.HourlySummary) []interface{} {
	return []interface{}{
		s.TotalRequests, s.SuccessRequests, s.FailureRequests, s.SuccessRate,
		s.TotalDurationMs, s.MinDurationMs, s.MaxDurationMs, s.AvgDurationMs,
		s.P50DurationMs, s.P95DurationMs, s.P99DurationMs,
		s.PromptTokens, s.CompletionTokens, s.TotalTokens, s.AvgTTFBMs,
	}
}

func (p *PostgresStore) SaveHourlySummaries(ctx context.Context, overall *models.HourlySummary, byModel []*models.HourlyModelSummary, byAccount []*models.HourlyAccountSummary) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO hourly_summaries (hour_start_time, `+summaryStatsColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (hour_start_time) DO NOTHING`,
		append([]interface{}{overall.HourStartTime}, summaryStatsArgs(overall)...)...)
	if err != nil {
		return fmt.Errorf("insert hourly summary: %w", err)
	}

	for _, m := range byModel {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO hourly_model_summaries (hour_start_time, model, provider, `+summaryStatsColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (hour_start_time, model, provider) DO NOTHING`,
			append([]interface{}{m.HourStartTime, m.Model, m.Provider}, summaryStatsArgs(&m.HourlySummary)...)...)
		if err != nil {
			return fmt.Errorf("insert model summary: %w", err)
		}
	}

	for _, a := range byAccount {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO hourly_account_summaries (hour_start_time, account_id, account_name, account_provider, `+summaryStatsColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (hour_start_time, account_id) DO NOTHING`,
			append([]interface{}{a.HourStartTime, a.AccountID, a.AccountName, a.AccountProvider}, summaryStatsArgs(&a.HourlySummary)...)...)
		if err != nil {
			return fmt.Errorf("insert account summary: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) ListHourlySummaries(ctx context.Context, from, to time.Time) ([]*models.HourlySummary, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT hour_start_time, `+summaryStatsColumns+` FROM hourly_summaries
		WHERE hour_start_time >= $1 AND hour_start_time < $2
		ORDER BY hour_start_time`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list hourly summaries: %w", err)
	}
	defer rows.Close()

	var out []*models.HourlySummary
	for rows.Next() {
		var s models.HourlySummary
		err := rows.Scan(&s.HourStartTime,
			&s.TotalRequests, &s.SuccessRequests, &s.FailureRequests, &s.SuccessRate,
			&s.TotalDurationMs, &s.MinDurationMs, &s.MaxDurationMs, &s.AvgDurationMs,
			&s.P50DurationMs, &s.P95DurationMs, &s.P99DurationMs,
			&s.PromptTokens, &s.CompletionTokens, &s.TotalTokens, &s.AvgTTFBMs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hourly summary: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
