package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"airelay-go/internal/constants"
	apierrors "airelay-go/internal/errors"
	"airelay-go/internal/models"
	"airelay-go/internal/monitoring"
	"airelay-go/internal/pool"
	"airelay-go/internal/upstream"
)

// ErrClientCancelled marks a request whose caller went away mid-dispatch.
// It terminates the request without an error envelope.
var ErrClientCancelled = errors.New("client cancelled request")

// errorBodyLimit bounds how much of an upstream error body is read for
// classification and reporting.
const errorBodyLimit = 8 << 10

// RetryLogger receives the per-attempt log updates. Calls are fire-and-forget.
type RetryLogger interface {
	UpdateRetry(tempLogID int64, attempt int, accountID int64)
	RecordRateLimit(tempLogID int64, resetSeconds int64)
}

// CredentialSaver persists a refreshed credential blob.
type CredentialSaver interface {
	UpdateAccountCredentials(ctx context.Context, id int64, credentials string) error
}

// Request is one translated upstream payload ready for dispatch. Payload is
// the provider-wire request body; Model carries no feature prefixes.
type Request struct {
	TempLogID         int64
	Model             string
	PreferredProvider models.Provider
	ConversationID    string
	SessionID         string
	Stream            bool
	Payload           []byte
}

// Result is a successful dispatch. Response.Body is unread; the caller
// streams or buffers it and must close it.
type Result struct {
	Response       *http.Response
	Account        *models.Account
	Attempts       int
	StickinessUsed bool
}

// Dispatcher runs the bounded account-rotation loop against the upstreams.
type Dispatcher struct {
	Pool        *pool.Pool
	Refresher   *upstream.TokenRefresher
	CodeAssist  *upstream.CodeAssistClient
	Antigravity *upstream.AntigravityClient
	Creds       CredentialSaver
	Logs        RetryLogger
}

// Dispatch tries accounts until one succeeds or the attempt budget runs out.
// A terminal failure is returned as *apierrors.APIError; a client disconnect
// as ErrClientCancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	inFlight := pool.NewInFlight()
	var lastStatus int
	var lastMessage string

	for attempt := 1; attempt <= constants.MaxDispatchAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, apierrors.New(http.StatusGatewayTimeout,
					"upstream_timeout", "api_error", "upstream call timed out")
			}
			return nil, ErrClientCancelled
		}

		picked, err := d.Pool.Pick(ctx, pool.PickRequest{
			PreferredProvider: req.PreferredProvider,
			ConversationID:    req.ConversationID,
			InFlight:          inFlight,
		})
		if err != nil {
			if errors.Is(err, pool.ErrPoolExhausted) {
				monitoring.RecordDispatchAttempts(attempt)
				if lastStatus != 0 || lastMessage != "" {
					if lastStatus == 0 {
						lastStatus = http.StatusServiceUnavailable
					}
					return nil, terminalFailure(lastStatus, lastMessage)
				}
				return nil, apierrors.New(http.StatusServiceUnavailable,
					"service_unavailable", "server_error", "account pool exhausted")
			}
			return nil, err
		}
		account := picked.Account

		token, updatedCreds, err := d.Refresher.EnsureFresh(ctx, account)
		if err != nil {
			log.WithError(err).WithField("account_id", account.ID).Warn("token refresh failed, disabling account")
			d.Pool.Disable(ctx, account.ID)
			lastMessage = err.Error()
			continue
		}
		if updatedCreds != "" && d.Creds != nil {
			if err := d.Creds.UpdateAccountCredentials(ctx, account.ID, updatedCreds); err != nil {
				log.WithError(err).WithField("account_id", account.ID).Warn("failed to persist refreshed credentials")
			}
		}

		if d.Logs != nil {
			d.Logs.UpdateRetry(req.TempLogID, attempt, account.ID)
		}

		resp, err := d.call(ctx, account, token, req)

		var status int
		var errBody []byte
		if resp != nil {
			status = resp.StatusCode
			if status >= 400 {
				errBody, _ = io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
				resp.Body.Close()
			}
		}
		kind := apierrors.Classify(status, errBody, err)
		monitoring.RecordUpstreamAttempt(string(account.Provider), kind.String())

		switch kind {
		case apierrors.Success:
			if req.ConversationID != "" {
				d.Pool.Affinity.Record(ctx, req.ConversationID, account.ID)
			}
			d.Pool.Quota.UpdateFromHeaders(ctx, account.ID, resp.Header)
			monitoring.RecordDispatchAttempts(attempt)
			return &Result{
				Response:       resp,
				Account:        account,
				Attempts:       attempt,
				StickinessUsed: picked.StickinessUsed,
			}, nil

		case apierrors.ClientCancelled:
			monitoring.RecordDispatchAttempts(attempt)
			return nil, ErrClientCancelled

		case apierrors.AccountAuth:
			log.WithFields(log.Fields{"account_id": account.ID, "status": status}).Warn("upstream rejected credentials, disabling account")
			d.Pool.Disable(ctx, account.ID)
			lastStatus, lastMessage = status, upstreamMessage(status, errBody, err)

		case apierrors.AccountRateLimit:
			resetSec := upstream.ParseRetryAfter(resp.Header)
			log.WithFields(log.Fields{"account_id": account.ID, "reset_sec": resetSec}).Info("upstream rate limited account")
			d.Pool.MarkRateLimited(ctx, account.ID, resetSec)
			d.Pool.Quota.MarkExhausted(ctx, account.ID, resetSec)
			if d.Logs != nil {
				d.Logs.RecordRateLimit(req.TempLogID, resetSec)
			}
			lastStatus, lastMessage = status, upstreamMessage(status, errBody, err)

		case apierrors.ClientError:
			monitoring.RecordDispatchAttempts(attempt)
			return nil, apierrors.MapHTTPError(status, errBody)

		default: // TransientUpstream
			log.WithFields(log.Fields{
				"account_id": account.ID,
				"status":     status,
				"attempt":    attempt,
			}).Warn("upstream attempt failed, retrying")
			lastStatus, lastMessage = status, upstreamMessage(status, errBody, err)
		}
	}

	monitoring.RecordDispatchAttempts(constants.MaxDispatchAttempts)
	if lastStatus == 0 {
		lastStatus = http.StatusServiceUnavailable
	}
	return nil, terminalFailure(lastStatus, lastMessage)
}

func (d *Dispatcher) call(ctx context.Context, account *models.Account, token string, req *Request) (*http.Response, error) {
	creds, err := account.OAuth()
	if err != nil {
		return nil, err
	}
	projectID := creds.ProjectID

	if account.Provider == models.ProviderGeminiAntigravity {
		if req.Stream {
			return d.Antigravity.StreamGenerate(ctx, req.Model, projectID, token, req.SessionID, req.Payload)
		}
		return d.Antigravity.Generate(ctx, req.Model, projectID, token, req.SessionID, req.Payload)
	}
	if req.Stream {
		return d.CodeAssist.StreamGenerate(ctx, req.Model, projectID, token, req.Payload)
	}
	return d.CodeAssist.Generate(ctx, req.Model, projectID, token, req.Payload)
}

func terminalFailure(status int, message string) *apierrors.APIError {
	e := apierrors.MapHTTPError(status, nil)
	if message != "" {
		e.Message = message
	}
	return e
}

func upstreamMessage(status int, body []byte, err error) string {
	if err != nil {
		return err.Error()
	}
	if msg := apierrors.ExtractUpstreamMessage(body); msg != "" {
		return msg
	}
	return http.StatusText(status)
}
