package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"airelay-go/internal/constants"
	apierrors "airelay-go/internal/errors"
	"airelay-go/internal/logging"
	"airelay-go/internal/middleware"
	"airelay-go/internal/models"
	"airelay-go/internal/monitoring"
	"airelay-go/internal/pool"
	"airelay-go/internal/upstream"

	log "github.com/sirupsen/logrus"
)

// handleResponses relays the OpenAI Responses API verbatim to the Codex
// upstream. No wire translation happens here; account rotation and request
// accounting follow the same bounded loop as the Gemini paths, minus the
// Google token refresh (Codex tokens are used as stored).
func (s *Server) handleResponses(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	model := gjson.GetBytes(body, "model").String()
	c.Set("model", model)

	tempID, start := s.deps.Logs.CreateLog(&models.RequestLog{
		RequestID:      requestID(c),
		Model:          model,
		IsStreaming:    gjson.GetBytes(body, "stream").Bool(),
		MessageSummary: responsesSummary(body),
		ClientIP:       clientIP(c),
		UserAgent:      c.Request.UserAgent(),
	})

	ctx := c.Request.Context()
	inFlight := pool.NewInFlight()
	var lastStatus int
	var lastMessage string

	for attempt := 1; attempt <= constants.MaxDispatchAttempts; attempt++ {
		if ctx.Err() != nil {
			s.deps.Logs.RecordFailure(tempID, 0, "client cancelled")
			return
		}

		picked, err := s.deps.Pool.Pick(ctx, pool.PickRequest{
			PreferredProvider: models.ProviderOpenAI,
			InFlight:          inFlight,
		})
		if err != nil {
			break
		}
		account := picked.Account

		creds, err := account.OAuth()
		if err != nil || creds.AccessToken == "" {
			logging.WithReq(c, log.Fields{"account_id": account.ID}).Warn("codex account credentials unusable, disabled")
			s.deps.Pool.Disable(ctx, account.ID)
			lastMessage = "account credentials unusable"
			continue
		}

		s.deps.Logs.UpdateRetry(tempID, attempt, account.ID)

		resp, err := s.deps.Codex.Responses(ctx, creds.AccessToken, body, c.GetHeader("Originator"))

		var status int
		var errBody []byte
		if resp != nil {
			status = resp.StatusCode
			if status >= 400 {
				errBody, _ = io.ReadAll(io.LimitReader(resp.Body, 8<<10))
				resp.Body.Close()
			}
		}
		kind := apierrors.Classify(status, errBody, err)
		monitoring.RecordUpstreamAttempt(string(account.Provider), kind.String())

		switch kind {
		case apierrors.Success:
			s.deps.Pool.Quota.UpdateFromHeaders(ctx, account.ID, resp.Header)
			s.relayResponses(c, tempID, start, account, resp)
			return

		case apierrors.ClientCancelled:
			s.deps.Logs.RecordFailure(tempID, 0, "client cancelled")
			return

		case apierrors.AccountAuth:
			logging.WithReq(c, log.Fields{"account_id": account.ID, "status": status}).
				Warn("codex account rejected, disabled")
			s.deps.Pool.Disable(ctx, account.ID)
			lastStatus, lastMessage = status, upstreamErrMessage(status, errBody)

		case apierrors.AccountRateLimit:
			resetSec := upstream.ParseRetryAfter(resp.Header)
			logging.WithReq(c, log.Fields{"account_id": account.ID, "reset_sec": resetSec}).
				Info("codex account rate limited")
			s.deps.Pool.MarkRateLimited(ctx, account.ID, resetSec)
			s.deps.Pool.Quota.MarkExhausted(ctx, account.ID, resetSec)
			s.deps.Logs.RecordRateLimit(tempID, resetSec)
			lastStatus, lastMessage = status, upstreamErrMessage(status, errBody)

		case apierrors.ClientError:
			apiErr := apierrors.MapHTTPError(status, errBody)
			s.deps.Logs.RecordFailure(tempID, apiErr.HTTPStatus, apiErr.Message)
			middleware.WriteAPIError(c, apiErr)
			return

		default:
			if err != nil {
				lastMessage = err.Error()
			} else {
				lastStatus, lastMessage = status, upstreamErrMessage(status, errBody)
			}
		}
	}

	if lastStatus == 0 {
		lastStatus = http.StatusServiceUnavailable
	}
	if lastMessage == "" {
		lastMessage = "account pool exhausted"
	}
	apiErr := apierrors.MapHTTPError(lastStatus, nil)
	apiErr.Message = lastMessage
	s.deps.Logs.RecordFailure(tempID, apiErr.HTTPStatus, apiErr.Message)
	middleware.WriteAPIError(c, apiErr)
}

func (s *Server) relayResponses(c *gin.Context, tempID int64, start time.Time, account *models.Account, resp *http.Response) {
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Status(resp.StatusCode)
	c.Header("Content-Type", contentType)
	if _, copyErr := io.Copy(c.Writer, resp.Body); copyErr != nil {
		s.deps.Logs.RecordFailure(tempID, resp.StatusCode, copyErr.Error())
		return
	}

	s.deps.Logs.RecordSuccess(tempID, map[string]interface{}{
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
		"account_id":  account.ID,
		"provider":    string(account.Provider),
	})
}

// responsesSummary previews the caller input: a plain string, or the first
// text content of the newest user item.
func responsesSummary(body []byte) string {
	input := gjson.GetBytes(body, "input")
	if input.Type == gjson.String {
		return truncateSummary(input.String())
	}
	items := input.Array()
	for i := len(items) - 1; i >= 0; i-- {
		if role := items[i].Get("role").String(); role != "" && role != "user" {
			continue
		}
		content := items[i].Get("content")
		if content.Type == gjson.String {
			return truncateSummary(content.String())
		}
		for _, part := range content.Array() {
			if text := part.Get("text").String(); text != "" {
				return truncateSummary(text)
			}
		}
	}
	return ""
}

func upstreamErrMessage(status int, body []byte) string {
	if msg := apierrors.ExtractUpstreamMessage(body); msg != "" {
		return msg
	}
	return http.StatusText(status)
}
