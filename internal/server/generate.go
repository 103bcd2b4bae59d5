package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"airelay-go/internal/constants"
	"airelay-go/internal/dispatch"
	apierrors "airelay-go/internal/errors"
	"airelay-go/internal/logging"
	"airelay-go/internal/middleware"
	"airelay-go/internal/models"
	"airelay-go/internal/monitoring"
	"airelay-go/internal/translator"

	log "github.com/sirupsen/logrus"
)

const maxRequestBody = 32 << 20

// serveGenerate is the shared path behind every inference route: parse the
// model features, resolve aliases, translate the request, dispatch, and
// translate the response back.
func (s *Server) serveGenerate(c *gin.Context, format translator.Format, group models.AliasGroup, rawModel string, stream bool, body []byte) {
	settings := s.deps.Config.Get()

	features := models.ParseFeatures(rawModel)
	if features.AntiTruncation {
		// TODO: continuation for truncated streams, prefix is detected only
		logging.WithReq(c, log.Fields{"model": rawModel}).Info("anti-truncation prefix observed")
	}
	c.Set("model", rawModel)

	target := features.Base
	var preferred models.Provider
	if group != "" && s.deps.Aliases != nil {
		target, preferred, _ = s.deps.Aliases.Resolve(group, features.Base)
	}

	opts := translator.NewOptions(features)
	opts.ReturnThoughts = settings.Antigravity.ReturnThoughts
	if format == translator.FormatClaude {
		opts.EstimatedInputTokens = translator.EstimateClaudeInputTokens(body)
	}

	conversationID := c.GetHeader("conversation_id")
	sessionID := c.GetHeader("session_id")

	tempID, start := s.deps.Logs.CreateLog(&models.RequestLog{
		RequestID:      requestID(c),
		ConversationID: conversationID,
		SessionID:      sessionID,
		Model:          rawModel,
		IsStreaming:    stream,
		MessageSummary: messageSummary(format, body),
		ClientIP:       clientIP(c),
		UserAgent:      c.Request.UserAgent(),
	})

	fakeStream := stream && features.FakeStreaming && format == translator.FormatOpenAI
	upstreamStream := stream && !fakeStream

	payload, err := translator.TranslateRequest(format, translator.FormatGemini, target, body, upstreamStream, opts)
	if err != nil {
		apiErr := apierrors.New(http.StatusBadRequest, "invalid_request_error", "invalid_request_error", err.Error())
		s.deps.Logs.RecordFailure(tempID, apiErr.HTTPStatus, apiErr.Message)
		middleware.WriteAPIError(c, apiErr)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.UpstreamCallTimeout)
	defer cancel()

	req := &dispatch.Request{
		TempLogID:         tempID,
		Model:             target,
		PreferredProvider: preferred,
		ConversationID:    conversationID,
		SessionID:         sessionID,
		Stream:            upstreamStream,
		Payload:           payload,
	}

	if fakeStream {
		s.serveFakeStream(c, ctx, req, rawModel, format, opts, tempID, start)
		return
	}
	if stream {
		s.serveStream(c, ctx, req, rawModel, format, opts, tempID, start)
		return
	}
	s.serveBuffered(c, ctx, req, rawModel, format, opts, tempID, start)
}

func (s *Server) serveBuffered(c *gin.Context, ctx context.Context, req *dispatch.Request, rawModel string, format translator.Format, opts *translator.Options, tempID int64, start time.Time) {
	result, err := s.deps.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		s.writeDispatchError(c, tempID, err)
		return
	}
	defer result.Response.Body.Close()

	upstreamBody, err := io.ReadAll(io.LimitReader(result.Response.Body, maxRequestBody))
	if err != nil {
		s.writeDispatchError(c, tempID, err)
		return
	}

	translated, err := translator.TranslateResponse(ctx, translator.FormatGemini, format, rawModel, upstreamBody, opts)
	if err != nil {
		s.writeDispatchError(c, tempID, err)
		return
	}

	fields := successFields(result, start, nil)
	addUsageFields(fields, upstreamBody)
	s.deps.Logs.RecordSuccess(tempID, fields)

	c.Data(http.StatusOK, "application/json", translated)
}

func (s *Server) serveStream(c *gin.Context, ctx context.Context, req *dispatch.Request, rawModel string, format translator.Format, opts *translator.Options, tempID int64, start time.Time) {
	result, err := s.deps.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		s.writeDispatchError(c, tempID, err)
		return
	}
	defer result.Response.Body.Close()

	reader, err := translator.TranslateStream(ctx, translator.FormatGemini, format, rawModel, result.Response.Body, opts)
	if err != nil {
		s.writeDispatchError(c, tempID, err)
		return
	}

	w := dispatch.NewSSEWriter(c.Writer)
	w.WriteHeaders()
	c.Status(http.StatusOK)
	monitoring.StreamOpened()
	defer monitoring.StreamClosed()

	var ttfb *int64
	buf := make([]byte, 4096)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if ttfb == nil {
				ms := time.Since(start).Milliseconds()
				ttfb = &ms
			}
			if writeErr := w.WriteRaw(buf[:n]); writeErr != nil {
				// 响应已开始，按成功记录，不再追加日志变更
				logging.WithReq(c, log.Fields{"error": writeErr.Error()}).Info("client disconnected during stream")
				s.deps.Logs.RecordSuccess(tempID, successFields(result, start, ttfb))
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil && ttfb != nil {
				s.deps.Logs.RecordSuccess(tempID, successFields(result, start, ttfb))
				return
			}
			if ctx.Err() != nil {
				s.deps.Logs.RecordFailure(tempID, 0, "client cancelled")
				return
			}
			logging.WithReq(c, log.Fields{"error": readErr.Error()}).Warn("upstream stream read failed")
			s.deps.Logs.RecordFailure(tempID, 0, readErr.Error())
			return
		}
	}

	s.deps.Logs.RecordSuccess(tempID, successFields(result, start, ttfb))
}

func (s *Server) serveFakeStream(c *gin.Context, ctx context.Context, req *dispatch.Request, rawModel string, format translator.Format, opts *translator.Options, tempID int64, start time.Time) {
	w := dispatch.NewSSEWriter(c.Writer)
	w.WriteHeaders()
	c.Status(http.StatusOK)
	monitoring.StreamOpened()
	defer monitoring.StreamClosed()

	var result *dispatch.Result
	var rawBody []byte
	fetch := func(ctx context.Context) ([]byte, error) {
		res, err := s.deps.Dispatcher.Dispatch(ctx, req)
		if err != nil {
			return nil, err
		}
		defer res.Response.Body.Close()
		result = res

		upstreamBody, err := io.ReadAll(io.LimitReader(res.Response.Body, maxRequestBody))
		if err != nil {
			return nil, err
		}
		translated, err := translator.TranslateResponse(ctx, translator.FormatGemini, format, rawModel, upstreamBody, opts)
		if err != nil {
			return nil, err
		}
		rawBody = upstreamBody
		return translated, nil
	}

	if err := dispatch.RunFakeStream(ctx, w, rawModel, fetch); err != nil {
		if ctx.Err() != nil || errors.Is(err, dispatch.ErrClientCancelled) {
			s.deps.Logs.RecordFailure(tempID, 0, "client cancelled")
			return
		}
		logging.WithReq(c, log.Fields{"error": err.Error()}).Warn("fake stream fetch failed")
		status := http.StatusServiceUnavailable
		var apiErr *apierrors.APIError
		if errors.As(err, &apiErr) {
			status = apiErr.HTTPStatus
		}
		s.deps.Logs.RecordFailure(tempID, status, err.Error())
		return
	}

	fields := successFields(result, start, nil)
	addUsageFields(fields, rawBody)
	s.deps.Logs.RecordSuccess(tempID, fields)
}

func (s *Server) writeDispatchError(c *gin.Context, tempID int64, err error) {
	if errors.Is(err, dispatch.ErrClientCancelled) {
		logging.WithReq(c, nil).Info("client cancelled request")
		s.deps.Logs.RecordFailure(tempID, 0, "client cancelled")
		return
	}

	var apiErr *apierrors.APIError
	if !errors.As(err, &apiErr) {
		apiErr = apierrors.New(http.StatusInternalServerError,
			"internal_error", "server_error", "服务器内部错误: "+err.Error())
	}
	s.deps.Logs.RecordFailure(tempID, apiErr.HTTPStatus, apiErr.Message)
	middleware.WriteAPIError(c, apiErr)
}

func successFields(result *dispatch.Result, start time.Time, ttfb *int64) map[string]interface{} {
	fields := map[string]interface{}{
		"status_code":             http.StatusOK,
		"duration_ms":             time.Since(start).Milliseconds(),
		"session_stickiness_used": result.StickinessUsed,
	}
	if result.Account != nil {
		fields["account_id"] = result.Account.ID
		fields["provider"] = string(result.Account.Provider)
	}
	if ttfb != nil {
		fields["time_to_first_byte_ms"] = *ttfb
	}
	return fields
}

// addUsageFields extracts token usage from the raw Gemini response body.
func addUsageFields(fields map[string]interface{}, geminiBody []byte) {
	if len(geminiBody) == 0 {
		return
	}
	parsed := gjson.ParseBytes(geminiBody)
	usage := parsed.Get("response.usageMetadata")
	if !usage.Exists() {
		usage = parsed.Get("usageMetadata")
	}
	if !usage.Exists() {
		return
	}
	if v := usage.Get("promptTokenCount"); v.Exists() {
		fields["prompt_tokens"] = v.Int()
	}
	if v := usage.Get("candidatesTokenCount"); v.Exists() {
		fields["completion_tokens"] = v.Int()
	}
	if v := usage.Get("totalTokenCount"); v.Exists() {
		fields["total_tokens"] = v.Int()
	}
}

const messageSummaryLimit = 120

// messageSummary extracts a short preview of the newest user text for the
// request log list.
func messageSummary(format translator.Format, body []byte) string {
	switch format {
	case translator.FormatOpenAI, translator.FormatClaude:
		msgs := gjson.GetBytes(body, "messages").Array()
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Get("role").String() != "user" {
				continue
			}
			content := msgs[i].Get("content")
			if content.Type == gjson.String {
				return truncateSummary(content.String())
			}
			for _, part := range content.Array() {
				if text := part.Get("text").String(); text != "" {
					return truncateSummary(text)
				}
			}
			return ""
		}
	case translator.FormatGemini:
		contents := gjson.GetBytes(body, "contents").Array()
		for i := len(contents) - 1; i >= 0; i-- {
			if role := contents[i].Get("role").String(); role != "" && role != "user" {
				continue
			}
			for _, part := range contents[i].Get("parts").Array() {
				if text := part.Get("text").String(); text != "" {
					return truncateSummary(text)
				}
			}
			return ""
		}
	}
	return ""
}

func truncateSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= messageSummaryLimit {
		return s
	}
	return string(runes[:messageSummaryLimit])
}

func requestID(c *gin.Context) string {
	if rid, ok := c.Get("request_id"); ok {
		if s, ok := rid.(string); ok {
			return s
		}
	}
	return ""
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer.
func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if rip := c.GetHeader("X-Real-IP"); rip != "" {
		return rip
	}
	return c.ClientIP()
}
