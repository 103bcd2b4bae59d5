package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	apierrors "airelay-go/internal/errors"
	"airelay-go/internal/middleware"
	"airelay-go/internal/models"
	"airelay-go/internal/translator"
)

func (s *Server) handleMessages(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		middleware.WriteAPIError(c, apierrors.New(http.StatusBadRequest,
			"invalid_request_error", "invalid_request_error", "model is required"))
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()
	s.serveGenerate(c, translator.FormatClaude, models.AliasGroupAnthropic, model, stream, body)
}

// handleCountTokens estimates input tokens locally instead of burning an
// upstream call.
func (s *Server) handleCountTokens(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": translator.EstimateClaudeInputTokens(body)})
}
