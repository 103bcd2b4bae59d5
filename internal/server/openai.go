package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	apierrors "airelay-go/internal/errors"
	"airelay-go/internal/middleware"
	"airelay-go/internal/models"
	"airelay-go/internal/translator"
)

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		middleware.WriteAPIError(c, apierrors.New(http.StatusBadRequest,
			"invalid_request_error", "invalid_request_error", "failed to read request body"))
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		middleware.WriteAPIError(c, apierrors.New(http.StatusBadRequest,
			"invalid_request_error", "invalid_request_error", "request body is not valid JSON"))
		return nil, false
	}
	return body, true
}

func (s *Server) handleChatCompletions(c *gin.Context) {
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
	s.serveGenerate(c, translator.FormatOpenAI, models.AliasGroupOpenAIChat, model, stream, body)
}

func (s *Server) handleListModelsOpenAI(c *gin.Context) {
	created := time.Now().Unix()
	data := make([]gin.H, 0)
	for _, id := range models.AllVariants() {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  created,
			"owned_by": "google",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
