package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"airelay-go/internal/models"
	"airelay-go/internal/translator"
)

func (s *Server) handleGeminiGenerate(c *gin.Context, model string, stream bool) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	s.serveGenerate(c, translator.FormatGemini, "", model, stream, body)
}

func (s *Server) handleListModelsGemini(c *gin.Context) {
	list := make([]gin.H, 0)
	for _, id := range models.AllVariants() {
		list = append(list, gin.H{
			"name":                       "models/" + id,
			"displayName":                id,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": list})
}
