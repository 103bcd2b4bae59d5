package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"airelay-go/internal/config"
	"airelay-go/internal/dispatch"
	"airelay-go/internal/logging"
	"airelay-go/internal/middleware"
	"airelay-go/internal/models"
	"airelay-go/internal/pool"
	"airelay-go/internal/reqlog"
	"airelay-go/internal/storage"
	"airelay-go/internal/upstream"
)

// Dependencies bundles everything the HTTP layer needs.
type Dependencies struct {
	Config     *config.Manager
	Store      storage.Store
	Pool       *pool.Pool
	Dispatcher *dispatch.Dispatcher
	Logs       *reqlog.Pipeline
	Hub        *logging.WSHub
	Aliases    *models.AliasMap
	Codex      *upstream.CodexClient
}

// Server is the HTTP front of the relay.
type Server struct {
	deps   Dependencies
	engine *gin.Engine
	http   *http.Server
}

func New(deps Dependencies) *Server {
	if !deps.Config.Get().Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Recovery())
	engine.Use(middleware.CORS())
	engine.Use(middleware.RequestLogger())

	s := &Server{deps: deps, engine: engine}
	s.registerRoutes()
	return s
}

// Engine exposes the router, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) apiKey() string {
	settings := s.deps.Config.Get()
	if !settings.System.Enabled {
		return ""
	}
	return settings.System.APIKey
}

func (s *Server) keyPolicy() middleware.KeyPolicy {
	ak := s.deps.Config.Get().APIKey
	return middleware.KeyPolicy{
		MinLength:     ak.MinLength,
		MaxLength:     ak.MaxLength,
		PrefixPattern: ak.PrefixPattern,
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.APIKeyAuth(s.apiKey, s.keyPolicy)

	v1 := s.engine.Group("/v1")
	v1.Use(auth)
	{
		v1.GET("/models", s.handleListModelsOpenAI)
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.POST("/messages", s.handleMessages)
		v1.POST("/messages/count_tokens", s.handleCountTokens)
		v1.POST("/responses", s.handleResponses)
	}

	v1beta := s.engine.Group("/v1beta")
	v1beta.Use(auth)
	{
		v1beta.GET("/models", s.handleListModelsGemini)
		// Gin 不支持同一段内混合路径参数与字面冒号，使用尾部 *action 分发
		v1beta.POST("/models/:model/*action", func(c *gin.Context) {
			model := c.Param("model")
			action := strings.TrimPrefix(c.Param("action"), "/")
			if action == "" {
				// 兼容 models/<name>:<action> 原生形式
				if idx := strings.LastIndex(model, ":"); idx >= 0 {
					action = model[idx:]
					model = model[:idx]
				}
			}
			switch action {
			case ":generateContent":
				s.handleGeminiGenerate(c, model, false)
			case ":streamGenerateContent":
				s.handleGeminiGenerate(c, model, true)
			default:
				c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "unknown action"}})
			}
		})
	}

	admin := s.engine.Group("/admin")
	admin.Use(auth)
	{
		admin.GET("/accounts", s.handleListAccounts)
		admin.POST("/accounts", s.handleCreateAccount)
		admin.GET("/accounts/:id", s.handleGetAccount)
		admin.DELETE("/accounts/:id", s.handleDeleteAccount)
		admin.POST("/accounts/:id/enable", s.handleSetAccountEnabled(true))
		admin.POST("/accounts/:id/disable", s.handleSetAccountEnabled(false))
		admin.GET("/logs", s.handleListLogs)
		admin.GET("/logs/ws", s.handleLogsWS)
		admin.GET("/summaries", s.handleListSummaries)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.deps.Store.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	port := s.deps.Config.Get().Port
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", port).Info("http server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
