package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"airelay-go/internal/models"
	"airelay-go/internal/storage"
)

func adminError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		adminError(c, http.StatusBadRequest, "invalid account id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.deps.Store.ListAccounts(c.Request.Context())
	if err != nil {
		adminError(c, http.StatusInternalServerError, err.Error())
		return
	}

	ids := make([]int64, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	quotas := s.deps.Pool.Quota.GetAll(c.Request.Context(), ids)

	out := make([]gin.H, 0, len(accounts))
	now := time.Now()
	for _, a := range accounts {
		entry := gin.H{
			"account":   a,
			"available": a.IsAvailable(now),
		}
		if q, ok := quotas[a.ID]; ok && q != nil {
			entry["quota"] = q
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

type createAccountRequest struct {
	Provider    models.Provider `json:"provider" binding:"required"`
	Name        string          `json:"name"`
	Email       string          `json:"email"`
	BaseURL     string          `json:"base_url"`
	Credentials string          `json:"credentials" binding:"required"`
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		adminError(c, http.StatusBadRequest, err.Error())
		return
	}
	if !models.ValidProvider(req.Provider) {
		adminError(c, http.StatusBadRequest, "unknown provider: "+string(req.Provider))
		return
	}

	account := &models.Account{
		Provider:    req.Provider,
		Name:        req.Name,
		Email:       req.Email,
		BaseURL:     req.BaseURL,
		Credentials: req.Credentials,
		IsEnabled:   true,
	}
	id, err := s.deps.Store.CreateAccount(c.Request.Context(), account)
	if err != nil {
		adminError(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.deps.Pool.InvalidateAccounts(c.Request.Context())

	account.ID = id
	c.JSON(http.StatusCreated, gin.H{"account": account})
}

func (s *Server) handleGetAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	account, err := s.deps.Store.GetAccount(c.Request.Context(), id)
	if err == storage.ErrNotFound {
		adminError(c, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		adminError(c, http.StatusInternalServerError, err.Error())
		return
	}

	out := gin.H{"account": account, "available": account.IsAvailable(time.Now())}
	if q := s.deps.Pool.Quota.Get(c.Request.Context(), id); q != nil {
		out["quota"] = q
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteAccount(c.Request.Context(), id); err != nil {
		if err == storage.ErrNotFound {
			adminError(c, http.StatusNotFound, "account not found")
			return
		}
		adminError(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.deps.Pool.InvalidateAccounts(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleSetAccountEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		if _, err := s.deps.Store.GetAccount(c.Request.Context(), id); err != nil {
			if err == storage.ErrNotFound {
				adminError(c, http.StatusNotFound, "account not found")
				return
			}
			adminError(c, http.StatusInternalServerError, err.Error())
			return
		}
		if enabled {
			s.deps.Pool.Enable(c.Request.Context(), id)
		} else {
			s.deps.Pool.Disable(c.Request.Context(), id)
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "is_enabled": enabled})
	}
}

func (s *Server) handleListLogs(c *gin.Context) {
	var q storage.LogQuery
	if v := c.Query("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			adminError(c, http.StatusBadRequest, "invalid account_id")
			return
		}
		q.AccountID = id
	}
	q.Model = c.Query("model")
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			adminError(c, http.StatusBadRequest, "invalid since, want RFC3339")
			return
		}
		q.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			adminError(c, http.StatusBadRequest, "invalid until, want RFC3339")
			return
		}
		q.Until = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			adminError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			adminError(c, http.StatusBadRequest, "invalid offset")
			return
		}
		q.Offset = n
	}

	logs, err := s.deps.Store.ListRequestLogs(c.Request.Context(), q)
	if err != nil {
		adminError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (s *Server) handleListSummaries(c *gin.Context) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			adminError(c, http.StatusBadRequest, "invalid from, want RFC3339")
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			adminError(c, http.StatusBadRequest, "invalid to, want RFC3339")
			return
		}
		to = t
	}

	summaries, err := s.deps.Store.ListHourlySummaries(c.Request.Context(), from, to)
	if err != nil {
		adminError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"summaries": summaries, "count": len(summaries)})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 管理端已有 API key 鉴权，跨域交给反向代理处理
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogsWS streams terminal request-log events to the admin UI.
func (s *Server) handleLogsWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithField("error", err.Error()).Warn("websocket upgrade failed")
		return
	}
	if err := s.deps.Hub.AddClient(conn); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
	}
}
