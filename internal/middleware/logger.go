package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"airelay-go/internal/logging"
	"airelay-go/internal/monitoring"
)

// RequestLogger logs each HTTP request and feeds the request metrics.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		monitoring.RecordRequest(route, status, latency)

		modelVal, _ := c.Get("model")
		logging.WithReq(c, log.Fields{
			"status":     status,
			"latency_ms": logging.DurationMS(latency),
			"user_agent": c.Request.UserAgent(),
			"model":      modelVal,
		}).Info("http_request")
	}
}
