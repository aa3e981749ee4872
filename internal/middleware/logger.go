package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicore/clinicore/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// Logger assigns a correlation id to each request, stores it on the
// request context for downstream log lines, and writes one structured
// access-log entry per request.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		correlationID := c.GetHeader(requestIDHeader)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		c.Header(requestIDHeader, correlationID)
		c.Request = c.Request.WithContext(logger.WithCorrelation(c.Request.Context(), correlationID))

		c.Next()

		logger.WithModule("http").Info("request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("correlation_id", correlationID),
		)
	}
}
