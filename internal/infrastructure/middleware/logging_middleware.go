package middleware

import (
	"time"

	applog "stagelink/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLoggingMiddleware logs one line per request. Install it after
// TracingMiddleware so the line carries the trace id.
func RequestLoggingMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	cl := applog.NewContextLogger(logger.Desugar())
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		cl.LogRequest(c.Request.Context(), c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
