// Package httpmw holds the Gin middleware shared by the execution node. The
// chain is requestid, recovery, logging, tracing; handlers behind it can
// assume a request identifier is present.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
)

// RequestLogger logs one line per request after the handler completes.
// Paths listed in skip are not logged at all; remote transports poll task
// state on a tight interval and would drown everything else out.
func RequestLogger(log *logger.Logger, serverName string, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if _, ok := skipped[route]; ok {
			return
		}

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("request_id", GetRequestID(c)),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if n := c.Writer.Size(); n > 0 {
			fields = append(fields, zap.Int("bytes", n))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("http", fields...)
		case status >= 400:
			log.Warn("http", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}
