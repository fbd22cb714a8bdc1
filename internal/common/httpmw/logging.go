package httpmw

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/memnexus/memnexus/internal/common/logger"
	"go.uber.org/zap"
)

// RequestLogger logs HTTP request details after the handler completes.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		if status >= 500 {
			log.Error("http",
				zap.String("server", serverName),
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status", status),
				zap.Int64("duration_ms", latency.Milliseconds()),
				zap.Int("bytes", size),
			)
		} else {
			log.Debug("http",
				zap.String("server", serverName),
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status", status),
				zap.Int64("duration_ms", latency.Milliseconds()),
				zap.Int("bytes", size),
			)
		}
	}
}

// Recovery converts handler panics into 500 responses with a logged stack.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic in handler",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

// CORS allows cross-origin requests from local tooling.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
