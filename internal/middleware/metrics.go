package middleware

import (
	"strconv"
	"time"

	"github.com/blues/aidefund/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Metrics 记录 HTTP 请求数与耗时，路径使用路由模板
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
