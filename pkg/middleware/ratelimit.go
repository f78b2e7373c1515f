package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fxpulse.com/pkg/common"
	"fxpulse.com/pkg/logger"
	"fxpulse.com/pkg/metrics"
	"fxpulse.com/pkg/ratelimit"
	"fxpulse.com/pkg/xerr"
)

func RateLimit(store *ratelimit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.ClientIP() + ":" + route

		if !store.Allow(key) {
			// controlled rejection: no stack
			logger.Warn(c, "http rate limited",
				zap.String("request_id", common.RequestIDFromGin(c)),
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			metrics.RateLimitBlockTotal.WithLabelValues(route).Inc()
			common.Fail(c, http.StatusTooManyRequests, xerr.TooManyRequests, xerr.MapErrMsg(xerr.TooManyRequests))
			c.Abort()
			return
		}
		c.Next()
	}
}
