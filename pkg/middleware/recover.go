package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"fxpulse.com/pkg/common"
	"fxpulse.com/pkg/logger"
	"fxpulse.com/pkg/metrics"
	"fxpulse.com/pkg/xerr"
)

// Recover turns a handler panic into a 500 envelope, counts it per route and marks
// the request span failed.
func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPPanicTotal.WithLabelValues(route).Inc()
			if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
				span.SetStatus(codes.Error, fmt.Sprint(p))
			}
			logger.Error(c.Request.Context(), "http panic",
				zap.String("request_id", common.RequestIDFromGin(c)),
				zap.String("route", route),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			common.Fail(c, http.StatusInternalServerError, xerr.ServerCommonError, xerr.MapErrMsg(xerr.ServerCommonError))
			c.Abort()
		}()
		c.Next()
	}
}
