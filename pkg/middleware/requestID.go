package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"fxpulse.com/pkg/common"
	"fxpulse.com/pkg/logger"
)

func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.NewFor(c.Request.Context())
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Set(logger.TraceIdKey, rid)
		c.Header(common.HeaderRequestID, rid)
		// request context carries it too, so logger.* picks it up as trace_id
		ctx := context.WithValue(c.Request.Context(), logger.TraceIdKey, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
