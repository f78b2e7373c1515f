package common

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxKeyRequestID = "request_id"
)

func New() string { return uuid.NewString() }

// NewFor reuses the trace id of the active span, so request ids and traces line up.
// Without a sampled span it falls back to a random uuid.
func NewFor(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() && sc.IsSampled() {
		return sc.TraceID().String()
	}
	return New()
}

func RequestIDFromGin(c *gin.Context) string {
	return c.GetString(CtxKeyRequestID)
}
