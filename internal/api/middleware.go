package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/common/tracing"
)

// Context keys set by the middleware chain.
const (
	ctxSessionKey = "session_key"
	ctxAgentID    = "agent_id"
)

// SessionKeyHeader identifies the caller's transport session.
const SessionKeyHeader = "X-Session-Key"

// RequireSessionKey resolves the caller's session key to a stable agent id
// and stores both on the request context.
func RequireSessionKey(mapper SessionMapper) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(SessionKeyHeader)
		if key == "" {
			appErr := errors.BadRequest(SessionKeyHeader + " header is required")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Set(ctxSessionKey, key)
		c.Set(ctxAgentID, mapper.ResolveOrCreate(key))
		mapper.Touch(key)
		c.Next()
	}
}

// RequestLogger logs one line per request in the structured log.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if agentID := c.GetString(ctxAgentID); agentID != "" {
			fields = append(fields, zap.String("agent_id", agentID))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("request failed", fields...)
		} else {
			log.Info("request", fields...)
		}
	}
}

// Tracing opens a span per request using the broker's tracer.
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.Tracer("api").Start(c.Request.Context(), c.Request.Method+" "+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", c.FullPath()),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}
