// Package middleware provides HTTP middleware for the Carelink API.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type contextKey string

const (
	// RequestIDHeader is the HTTP header for request tracing.
	RequestIDHeader = "X-Request-ID"

	ctxKeyRequestID contextKey = "request_id"
	ctxKeyActorID   contextKey = "actor_id"
	ctxKeyActorName contextKey = "actor_name"
	ctxKeyRoles     contextKey = "roles"
)

// RequestID injects a unique request ID into the context and response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			id, _ := uuid.NewV7()
			rid = id.String()
		}
		c.Set(string(ctxKeyRequestID), rid)
		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), ctxKeyRequestID, rid),
		)
		c.Next()
	}
}

// GetRequestID extracts request ID from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// SetActorContext stores the authenticated actor in context. The actor name
// feeds the audit trail on every state-changing operation.
func SetActorContext(ctx context.Context, actorID, actorName string, roles []string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyActorID, actorID)
	ctx = context.WithValue(ctx, ctxKeyActorName, actorName)
	ctx = context.WithValue(ctx, ctxKeyRoles, roles)
	return ctx
}

// GetActorID extracts the actor ID from context.
func GetActorID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyActorID).(string); ok {
		return v
	}
	return ""
}

// GetActorName extracts the actor name from context.
func GetActorName(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyActorName).(string); ok {
		return v
	}
	return ""
}

// GetRoles extracts actor roles from context.
func GetRoles(ctx context.Context) []string {
	if v, ok := ctx.Value(ctxKeyRoles).([]string); ok {
		return v
	}
	return nil
}
