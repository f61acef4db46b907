// Package middleware holds the ambient gin middleware fronting the relay's
// HTTP surface: the /ws upgrade route and the /healthz and /admin/ring
// operator endpoints. None of it is part of the wire protocol.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the header name for request ID.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the context key for request ID.
	RequestIDKey = "request_id"
)

// RequestID assigns a correlation ID to every request, for tying an
// operator's /healthz or /admin/ring call to the structured log line it
// produced. A caller-supplied X-Request-ID is preserved rather than
// overwritten, so a server behind a gossip-aware load balancer can carry
// its own trace ID through.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()
	}
}

// GetRequestID retrieves the request ID from the gin context.
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
