package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// TimeoutConfig holds configuration for request timeouts.
type TimeoutConfig struct {
	// Timeout is the maximum duration for the entire request.
	Timeout time.Duration

	// ErrorMessage is the message returned when timeout occurs.
	ErrorMessage string

	// ExcludedPaths lists path prefixes exempt from the timeout — the /ws
	// upgrade route, since a session's connection legitimately outlives
	// any sane request timeout.
	ExcludedPaths []string
}

// DefaultTimeoutConfig returns the timeout config used by internal/wsserver.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout:       30 * time.Second,
		ErrorMessage:  "Request timeout",
		ExcludedPaths: []string{"/ws"},
	}
}

// Timeout aborts a request that runs longer than config.Timeout, guarding
// the admin and health endpoints against a slow or stuck handler. Routes
// under ExcludedPaths run unbounded.
func Timeout(config TimeoutConfig) gin.HandlerFunc {
	excluded := make(map[string]bool, len(config.ExcludedPaths))
	for _, path := range config.ExcludedPaths {
		excluded[path] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for excludedPath := range excluded {
			if len(path) >= len(excludedPath) && path[:len(excludedPath)] == excludedPath {
				c.Next()
				return
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), config.Timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		go func() {
			c.Next()
			close(finished)
		}()

		select {
		case <-finished:
			return
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
				"error":   config.ErrorMessage,
				"message": "the request took too long to process",
				"timeout": config.Timeout.String(),
			})
			return
		}
	}
}

// TimeoutWithDuration builds a Timeout middleware with the default config
// but a caller-specified duration.
func TimeoutWithDuration(timeout time.Duration) gin.HandlerFunc {
	config := DefaultTimeoutConfig()
	config.Timeout = timeout
	return Timeout(config)
}
