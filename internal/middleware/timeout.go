package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Timeout bounds every request with a deadline of d.
//
// The chain runs on the request goroutine. Handlers pass the request context
// to storage and upstream calls, so those unblock when the deadline fires. If
// the handler then returns without writing, the middleware answers 503.
// A handler that ignores its context cannot be interrupted.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "request timed out after " + d.String(),
			})
		}
	}
}
