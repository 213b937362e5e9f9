package ratelimit

import (
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const participantHeader = "X-Participant-Id"

// Middleware enforces the limiter on a route, setting the rate headers on
// every response and 429 + Retry-After on rejection. The identifier is the
// participant id when the client sends one, the client IP otherwise. A store
// failure fails open: admission control protects against abuse, it must not
// take the sync path down with it.
func Middleware(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(participantHeader)
		if id == "" {
			id = c.Query("participantId")
		}
		if id == "" {
			id = c.ClientIP()
		}

		d, err := l.Check(c.Request.Context(), id)
		if err != nil {
			log.Printf("ratelimit check failed, failing open: %v", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"retryAfter": retry,
			})
			return
		}
		c.Next()
	}
}
