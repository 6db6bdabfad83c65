package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Middleware enforces policy per client identity. Limiter errors fail open.
func Middleware(limiter Limiter, policy Policy) gin.HandlerFunc {
	logger := util.GetLogger()

	return func(c *gin.Context) {
		client := ClientIdentity(c.Request)

		decision, err := limiter.Allow(c.Request.Context(), policy.Action, client, policy.Limit, policy.Window)
		if err != nil {
			logger.Error("Rate limiter unavailable",
				zap.String("action", policy.Action),
				zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(policy.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if decision.Allowed {
			c.Next()
			return
		}

		retryAfter := retrySeconds(decision.RetryAfter, policy.Window)
		util.RateLimitDeniedTotal.WithLabelValues(policy.Action).Inc()
		logger.Warn("Rate limit exceeded",
			zap.String("key", client),
			zap.String("action", policy.Action),
			zap.Int("limit", policy.Limit),
			zap.Duration("window", policy.Window),
			zap.String("uri", c.Request.RequestURI),
			zap.String("user_agent", truncate(c.Request.UserAgent(), 100)))

		message := policy.Message
		if message == "" {
			message = fmt.Sprintf("Rate limit exceeded. Maximum %d requests per %d seconds. Please try again later.",
				policy.Limit, int(policy.Window.Seconds()))
		}

		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       message,
			"retry_after": retryAfter,
		})
	}
}

func retrySeconds(retry, window time.Duration) int {
	if retry <= 0 {
		retry = window
	}
	return int(math.Ceil(retry.Seconds()))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
