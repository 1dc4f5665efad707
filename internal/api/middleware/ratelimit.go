package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apierrors "github.com/feral-file/recycling-ledger/internal/api/shared/errors"
	"github.com/feral-file/recycling-ledger/internal/logger"
	"github.com/feral-file/recycling-ledger/internal/ratelimit"
)

// RateLimit throttles requests per authenticated subject, falling back to the client IP
func RateLimit(limiter ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := Subject(c)
		if key == "" {
			key = c.ClientIP()
		}

		if !limiter.Allow(key) {
			logger.WarnCtx(c.Request.Context(), "Rate limit exceeded",
				zap.String("key", key),
				zap.String("path", c.Request.URL.Path),
			)
			apiErr := apierrors.NewRateLimitedError("Too many requests", "mining is rate limited, retry later")
			c.AbortWithStatusJSON(apiErr.StatusCode(), apiErr)
			return
		}

		c.Next()
	}
}
