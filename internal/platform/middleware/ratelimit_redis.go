package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCounter is the subset of redis.Cmdable the shared limiter needs.
type RedisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// SharedRateLimit enforces a fixed-window limit shared by every API replica.
// Redis failures let the request through.
func SharedRateLimit(client RedisCounter, limit int64, window time.Duration, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			now := time.Now()
			slot := now.Truncate(window)
			key := "ratelimit:" + rateLimitKey(c) + ":" + strconv.FormatInt(slot.Unix(), 10)

			count, err := client.Incr(ctx, key).Result()
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("shared rate limit unavailable")
				return next(c)
			}
			if count == 1 {
				if err := client.Expire(ctx, key, window).Err(); err != nil {
					logger.Warn().Err(err).Str("key", key).Msg("failed to set rate limit expiry")
				}
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
			if count > limit {
				h.Set("X-RateLimit-Remaining", "0")
				h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(slot.Add(window).Sub(now))))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(limit-count, 10))
			return next(c)
		}
	}
}
