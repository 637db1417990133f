package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/doc_intel_server/internal/pkg/response"
)

// RateLimit 按用户固定窗口限流，key: ratelimit:{scope}:{userID}
// Redis 不可用时放行
func RateLimit(client *redis.Client, scope string, limit int64, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}

		subject, ok := GetUserID(c)
		if !ok {
			subject = "ip:" + c.ClientIP()
		}
		key := fmt.Sprintf("ratelimit:%s:%s", scope, subject)
		ctx := c.Request.Context()

		count, err := client.Incr(ctx, key).Result()
		if err != nil {
			log.Warn().Err(err).Str("scope", scope).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		if count == 1 {
			if err := client.Expire(ctx, key, window).Err(); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("failed to set rate limit window")
			}
		}

		if count > limit {
			ttl, err := client.TTL(ctx, key).Result()
			if err != nil || ttl <= 0 {
				ttl = window
			}
			c.Header("Retry-After", strconv.Itoa(int((ttl+time.Second-1)/time.Second)))
			response.RateLimited(c, "")
			c.Abort()
			return
		}

		c.Next()
	}
}
