package middleware

import (
	"net/http"
	"strconv"
	"time"

	"chat-gateway-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

// rateLimitScript 是按 IP 计算的令牌桶，原子地补充并扣减令牌。
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'updated_at')
local tokens = tonumber(bucket[1])
local updated_at = tonumber(bucket[2])

if tokens == nil or updated_at == nil then
    tokens = capacity
    updated_at = now
end

local elapsed = math.max(0, now - updated_at)
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
local retry_after = 0

if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
else
    retry_after = (requested - tokens) / rate
end

redis.call('HMSET', key, 'tokens', tokens, 'updated_at', now)
redis.call('EXPIRE', key, 86400)

return {allowed, math.floor(tokens), math.ceil(retry_after)}
`)

// RateLimit 返回基于 Redis 的限流中间件，容量为 2*qps，每秒补充 qps 个令牌。
// Redis 不可用时放行。
func RateLimit(rdb *redis.Client, qps int) gin.HandlerFunc {
	capacity := 2 * qps
	return func(c *gin.Context) {
		key := "rate_limit:" + c.ClientIP()
		now := float64(time.Now().UnixNano()) / 1e9

		result, err := rateLimitScript.Run(c.Request.Context(), rdb, []string{key}, capacity, qps, now, 1).Result()
		if err != nil {
			log.Warnf("限流服务异常(已降级): %v", err)
			c.Next()
			return
		}

		allowed, remaining, retryAfter := parseRateLimitResult(result, capacity)
		c.Header("X-RateLimit-Limit", strconv.Itoa(capacity))
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"detail": "Too many requests"})
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Next()
	}
}

func parseRateLimitResult(result interface{}, capacity int) (allowed bool, remaining, retryAfter int) {
	remaining = capacity
	arr, ok := result.([]interface{})
	if !ok || len(arr) < 3 {
		return true, remaining, 0
	}
	if v, ok := arr[0].(int64); ok {
		allowed = v == 1
	}
	if v, ok := arr[1].(int64); ok {
		remaining = int(v)
	}
	if v, ok := arr[2].(int64); ok {
		retryAfter = int(v)
	}
	return allowed, remaining, retryAfter
}
