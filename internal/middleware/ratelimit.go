package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	rediskey "tana_market/pkg/redis"
)

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳，ARGV[2]=窗口开始时间戳，ARGV[3]=窗口秒数
// 返回：当前窗口内的请求数（如果 >= limit 则返回 -1 表示限流）
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

-- 统计当前窗口内的请求数
local count = redis.call('ZCARD', key)

-- 添加当前请求（如果还没超限）
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// RedisRateLimit 对账接口的分布式限流。
// 优先按交易号限流（前端轮询同一笔交易），其次按登录用户，最后按 IP。
func RedisRateLimit(rdb *rd.Client, scope string, limit int, window time.Duration, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		kind, subject := rateSubject(c)
		key := rediskey.RateLimitKey(scope, kind, subject)

		now := time.Now().Unix()
		windowSec := int64(window.Seconds())
		if windowSec < 1 {
			windowSec = 1
		}
		windowStart := now - windowSec
		member := fmt.Sprintf("%d-%d", now, time.Now().UnixNano())

		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			now, windowStart, windowSec, member, limit).Int()
		if err != nil {
			// Redis 出错时放行（降级策略）
			log.Warn("rate limit unavailable", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": 429,
				"msg":  "请求过于频繁，请稍后再试",
			})
			return
		}
		c.Next()
	}
}

func rateSubject(c *gin.Context) (kind, subject string) {
	if ref := strings.TrimSpace(c.Param("txRef")); ref != "" {
		return "tx", ref
	}
	if ref, orderID := extractPaymentRef(c); ref != "" {
		return "tx", ref
	} else if orderID != "" {
		return "order", orderID
	}
	if actor, ok := CurrentActor(c); ok {
		return "user", actor.UserID
	}
	return "ip", c.ClientIP()
}

// extractPaymentRef 从 JSON 或表单 body 中取 tx_ref / orderId（不消耗 body，可重复读）
func extractPaymentRef(c *gin.Context) (txRef, orderID string) {
	if c.Request.Body == nil {
		return "", ""
	}
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", ""
	}
	// 重置 body，让后续 handler 能继续读
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var req struct {
		TxRef   string `json:"tx_ref"`
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		return "", ""
	}
	return strings.TrimSpace(req.TxRef), strings.TrimSpace(req.OrderID)
}
