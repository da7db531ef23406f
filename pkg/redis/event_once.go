package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaMarkEventOnce 通过 SETNX 保证同一事件只被处理一次。
const luaMarkEventOnce = `
local key = KEYS[1]
local ttlSec = tonumber(ARGV[1])

if redis.call('SETNX', key, '1') == 1 then
  redis.call('EXPIRE', key, ttlSec)
  return 1
end
return 0
`

// MarkEventOnce 幂等标记：
// - 首次标记返回 true
// - 重复投递返回 false（调用方直接跳过）
func MarkEventOnce(ctx context.Context, rdb *rd.Client, eventID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	ttlSec := int64(ttl / time.Second)
	n, err := rdb.Eval(ctx, luaMarkEventOnce, []string{EventHandledKey(eventID)}, ttlSec).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ForgetEvent 处理失败时撤销标记，让重投能再处理一次。
func ForgetEvent(ctx context.Context, rdb *rd.Client, eventID string) error {
	return rdb.Del(ctx, EventHandledKey(eventID)).Err()
}
