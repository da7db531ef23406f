package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// ErrLockTimeout 在等待时间内没抢到锁。
var ErrLockTimeout = errors.New("redis: order lock wait timeout")

// luaReleaseOrderLockIfMatch 仅当锁值匹配 token 时才删除，避免误删别人续上的锁。
const luaReleaseOrderLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquireOrderLock SET NX PX，成功返回 true。
func AcquireOrderLock(ctx context.Context, rdb *rd.Client, orderID, token string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, OrderLockKey(orderID), token, ttl).Result()
}

// ReleaseOrderLockIfMatch 安全释放订单锁。
func ReleaseOrderLockIfMatch(ctx context.Context, rdb *rd.Client, orderID, token string) error {
	_, err := rdb.Eval(ctx, luaReleaseOrderLockIfMatch, []string{OrderLockKey(orderID)}, token).Int()
	return err
}

// OrderLocker 基于 Redis 的订单级互斥，跨进程生效。
// TTL 兜底防止持锁进程崩溃后死锁；业务上的唯一性仍由条件更新保证。
type OrderLocker struct {
	rdb   *rd.Client
	ttl   time.Duration
	wait  time.Duration
	retry time.Duration
}

func NewOrderLocker(rdb *rd.Client, ttl, wait time.Duration) *OrderLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &OrderLocker{rdb: rdb, ttl: ttl, wait: wait, retry: 25 * time.Millisecond}
}

// Lock 阻塞等待直到拿到锁、超时或 ctx 取消。
func (l *OrderLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := AcquireOrderLock(ctx, l.rdb, orderID, token, l.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// 调用方的 ctx 可能已经取消，释放用独立的短超时
				rctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = ReleaseOrderLockIfMatch(rctx, l.rdb, orderID, token)
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}
