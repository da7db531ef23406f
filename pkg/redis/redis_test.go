package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestReleaseOnlyWithMatchingToken(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	ok, err := AcquireOrderLock(ctx, rdb, "o-1", "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = AcquireOrderLock(ctx, rdb, "o-1", "token-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ReleaseOrderLockIfMatch(ctx, rdb, "o-1", "token-b"))
	assert.True(t, mr.Exists(OrderLockKey("o-1")))

	require.NoError(t, ReleaseOrderLockIfMatch(ctx, rdb, "o-1", "token-a"))
	assert.False(t, mr.Exists(OrderLockKey("o-1")))
}

func TestOrderLockerSerializesHolders(t *testing.T) {
	_, rdb := newRedis(t)
	locker := NewOrderLocker(rdb, time.Second, 2*time.Second)

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "o-1")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxSeen.Load())
}

func TestOrderLockerTimesOut(t *testing.T) {
	_, rdb := newRedis(t)
	held, err := AcquireOrderLock(context.Background(), rdb, "o-1", "other", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	locker := NewOrderLocker(rdb, time.Second, 60*time.Millisecond)
	_, err = locker.Lock(context.Background(), "o-1")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestMarkEventOnce(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	first, err := MarkEventOnce(ctx, rdb, "ev-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, time.Hour, mr.TTL(EventHandledKey("ev-1")))

	again, err := MarkEventOnce(ctx, rdb, "ev-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, ForgetEvent(ctx, rdb, "ev-1"))
	first, err = MarkEventOnce(ctx, rdb, "ev-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)
}
