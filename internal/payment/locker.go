package payment

import (
	"context"
	"sync"
)

// Locker 订单级互斥。拿不到锁时对账仍然继续，最终靠条件更新兜底。
type Locker interface {
	Lock(ctx context.Context, orderID string) (unlock func(), err error)
}

// LocalLocker 进程内按订单 id 加锁，单实例部署或未启用 Redis 时使用。
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	// 容量 1 的信号量，等待时可以被 ctx 打断
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]*localEntry{}}
}

// Lock 阻塞到拿到锁或 ctx 结束。
func (l *LocalLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[orderID]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[orderID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(orderID, e)
		return nil, ctx.Err()
	}
	return func() {
		<-e.ch
		l.release(orderID, e)
	}, nil
}

func (l *LocalLocker) release(orderID string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, orderID)
	}
}

// NopLocker 不加锁，只依赖存储层的条件更新。
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}
