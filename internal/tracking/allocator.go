// Package tracking allocates the human-facing per-day tracking numbers.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tana_market/internal/store"
)

// ErrAllocationExhausted 重试次数耗尽，只记日志，调用方拿到的是降级号码。
var ErrAllocationExhausted = errors.New("tracking: allocation attempts exhausted")

const (
	DefaultPrefix      = "TANA"
	DefaultMaxAttempts = 100
	dateLayout         = "20060102"
)

// Store 分配器依赖的查询。
type Store interface {
	CountPaidTrackedBetween(ctx context.Context, start, end time.Time, excludeID string) (int64, error)
	TrackingNumberTaken(ctx context.Context, candidate, excludeID string) (bool, error)
}

// CommitFunc 把候选号码和状态迁移一起写入；唯一索引冲突时返回 store.ErrDuplicateTrackingNumber。
type CommitFunc func(ctx context.Context, candidate string) error

type Config struct {
	Prefix      string
	MaxAttempts int
}

type Allocator struct {
	store Store
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
}

// NewAllocator 日期一律按 UTC 计算。
func NewAllocator(s Store, cfg Config, now func() time.Time, log *zap.Logger) *Allocator {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{store: s, cfg: cfg, now: now, log: log}
}

// Format 组装 PREFIX-YYYYMMDD-NNNN。
func (a *Allocator) Format(day time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", a.cfg.Prefix, day.UTC().Format(dateLayout), seq)
}

// Allocate 先按当天已支付订单数估算序号，再逐个试探。
// 计数只是为了让号码紧凑，真正保证唯一的是 commit 时的部分唯一索引。
// commit 返回除唯一冲突以外的错误（例如 CAS 落空）时立即返回。
func (a *Allocator) Allocate(ctx context.Context, orderID string, commit CommitFunc) (string, error) {
	now := a.now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	count, err := a.store.CountPaidTrackedBetween(ctx, start, end, orderID)
	if err != nil {
		return "", fmt.Errorf("tracking: count: %w", err)
	}

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		candidate := a.Format(now, count+int64(attempt))

		taken, err := a.store.TrackingNumberTaken(ctx, candidate, orderID)
		if err != nil {
			return "", fmt.Errorf("tracking: check %s: %w", candidate, err)
		}
		if taken {
			continue
		}

		err = commit(ctx, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, store.ErrDuplicateTrackingNumber) {
			return "", err
		}
		a.log.Debug("tracking number collided on commit",
			zap.String("order_id", orderID), zap.String("candidate", candidate), zap.Int("attempt", attempt))
	}

	fallback := fmt.Sprintf("%s-%s-%04d", a.cfg.Prefix, now.Format(dateLayout), now.UnixMilli()%10000)
	a.log.Warn("tracking allocation fell back to timestamp suffix",
		zap.String("order_id", orderID),
		zap.String("tracking_number", fallback),
		zap.Int("attempts", a.cfg.MaxAttempts),
		zap.Error(ErrAllocationExhausted))
	if err := commit(ctx, fallback); err != nil {
		return "", err
	}
	return fallback, nil
}
