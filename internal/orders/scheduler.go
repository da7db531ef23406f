package orders

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const sweepBatch = 200

// DeliveryScheduler 周期性扫描到期的已发货订单。
type DeliveryScheduler struct {
	svc      *Service
	interval time.Duration
	log      *zap.Logger
}

func NewDeliveryScheduler(svc *Service, interval time.Duration, log *zap.Logger) *DeliveryScheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DeliveryScheduler{svc: svc, interval: interval, log: log}
}

// Run 阻塞直到 ctx 取消。
func (d *DeliveryScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce 分批处理直到没有到期订单，返回送达数量。
func (d *DeliveryScheduler) SweepOnce(ctx context.Context) int {
	total := 0
	for {
		n, err := d.svc.DeliverDue(ctx, sweepBatch)
		total += n
		if err != nil {
			if ctx.Err() == nil {
				d.log.Warn("delivery sweep", zap.Error(err))
			}
			return total
		}
		if n > 0 {
			d.log.Info("orders marked delivered", zap.Int("count", n))
		}
		if n < sweepBatch {
			return total
		}
	}
}
