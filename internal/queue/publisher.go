package queue

import (
	"context"
	"errors"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tana_market/internal/model"
)

// StreamPublisher 把事件写进 Redis Stream，由 Relay 异步转发 Kafka。
type StreamPublisher struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(rdb *rd.Client, stream string) *StreamPublisher {
	return &StreamPublisher{rdb: rdb, stream: stream, maxLen: 100000}
}

// Publish 一次状态迁移的多个事件放在同一个事务管道里写入。
func (p *StreamPublisher) Publish(ctx context.Context, events []model.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	pipe := p.rdb.TxPipeline()
	for _, ev := range events {
		pipe.XAdd(ctx, &rd.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: encodeEvent(ev),
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DirectPublisher 进程内直接生成通知，不经过消息队列。
type DirectPublisher struct {
	h   Handler
	log *zap.Logger
}

func NewDirectPublisher(h Handler, log *zap.Logger) *DirectPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &DirectPublisher{h: h, log: log}
}

func (p *DirectPublisher) Publish(ctx context.Context, events []model.OrderEvent) error {
	var errs []error
	for _, ev := range events {
		if err := p.h.HandleOrderEvent(ctx, ev); err != nil {
			p.log.Warn("order event not handled",
				zap.String("event_id", ev.EventID), zap.String("order_id", ev.OrderID),
				zap.String("type", string(ev.Type)), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
