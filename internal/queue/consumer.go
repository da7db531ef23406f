package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"tana_market/internal/model"
	rediskey "tana_market/pkg/redis"
)

const handleAttempts = 3

// errMalformed 脏消息不重试。
var errMalformed = errors.New("queue: malformed event")

// Consumer 从 Kafka 读取订单事件并生成通知。
type Consumer struct {
	r   *kafka.Reader
	h   Handler
	rdb *rd.Client
	log *zap.Logger
	ttl time.Duration
}

// NewConsumer rdb 可以为 nil，此时只依赖通知表的去重。
func NewConsumer(brokers []string, topic, groupID string, h Handler, rdb *rd.Client, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		h:   h,
		rdb: rdb,
		log: log.With(zap.String("topic", topic), zap.String("group", groupID)),
		ttl: 7 * 24 * time.Hour,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 处理成功（或重试耗尽）后才提交 offset。
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consumer fetch: %w", err) // 连接断开等
		}
		for attempt := 1; ; attempt++ {
			err = c.handle(ctx, m.Value)
			if err == nil || errors.Is(err, errMalformed) || attempt >= handleAttempts || ctx.Err() != nil {
				break
			}
			sleep(ctx, time.Duration(attempt)*200*time.Millisecond)
		}
		if err != nil {
			c.log.Warn("consumer handle", zap.Int64("offset", m.Offset), zap.Error(err))
		}
		if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn("consumer commit", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// handle 重复投递直接跳过；处理失败撤销标记，让下一次投递重试。
func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var ev model.OrderEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if err := validateEvent(ev); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}

	if c.rdb != nil {
		first, err := rediskey.MarkEventOnce(ctx, c.rdb, ev.EventID, c.ttl)
		if err != nil {
			c.log.Warn("event dedupe unavailable", zap.String("event_id", ev.EventID), zap.Error(err))
		} else if !first {
			return nil
		}
	}

	if err := c.h.HandleOrderEvent(ctx, ev); err != nil {
		if c.rdb != nil {
			_ = rediskey.ForgetEvent(ctx, c.rdb, ev.EventID)
		}
		return err
	}
	return nil
}
