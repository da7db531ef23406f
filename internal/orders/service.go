// Package orders applies lifecycle transitions to persisted orders.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tana_market/internal/lifecycle"
	"tana_market/internal/model"
	"tana_market/internal/store"
	"tana_market/internal/tracking"
)

var (
	ErrNotFound     = errors.New("orders: not found")
	ErrForbidden    = errors.New("orders: forbidden")
	ErrConflict     = errors.New("orders: concurrent update, retry")
	ErrInvalidInput = errors.New("orders: invalid input")
)

// casAttempts 条件写入落空后重读重放的次数上限。
const casAttempts = 3

const DefaultDeliveryWindow = 72 * time.Hour

// errLostRace 分配器提交时 CAS 落空，说明别人已经改了订单。
var errLostRace = errors.New("orders: lost race")

// Store 订单持久化。
type Store interface {
	Create(ctx context.Context, o *model.Order) error
	FindByID(ctx context.Context, id string) (model.Order, error)
	FindByPaymentReference(ctx context.Context, ref string) (model.Order, error)
	FindByTrackingNumber(ctx context.Context, tn string) (model.Order, error)
	ListByUser(ctx context.Context, userID string) ([]model.Order, error)
	List(ctx context.Context, f store.OrderFilter) ([]model.Order, error)
	ListShippedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Order, error)
	Save(ctx context.Context, o *model.Order, expect store.Expect) (bool, error)
	DeletePending(ctx context.Context, id string) (bool, error)
	AttachPaymentReference(ctx context.Context, id, ref string, now time.Time) (bool, error)
}

type Allocator interface {
	Allocate(ctx context.Context, orderID string, commit tracking.CommitFunc) (string, error)
}

// EventPublisher 投递状态迁移产生的事件；失败只记日志。
type EventPublisher interface {
	Publish(ctx context.Context, events []model.OrderEvent) error
}

type Catalog interface {
	FindActive(ctx context.Context, ids []uint) (map[uint]model.Product, error)
}

type Deps struct {
	Store     Store
	Allocator Allocator
	Events    EventPublisher
	Catalog   Catalog
	Logger    *zap.Logger
	Clock     func() time.Time
	NewID     func() string
	// NewRefundReference 退款未提供流水号时生成 RF-<ulid>。
	NewRefundReference func() string
	DeliveryWindow     time.Duration
}

type Service struct {
	store     Store
	allocator Allocator
	events    EventPublisher
	catalog   Catalog
	log       *zap.Logger
	now       func() time.Time
	newID     func() string
	refundRef func() string
	window    time.Duration
	sanitize  *bluemonday.Policy
}

func NewService(d Deps) *Service {
	s := &Service{
		store:     d.Store,
		allocator: d.Allocator,
		events:    d.Events,
		catalog:   d.Catalog,
		log:       d.Logger,
		now:       d.Clock,
		newID:     d.NewID,
		refundRef: d.NewRefundReference,
		window:    d.DeliveryWindow,
		sanitize:  bluemonday.StrictPolicy(),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.refundRef == nil {
		s.refundRef = func() string { return "RF-" + ulid.Make().String() }
	}
	if s.window <= 0 {
		s.window = DefaultDeliveryWindow
	}
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

func (s *Service) load(ctx context.Context, id string) (model.Order, error) {
	o, err := s.store.FindByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Order{}, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return o, err
}

type mutation func(o *model.Order, now time.Time) (lifecycle.Transition, error)

// apply 读取、迁移、条件写入。写入落空说明有并发修改，重读后重放，
// 状态已经不允许时由 lifecycle 返回 InvalidTransition。
func (s *Service) apply(ctx context.Context, id string, fn mutation) (model.Order, lifecycle.Transition, error) {
	for attempt := 1; ; attempt++ {
		o, err := s.load(ctx, id)
		if err != nil {
			return model.Order{}, lifecycle.Transition{}, err
		}
		original := o
		expect := store.Expect{Status: o.Status, ReturnStatus: o.ReturnRequest.CurrentStatus()}

		tr, err := fn(&o, s.clock())
		if err != nil {
			return original, tr, err
		}
		if tr.Noop {
			return o, tr, nil
		}

		var ok bool
		if tr.Has(lifecycle.EffectDelete) {
			ok, err = s.store.DeletePending(ctx, o.ID)
		} else {
			ok, err = s.store.Save(ctx, &o, expect)
		}
		if err != nil {
			return original, tr, err
		}
		if ok {
			s.emit(ctx, o, tr)
			return o, tr, nil
		}
		if attempt >= casAttempts {
			return original, tr, ErrConflict
		}
		s.log.Debug("order changed concurrently, replaying",
			zap.String("order_id", id), zap.String("op", string(tr.Op)), zap.Int("attempt", attempt))
	}
}

// emit 每个通知意图一条事件。
func (s *Service) emit(ctx context.Context, o model.Order, tr lifecycle.Transition) {
	effects := tr.Notifications()
	if len(effects) == 0 || s.events == nil {
		return
	}
	now := s.clock()
	tn := ""
	if o.TrackingNumber != nil {
		tn = *o.TrackingNumber
	}
	events := make([]model.OrderEvent, 0, len(effects))
	for _, e := range effects {
		events = append(events, model.OrderEvent{
			EventID:        s.newID(),
			Type:           e.Notification,
			Audience:       e.Audience,
			OrderID:        o.ID,
			UserID:         o.UserID,
			TrackingNumber: tn,
			From:           tr.From,
			Status:         o.Status,
			ReturnStatus:   o.ReturnRequest.CurrentStatus(),
			OccurredAt:     now,
		})
	}
	if err := s.events.Publish(ctx, events); err != nil {
		s.log.Warn("order event publish failed",
			zap.String("order_id", o.ID), zap.String("op", string(tr.Op)), zap.Error(err))
	}
}

// PaymentFailed 通知客户支付失败，订单状态不变，发布失败只记日志。
// 事件 id 由 tx_ref 决定，消费者按它去重；落库时还按 (user, type, order) 去重。
func (s *Service) PaymentFailed(ctx context.Context, o model.Order, txRef string) {
	if s.events == nil {
		return
	}
	ev := model.OrderEvent{
		EventID:      "payment_failed:" + txRef,
		Type:         model.NotifyPaymentFailed,
		Audience:     model.AudienceCustomer,
		OrderID:      o.ID,
		UserID:       o.UserID,
		From:         o.Status,
		Status:       o.Status,
		ReturnStatus: o.ReturnRequest.CurrentStatus(),
		OccurredAt:   s.clock(),
	}
	if err := s.events.Publish(ctx, []model.OrderEvent{ev}); err != nil {
		s.log.Warn("payment failed event publish failed",
			zap.String("order_id", o.ID), zap.String("tx_ref", txRef), zap.Error(err))
	}
}

// MarkPaid pending → paid，并在同一次条件写入里落追踪号。
// applied=false 表示订单之前已支付（或并发的另一方先完成），调用方应视为成功。
func (s *Service) MarkPaid(ctx context.Context, id, txRef string, confirmed decimal.Decimal) (model.Order, bool, error) {
	for attempt := 1; ; attempt++ {
		o, err := s.load(ctx, id)
		if err != nil {
			return model.Order{}, false, err
		}
		original := o
		expect := store.Expect{Status: o.Status, ReturnStatus: o.ReturnRequest.CurrentStatus()}

		tr, err := lifecycle.MarkPaid(&o, txRef, confirmed, s.clock())
		if err != nil {
			return original, false, err
		}
		if tr.Noop {
			return o, false, nil
		}

		if tr.Has(lifecycle.EffectAllocateTracking) {
			_, err = s.allocator.Allocate(ctx, o.ID, func(ctx context.Context, candidate string) error {
				next := o
				next.TrackingNumber = &candidate
				ok, err := s.store.Save(ctx, &next, expect)
				if err != nil {
					return err
				}
				if !ok {
					return errLostRace
				}
				o = next
				return nil
			})
		} else {
			var ok bool
			ok, err = s.store.Save(ctx, &o, expect)
			if err == nil && !ok {
				err = errLostRace
			}
		}

		switch {
		case err == nil:
			s.log.Info("order paid",
				zap.String("order_id", o.ID), zap.String("tx_ref", txRef), zap.String("tracking_number", o.DisplayRef()))
			s.emit(ctx, o, tr)
			return o, true, nil
		case errors.Is(err, errLostRace), errors.Is(err, store.ErrDuplicateTrackingNumber):
			// 重读：已支付即为重复对账；否则重放一次
			current, lerr := s.load(ctx, id)
			if lerr != nil {
				return original, false, lerr
			}
			if current.Status.IsSettled() {
				return current, false, nil
			}
			if attempt >= casAttempts {
				return current, false, ErrConflict
			}
		default:
			return original, false, err
		}
	}
}

// AttachPaymentReference 仅 pending 订单可以绑定交易号。
func (s *Service) AttachPaymentReference(ctx context.Context, id, ref string) error {
	ok, err := s.store.AttachPaymentReference(ctx, id, ref, s.clock())
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}
