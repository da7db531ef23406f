package lifecycle

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"tana_market/internal/model"
)

// orderTransitions 合法的主状态迁移，除撤回 pending 外全部单向。
var orderTransitions = map[Op]struct {
	from []model.OrderStatus
	to   model.OrderStatus
}{
	OpCancel:        {from: []model.OrderStatus{model.OrderPending}, to: model.OrderCancelled},
	OpMarkPaid:      {from: []model.OrderStatus{model.OrderPending}, to: model.OrderPaid},
	OpApprove:       {from: []model.OrderStatus{model.OrderPaid}, to: model.OrderApproved},
	OpShip:          {from: []model.OrderStatus{model.OrderPaid, model.OrderApproved}, to: model.OrderShipped},
	OpMarkDelivered: {from: []model.OrderStatus{model.OrderShipped}, to: model.OrderDelivered},
	// 管理员撤回：只能从已支付及之后的状态回到 pending
	OpRevertPending: {
		from: []model.OrderStatus{model.OrderPaid, model.OrderApproved, model.OrderShipped, model.OrderDelivered},
		to:   model.OrderPending,
	},
}

func check(op Op, o *model.Order) error {
	rule := orderTransitions[op]
	if !slices.Contains(rule.from, o.Status) {
		return invalid(op, string(o.Status), string(rule.to))
	}
	return nil
}

// Cancel 未支付订单取消即删除。
func Cancel(o *model.Order, now time.Time) (Transition, error) {
	if err := check(OpCancel, o); err != nil {
		return Transition{}, err
	}
	tr := begin(OpCancel, o)
	o.Status = model.OrderCancelled
	o.CancelledAt = stamp(now)
	o.UpdatedAt = now
	tr.To = o.Status
	tr.Effects = []Effect{{Kind: EffectDelete}}
	return tr, nil
}

// MarkPaid 支付确认。已支付时是幂等空操作。
func MarkPaid(o *model.Order, txRef string, confirmed decimal.Decimal, now time.Time) (Transition, error) {
	if o.Status == model.OrderPaid {
		tr := begin(OpMarkPaid, o)
		tr.Noop = true
		return tr, nil
	}
	if err := check(OpMarkPaid, o); err != nil {
		return Transition{}, err
	}
	if !confirmed.Equal(o.Total) {
		return Transition{}, &AmountMismatchError{Expected: o.Total, Got: confirmed}
	}

	tr := begin(OpMarkPaid, o)
	o.Status = model.OrderPaid
	ref := txRef
	o.PaymentReference = &ref
	o.PaidAt = stamp(now)
	o.UpdatedAt = now
	tr.To = o.Status
	if o.TrackingNumber == nil {
		tr.Effects = append(tr.Effects, Effect{Kind: EffectAllocateTracking})
	}
	tr.Effects = append(tr.Effects,
		notifyCustomer(model.NotifyPaymentSuccess),
		notifyCustomer(model.NotifyOrderPaid),
		notifyStaff(model.NotifyOrderPaid),
	)
	return tr, nil
}

// AmountMismatchError carries both sides of a failed amount check.
type AmountMismatchError struct {
	Expected decimal.Decimal
	Got      decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("lifecycle: amount mismatch: expected %s, got %s", e.Expected.String(), e.Got.String())
}

func (e *AmountMismatchError) Is(target error) bool { return target == ErrAmountMismatch }

// Approve paid → approved.
func Approve(o *model.Order, now time.Time) (Transition, error) {
	if err := check(OpApprove, o); err != nil {
		return Transition{}, err
	}
	tr := begin(OpApprove, o)
	o.Status = model.OrderApproved
	o.ApprovedAt = stamp(now)
	o.UpdatedAt = now
	tr.To = o.Status
	tr.Effects = []Effect{notifyCustomer(model.NotifyOrderApproved)}
	return tr, nil
}

// Ship 允许跳过审核直接发货。
func Ship(o *model.Order, now time.Time) (Transition, error) {
	if err := check(OpShip, o); err != nil {
		return Transition{}, err
	}
	tr := begin(OpShip, o)
	o.Status = model.OrderShipped
	o.ShippedAt = stamp(now)
	o.UpdatedAt = now
	tr.To = o.Status
	tr.Effects = []Effect{notifyCustomer(model.NotifyOrderShipped)}
	return tr, nil
}

// DeliveryDue reports whether a shipped order has passed its delivery window.
func DeliveryDue(o model.Order, now time.Time, window time.Duration) bool {
	if o.Status != model.OrderShipped || o.ShippedAt == nil {
		return false
	}
	return !now.Before(o.ShippedAt.Add(window))
}

// MarkDelivered 由配送调度触发，需发货后超过配送时长。
func MarkDelivered(o *model.Order, now time.Time, window time.Duration) (Transition, error) {
	if err := check(OpMarkDelivered, o); err != nil {
		return Transition{}, err
	}
	if !DeliveryDue(*o, now, window) {
		return Transition{}, ErrNotDue
	}
	tr := begin(OpMarkDelivered, o)
	o.Status = model.OrderDelivered
	o.DeliveredAt = stamp(now)
	o.UpdatedAt = now
	tr.To = o.Status
	tr.Effects = []Effect{notifyCustomer(model.NotifyOrderDelivered)}
	return tr, nil
}

// RevertToPending 管理员把已支付订单撤回待支付。追踪号清空，重新支付会分配新号。
func RevertToPending(o *model.Order, now time.Time) (Transition, error) {
	if err := check(OpRevertPending, o); err != nil {
		return Transition{}, err
	}
	tr := begin(OpRevertPending, o)
	o.Status = model.OrderPending
	o.UpdatedAt = now
	tr.To = o.Status
	if o.TrackingNumber != nil {
		o.TrackingNumber = nil
		tr.Effects = append(tr.Effects, Effect{Kind: EffectClearTracking})
	}
	return tr, nil
}
