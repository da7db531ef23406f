package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tana_market/internal/model"
)

var (
	testNow    = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	testWindow = 72 * time.Hour
)

var allStatuses = []model.OrderStatus{
	model.OrderPending,
	model.OrderPaid,
	model.OrderApproved,
	model.OrderShipped,
	model.OrderDelivered,
	model.OrderCancelled,
}

func newOrder(status model.OrderStatus) model.Order {
	shipped := testNow.Add(-testWindow - time.Hour)
	return model.Order{
		ID:            "ord-1",
		UserID:        "user-1",
		Status:        status,
		Total:         decimal.RequireFromString("500.00"),
		ShippedAt:     &shipped,
		ReturnRequest: model.ReturnRequest{Status: model.ReturnNone},
	}
}

type opCase struct {
	op    Op
	legal []model.OrderStatus
	run   func(o *model.Order) (Transition, error)
}

func orderOps() []opCase {
	return []opCase{
		{OpCancel, []model.OrderStatus{model.OrderPending}, func(o *model.Order) (Transition, error) {
			return Cancel(o, testNow)
		}},
		{OpMarkPaid, []model.OrderStatus{model.OrderPending, model.OrderPaid}, func(o *model.Order) (Transition, error) {
			return MarkPaid(o, "tx-1", o.Total, testNow)
		}},
		{OpApprove, []model.OrderStatus{model.OrderPaid}, func(o *model.Order) (Transition, error) {
			return Approve(o, testNow)
		}},
		{OpShip, []model.OrderStatus{model.OrderPaid, model.OrderApproved}, func(o *model.Order) (Transition, error) {
			return Ship(o, testNow)
		}},
		{OpMarkDelivered, []model.OrderStatus{model.OrderShipped}, func(o *model.Order) (Transition, error) {
			return MarkDelivered(o, testNow, testWindow)
		}},
		{OpRequestReturn, []model.OrderStatus{model.OrderPaid, model.OrderApproved, model.OrderShipped, model.OrderDelivered}, func(o *model.Order) (Transition, error) {
			return RequestReturn(o, "broken on arrival", testNow)
		}},
		{OpRevertPending, []model.OrderStatus{model.OrderPaid, model.OrderApproved, model.OrderShipped, model.OrderDelivered}, func(o *model.Order) (Transition, error) {
			return RevertToPending(o, testNow)
		}},
	}
}

func TestTransitionLegalityTable(t *testing.T) {
	for _, tc := range orderOps() {
		for _, from := range allStatuses {
			legal := false
			for _, s := range tc.legal {
				if s == from {
					legal = true
				}
			}
			o := newOrder(from)
			before := o
			_, err := tc.run(&o)
			if legal {
				assert.NoError(t, err, "%s from %s", tc.op, from)
				continue
			}
			require.Error(t, err, "%s from %s", tc.op, from)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s from %s", tc.op, from)
			var ite *InvalidTransitionError
			require.True(t, errors.As(err, &ite))
			assert.Equal(t, string(from), ite.From)
			assert.Equal(t, before, o, "%s from %s must leave order unchanged", tc.op, from)
		}
	}
}

func TestMarkPaidAllocatesAndNotifies(t *testing.T) {
	o := newOrder(model.OrderPending)

	tr, err := MarkPaid(&o, "tx-abc", decimal.RequireFromString("500"), testNow)
	require.NoError(t, err)

	assert.Equal(t, model.OrderPaid, o.Status)
	require.NotNil(t, o.PaymentReference)
	assert.Equal(t, "tx-abc", *o.PaymentReference)
	assert.Equal(t, testNow, *o.PaidAt)
	assert.True(t, tr.Has(EffectAllocateTracking))
	assert.Equal(t, []Effect{
		{Kind: EffectNotify, Notification: model.NotifyPaymentSuccess, Audience: model.AudienceCustomer},
		{Kind: EffectNotify, Notification: model.NotifyOrderPaid, Audience: model.AudienceCustomer},
		{Kind: EffectNotify, Notification: model.NotifyOrderPaid, Audience: model.AudienceStaff},
	}, tr.Notifications())
}

func TestMarkPaidKeepsExistingTrackingNumber(t *testing.T) {
	o := newOrder(model.OrderPending)
	tn := "TANA-20260314-0007"
	o.TrackingNumber = &tn

	tr, err := MarkPaid(&o, "tx-1", o.Total, testNow)
	require.NoError(t, err)
	assert.False(t, tr.Has(EffectAllocateTracking))
	assert.Equal(t, tn, *o.TrackingNumber)
}

func TestMarkPaidIsIdempotentWhenAlreadyPaid(t *testing.T) {
	o := newOrder(model.OrderPaid)
	before := o

	tr, err := MarkPaid(&o, "tx-other", decimal.RequireFromString("1"), testNow)
	require.NoError(t, err)
	assert.True(t, tr.Noop)
	assert.Empty(t, tr.Effects)
	assert.Equal(t, before, o)
}

func TestMarkPaidRequiresExactAmount(t *testing.T) {
	o := newOrder(model.OrderPending)
	o.Total = decimal.RequireFromString("99.99")
	before := o

	_, err := MarkPaid(&o, "tx-1", decimal.RequireFromString("99.990001"), testNow)
	require.ErrorIs(t, err, ErrAmountMismatch)
	var mismatch *AmountMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "99.99", mismatch.Expected.String())
	assert.Equal(t, "99.990001", mismatch.Got.String())
	assert.Equal(t, before, o)

	// 数值相等但表示不同（尾随零）视为一致
	_, err = MarkPaid(&o, "tx-1", decimal.RequireFromString("99.9900"), testNow)
	assert.NoError(t, err)
}

func TestMarkDeliveredWaitsForWindow(t *testing.T) {
	o := newOrder(model.OrderShipped)
	recent := testNow.Add(-time.Hour)
	o.ShippedAt = &recent

	_, err := MarkDelivered(&o, testNow, testWindow)
	assert.ErrorIs(t, err, ErrNotDue)
	assert.Equal(t, model.OrderShipped, o.Status)

	_, err = MarkDelivered(&o, recent.Add(testWindow), testWindow)
	require.NoError(t, err)
	assert.Equal(t, model.OrderDelivered, o.Status)
}

func TestRevertToPendingClearsTrackingNumber(t *testing.T) {
	for _, from := range []model.OrderStatus{model.OrderPaid, model.OrderShipped, model.OrderDelivered} {
		tn := "TANA-20260314-0001"
		o := newOrder(from)
		o.TrackingNumber = &tn
		tr, err := RevertToPending(&o, testNow)
		require.NoError(t, err, "from %s", from)
		assert.Equal(t, model.OrderPending, o.Status)
		assert.Nil(t, o.TrackingNumber)
		assert.True(t, tr.Has(EffectClearTracking))
		assert.Empty(t, tr.Notifications())
	}
}

// 撤回之外没有任何入口能让订单倒退，或不经 MarkPaid 变成已支付。
func TestNoOperationMovesBackwardOrSkipsPayment(t *testing.T) {
	rank := map[model.OrderStatus]int{
		model.OrderPaid:      1,
		model.OrderApproved:  2,
		model.OrderShipped:   3,
		model.OrderDelivered: 4,
	}
	for _, tc := range orderOps() {
		if tc.op == OpRevertPending {
			continue
		}
		for _, from := range allStatuses {
			o := newOrder(from)
			tr, err := tc.run(&o)
			if err != nil || tr.Noop {
				continue
			}
			if from == model.OrderPending && o.Status.IsSettled() {
				assert.Equal(t, OpMarkPaid, tc.op, "%s settles a pending order", tc.op)
				assert.True(t, tr.Has(EffectAllocateTracking))
			}
			if rank[from] > 0 && rank[o.Status] > 0 {
				assert.GreaterOrEqual(t, rank[o.Status], rank[from], "%s moved %s -> %s", tc.op, from, o.Status)
			}
		}
	}
}

func TestCancelRequestsDeletion(t *testing.T) {
	o := newOrder(model.OrderPending)
	tr, err := Cancel(&o, testNow)
	require.NoError(t, err)
	assert.True(t, tr.Has(EffectDelete))
	assert.Empty(t, tr.Notifications())
}
