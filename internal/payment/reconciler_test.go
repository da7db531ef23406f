package payment_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tana_market/internal/gateway"
	"tana_market/internal/model"
	"tana_market/internal/orders"
	"tana_market/internal/payment"
	"tana_market/internal/store"
	"tana_market/internal/store/storetest"
	"tana_market/internal/tracking"
)

var now = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []model.OrderEvent
}

func (r *recorder) Publish(_ context.Context, events []model.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) Count(t model.NotificationType, a model.Audience) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t && e.Audience == a {
			n++
		}
	}
	return n
}

type env struct {
	orders   *orders.Service
	attempts *store.PaymentAttemptStore
	gw       *gateway.Fake
	events   *recorder
	rec      *payment.Reconciler
}

func newEnv(t *testing.T, locker payment.Locker) *env {
	t.Helper()
	db := storetest.NewDB(t)
	clock := func() time.Time { return now }
	orderStore := store.NewOrderStore(db)
	products := store.NewProductStore(db)
	users := store.NewUserStore(db)
	e := &env{
		attempts: store.NewPaymentAttemptStore(db),
		gw:       gateway.NewFake(),
		events:   &recorder{},
	}
	var seq atomic.Int64
	e.orders = orders.NewService(orders.Deps{
		Store:     orderStore,
		Allocator: tracking.NewAllocator(orderStore, tracking.Config{}, clock, nil),
		Events:    e.events,
		Catalog:   products,
		Clock:     clock,
		NewID:     func() string { return fmt.Sprintf("ord-%03d", seq.Add(1)) },
	})
	e.rec = payment.NewReconciler(payment.Deps{
		Orders:   e.orders,
		Gateway:  e.gw,
		Attempts: e.attempts,
		Users:    users,
		Locker:   locker,
		Clock:    clock,
		NewTxRef: func() string { return fmt.Sprintf("TANA-TX-%03d", seq.Add(1)) },
		Config:   payment.Config{Currency: "ETB", FrontendURL: "http://shop.test/"},
	})

	ctx := context.Background()
	require.NoError(t, products.Create(ctx, &model.Product{Name: "Coffee", Price: decimal.RequireFromString("250.00"), Active: true}))
	for _, u := range []model.User{
		{ID: "cust", Name: "Abebe Kebede", Email: "abebe@example.com", Phone: "+251911000000", Role: model.RoleCustomer},
		{ID: "other", Name: "Other", Email: "other@example.com", Role: model.RoleCustomer},
		{ID: "mgr", Name: "Manager", Email: "mgr@example.com", Role: model.RoleManager},
	} {
		require.NoError(t, users.Create(ctx, &u))
	}
	return e
}

// pending 下单并发起支付，返回订单与 tx_ref。
func (e *env) pending(t *testing.T) (model.Order, string) {
	t.Helper()
	ctx := context.Background()
	o, err := e.orders.Create(ctx, "cust", orders.CreateInput{
		Items:           []orders.ItemInput{{ProductID: 1, Quantity: 2}},
		ShippingAddress: model.ShippingAddress{Address: "Bole Road 12", City: "Addis Ababa", Phone: "+251911000000"},
	})
	require.NoError(t, err)
	co, err := e.rec.Initialize(ctx, model.Actor{UserID: "cust", Role: model.RoleCustomer}, o.ID)
	require.NoError(t, err)
	return o, co.TxRef
}

func (e *env) outcomes(t *testing.T, orderID string) []model.PaymentOutcome {
	t.Helper()
	list, err := e.attempts.ListForOrder(context.Background(), orderID)
	require.NoError(t, err)
	out := make([]model.PaymentOutcome, 0, len(list))
	for _, a := range list {
		out = append(out, a.Outcome)
	}
	return out
}

func TestInitializeStoresReferenceAndReusesIt(t *testing.T) {
	e := newEnv(t, nil)
	o, txRef := e.pending(t)
	assert.Equal(t, "TANA-TX-002", txRef)

	reloaded, err := e.orders.Reload(context.Background(), o.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.PaymentReference)
	assert.Equal(t, txRef, *reloaded.PaymentReference)

	co, err := e.rec.Initialize(context.Background(), model.Actor{UserID: "cust"}, o.ID)
	require.NoError(t, err)
	assert.Equal(t, txRef, co.TxRef)
	assert.Equal(t, "https://checkout.fake/pay/"+txRef, co.CheckoutURL)
}

func TestInitializeRequiresOwnerAndPending(t *testing.T) {
	e := newEnv(t, nil)
	o, txRef := e.pending(t)

	_, err := e.rec.Initialize(context.Background(), model.Actor{UserID: "mgr", Role: model.RoleManager}, o.ID)
	assert.ErrorIs(t, err, payment.ErrForbidden)

	e.gw.Settle(txRef, gateway.StatusSuccess, o.Total)
	_, err = e.rec.AutoVerify(context.Background(), txRef, "")
	require.NoError(t, err)

	_, err = e.rec.Initialize(context.Background(), model.Actor{UserID: "cust"}, o.ID)
	assert.ErrorIs(t, err, payment.ErrNotPayable)
}

// 网关回调先到：订单置为已支付，分配当日第一个追踪号，通知一次。
func TestWebhookThenAutoVerify(t *testing.T) {
	e := newEnv(t, payment.NewLocalLocker())
	o, txRef := e.pending(t)
	e.gw.Settle(txRef, gateway.StatusSuccess, decimal.RequireFromString("500"))

	url := e.rec.Webhook(context.Background(), txRef, "success")
	assert.Equal(t, "http://shop.test/orders/TANA-20260314-0001?payment=success", url)

	res, err := e.rec.AutoVerify(context.Background(), txRef, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, model.AttemptAlreadyPaid, res.Outcome)
	assert.Equal(t, "TANA-20260314-0001", *res.Order.TrackingNumber)

	// 已支付后不再访问网关
	assert.EqualValues(t, 1, e.gw.VerifyCalls())
	assert.Equal(t, []model.PaymentOutcome{model.AttemptApplied, model.AttemptAlreadyPaid}, e.outcomes(t, o.ID))
	assert.Equal(t, 1, e.events.Count(model.NotifyPaymentSuccess, model.AudienceCustomer))
	assert.Equal(t, 1, e.events.Count(model.NotifyOrderPaid, model.AudienceStaff))
}

func TestConcurrentEntryPointsApplyOnce(t *testing.T) {
	lockers := map[string]payment.Locker{
		"local": payment.NewLocalLocker(),
		"none":  payment.NopLocker{},
	}
	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, locker)
			o, txRef := e.pending(t)
			e.gw.Settle(txRef, gateway.StatusSuccess, o.Total)
			e.gw.Delay = 10 * time.Millisecond

			owner := model.Actor{UserID: "cust", Role: model.RoleCustomer}
			var (
				wg        sync.WaitGroup
				successes atomic.Int32
				redirects sync.Map
			)
			for i := 0; i < 4; i++ {
				wg.Add(3)
				go func() {
					defer wg.Done()
					url := e.rec.Webhook(context.Background(), txRef, "success")
					redirects.Store(url, true)
				}()
				go func() {
					defer wg.Done()
					res, err := e.rec.AutoVerify(context.Background(), "", o.ID)
					if assert.NoError(t, err) && res.Success {
						successes.Add(1)
					}
				}()
				go func() {
					defer wg.Done()
					res, err := e.rec.ManualVerify(context.Background(), owner, txRef)
					if assert.NoError(t, err) && res.Success {
						successes.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.EqualValues(t, 8, successes.Load())
			redirects.Range(func(k, _ any) bool {
				assert.Equal(t, "http://shop.test/orders/TANA-20260314-0001?payment=success", k)
				return true
			})

			applied := 0
			for _, oc := range e.outcomes(t, o.ID) {
				if oc == model.AttemptApplied {
					applied++
				}
			}
			assert.Equal(t, 1, applied)
			assert.Equal(t, 1, e.events.Count(model.NotifyOrderPaid, model.AudienceCustomer))
			assert.Equal(t, 1, e.events.Count(model.NotifyOrderPaid, model.AudienceStaff))
			assert.Equal(t, 1, e.events.Count(model.NotifyPaymentSuccess, model.AudienceCustomer))
		})
	}
}

func TestAmountMismatchLeavesOrderPending(t *testing.T) {
	e := newEnv(t, nil)
	o, txRef := e.pending(t)
	e.gw.Settle(txRef, gateway.StatusSuccess, decimal.RequireFromString("499.99"))

	res, err := e.rec.AutoVerify(context.Background(), txRef, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
	assert.Equal(t, model.AttemptMismatch, res.Outcome)
	assert.Equal(t, "500.00", res.Details["expected"])
	assert.Equal(t, "499.99", res.Details["received"])

	reloaded, err := e.orders.Reload(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, reloaded.Status)
	assert.Nil(t, reloaded.TrackingNumber)

	assert.Equal(t, "http://shop.test/orders/"+o.ID+"?payment=failed", e.rec.Webhook(context.Background(), txRef, "success"))
}

func TestPaymentFailedNotifiesCustomerOnDefinitiveFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	// 金额不符
	mismatched, txMismatch := e.pending(t)
	e.gw.Settle(txMismatch, gateway.StatusSuccess, decimal.RequireFromString("1.00"))
	_, err := e.rec.AutoVerify(ctx, txMismatch, "")
	require.NoError(t, err)

	// 网关明确失败
	declined, txDeclined := e.pending(t)
	e.gw.Settle(txDeclined, "failed", decimal.Zero)
	res, err := e.rec.AutoVerify(ctx, txDeclined, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)

	// 仍在处理、网关查不到：都不通知
	_, txPending := e.pending(t)
	e.gw.Settle(txPending, "pending", decimal.RequireFromString("500"))
	res, err = e.rec.AutoVerify(ctx, txPending, "")
	require.NoError(t, err)
	assert.True(t, res.Retryable)
	ghost, err := e.orders.Create(ctx, "cust", orders.CreateInput{
		Items:           []orders.ItemInput{{ProductID: 1, Quantity: 1}},
		ShippingAddress: model.ShippingAddress{Address: "a", City: "b", Phone: "c"},
	})
	require.NoError(t, err)
	require.NoError(t, e.orders.AttachPaymentReference(ctx, ghost.ID, "TANA-TX-GHOST"))
	res, err = e.rec.AutoVerify(ctx, "TANA-TX-GHOST", "")
	require.NoError(t, err)
	assert.Equal(t, model.AttemptNotSettled, res.Outcome)

	assert.Equal(t, 2, e.events.Count(model.NotifyPaymentFailed, model.AudienceCustomer))
	e.events.mu.Lock()
	defer e.events.mu.Unlock()
	got := map[string]string{}
	for _, ev := range e.events.events {
		if ev.Type == model.NotifyPaymentFailed {
			got[ev.OrderID] = ev.EventID
			assert.Equal(t, "cust", ev.UserID)
			assert.Equal(t, model.OrderPending, ev.Status)
		}
	}
	assert.Equal(t, map[string]string{
		mismatched.ID: "payment_failed:" + txMismatch,
		declined.ID:   "payment_failed:" + txDeclined,
	}, got)
}

func TestNumericAmountFormsCompareEqual(t *testing.T) {
	e := newEnv(t, nil)
	_, txRef := e.pending(t)
	// 网关返回 "500" 而订单是 500.00
	e.gw.Settle(txRef, gateway.StatusSuccess, decimal.RequireFromString("500"))

	res, err := e.rec.AutoVerify(context.Background(), txRef, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, model.AttemptApplied, res.Outcome)
}

func TestGatewayUnavailableIsRetryable(t *testing.T) {
	e := newEnv(t, nil)
	o, txRef := e.pending(t)
	e.gw.SetErr(gateway.ErrUnavailable)

	res, err := e.rec.ManualVerify(context.Background(), model.Actor{UserID: "mgr", Role: model.RoleManager}, txRef)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, model.AttemptGatewayError, res.Outcome)

	assert.Equal(t, "http://shop.test/orders/"+o.ID+"?payment=error", e.rec.Webhook(context.Background(), txRef, "success"))

	list, err := e.attempts.ListForOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Contains(t, list[0].ErrorMsg, "unavailable")
	assert.False(t, list[0].GatewayAmount.Valid)
}

func TestNotSettledThenSettled(t *testing.T) {
	e := newEnv(t, nil)
	_, txRef := e.pending(t)
	e.gw.Settle(txRef, "pending", decimal.RequireFromString("500"))

	res, err := e.rec.AutoVerify(context.Background(), txRef, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, model.AttemptNotSettled, res.Outcome)
	assert.Equal(t, "pending", res.Details["gatewayStatus"])

	e.gw.Settle(txRef, gateway.StatusSuccess, decimal.RequireFromString("500"))
	res, err = e.rec.AutoVerify(context.Background(), txRef, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestWebhookUnknownReferenceRedirectsWithError(t *testing.T) {
	e := newEnv(t, nil)
	assert.Equal(t, "http://shop.test/orders?payment=error", e.rec.Webhook(context.Background(), "nope", "success"))
	assert.Zero(t, e.gw.VerifyCalls())
}

func TestManualVerifyRequiresOwnerOrStaff(t *testing.T) {
	e := newEnv(t, nil)
	_, txRef := e.pending(t)

	_, err := e.rec.ManualVerify(context.Background(), model.Actor{UserID: "other", Role: model.RoleCustomer}, txRef)
	assert.ErrorIs(t, err, payment.ErrForbidden)

	_, err = e.rec.ManualVerify(context.Background(), model.Actor{UserID: "cust"}, "missing")
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestAutoVerifyInput(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.rec.AutoVerify(context.Background(), "", "")
	assert.ErrorIs(t, err, payment.ErrInvalidInput)

	o, err := e.orders.Create(context.Background(), "cust", orders.CreateInput{
		Items:           []orders.ItemInput{{ProductID: 1, Quantity: 1}},
		ShippingAddress: model.ShippingAddress{Address: "a", City: "b", Phone: "c"},
	})
	require.NoError(t, err)
	res, err := e.rec.AutoVerify(context.Background(), "", o.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, model.AttemptNotSettled, res.Outcome)
	assert.Zero(t, e.gw.VerifyCalls())
}

func TestCancelledOrderIsRejected(t *testing.T) {
	e := newEnv(t, nil)
	o, txRef := e.pending(t)
	e.gw.Settle(txRef, gateway.StatusSuccess, o.Total)
	require.NoError(t, e.orders.Cancel(context.Background(), "cust", o.ID))

	// 取消即删除待支付订单，引用随之失效
	_, err := e.rec.AutoVerify(context.Background(), txRef, "")
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestLocalLockerSerializesSameOrder(t *testing.T) {
	l := payment.NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "o1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, _ := l.Lock(context.Background(), "o1")
		close(acquired)
		u()
	}()
	select {
	case <-acquired:
		t.Fatal("second holder entered while lock held")
	case <-time.After(20 * time.Millisecond):
	}

	// 不同订单互不影响
	other, err := l.Lock(context.Background(), "o2")
	require.NoError(t, err)
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired")
	}
}

func TestLocalLockerHonoursContext(t *testing.T) {
	l := payment.NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "o1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "o1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 放弃等待的一方不影响后续加锁
	unlock()
	again, err := l.Lock(context.Background(), "o1")
	require.NoError(t, err)
	again()
}
