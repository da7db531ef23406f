package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tana_market/internal/config"
	"tana_market/internal/gateway"
	"tana_market/internal/middleware"
	"tana_market/internal/model"
	"tana_market/internal/notify"
	"tana_market/internal/orders"
	"tana_market/internal/payment"
	"tana_market/internal/queue"
	"tana_market/internal/router"
	"tana_market/internal/store"
	"tana_market/internal/store/storetest"
	"tana_market/internal/tracking"
)

const secret = "router-test-secret"

var now = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func init() { gin.SetMode(gin.TestMode) }

type server struct {
	h      http.Handler
	gw     *gateway.Fake
	tokens map[string]string
}

func newServer(t *testing.T, rateLimit int) *server {
	t.Helper()
	db := storetest.NewDB(t)
	clock := func() time.Time { return now }

	orderStore := store.NewOrderStore(db)
	products := store.NewProductStore(db)
	users := store.NewUserStore(db)
	notifications := store.NewNotificationStore(db)
	attempts := store.NewPaymentAttemptStore(db)

	var seq atomic.Int64
	newID := func() string { return fmt.Sprintf("id-%04d", seq.Add(1)) }

	dispatcher := notify.NewDispatcher(notify.Deps{Repo: notifications, Directory: users, Clock: clock, NewID: newID})
	svc := orders.NewService(orders.Deps{
		Store:     orderStore,
		Allocator: tracking.NewAllocator(orderStore, tracking.Config{}, clock, nil),
		Events:    queue.NewDirectPublisher(dispatcher, nil),
		Catalog:   products,
		Clock:     clock,
		NewID:     newID,
	})
	gw := gateway.NewFake()
	rec := payment.NewReconciler(payment.Deps{
		Orders:   svc,
		Gateway:  gw,
		Attempts: attempts,
		Users:    users,
		Locker:   payment.NewLocalLocker(),
		Clock:    clock,
		Config:   payment.Config{Currency: "ETB", FrontendURL: "http://shop.test"},
	})

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.AppConfig{JWTSecret: secret, VerifyRateLimit: rateLimit, VerifyRateWindow: time.Minute}
	r := gin.New()
	router.Setup(r, router.Deps{
		Orders:   svc,
		Payments: rec,
		Inbox:    notify.NewInbox(notifications, clock),
		Products: products,
		Attempts: attempts,
		Users:    users,
		Redis:    rdb,
		Config:   cfg,
	})

	ctx := context.Background()
	require.NoError(t, products.Create(ctx, &model.Product{Name: "Coffee", Price: decimal.RequireFromString("250.00"), Active: true}))
	s := &server{h: r, gw: gw, tokens: map[string]string{}}
	for _, u := range []model.User{
		{ID: "cust", Name: "Abebe Kebede", Email: "abebe@example.com", Role: model.RoleCustomer, Active: true},
		{ID: "other", Name: "Other", Email: "other@example.com", Role: model.RoleCustomer, Active: true},
		{ID: "mgr", Name: "Manager", Email: "mgr@example.com", Role: model.RoleManager, Active: true},
		{ID: "admin", Name: "Admin", Email: "admin@example.com", Role: model.RoleAdmin, Active: true},
	} {
		require.NoError(t, users.Create(ctx, &u))
		tok, err := middleware.IssueToken([]byte(secret), u, time.Hour, time.Now())
		require.NoError(t, err)
		s.tokens[u.ID] = tok
	}
	return s
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (s *server) do(t *testing.T, method, path, who string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != "" {
		req.Header.Set("Authorization", "Bearer "+s.tokens[who])
	}
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out), w.Body.String())
	return out
}

func (s *server) createOrder(t *testing.T) model.Order {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/orders", "cust", gin.H{
		"items":           []gin.H{{"productId": 1, "quantity": 2}},
		"shippingAddress": gin.H{"address": "Bole Road 12", "city": "Addis Ababa", "phone": "+251911000000"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[model.Order](t, w)
}

func (s *server) initialize(t *testing.T, orderID string) payment.Checkout {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/payments/initialize", "cust", gin.H{"orderId": orderID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[payment.Checkout](t, w)
}

func TestPaymentAndFulfilmentFlow(t *testing.T) {
	s := newServer(t, 100)
	o := s.createOrder(t)
	assert.Equal(t, "500", o.Total.String())
	assert.Equal(t, model.OrderPending, o.Status)

	co := s.initialize(t, o.ID)
	assert.NotEmpty(t, co.CheckoutURL)
	s.gw.Settle(co.TxRef, gateway.StatusSuccess, decimal.RequireFromString("500.00"))

	// 网关回调：重定向到带追踪号的订单页
	w := s.do(t, http.MethodPost, "/api/payments/verify", "", gin.H{"tx_ref": co.TxRef, "status": "success"})
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "http://shop.test/orders/TANA-20260314-0001?payment=success", w.Header().Get("Location"))

	// 前端随后自动验证：幂等成功
	w = s.do(t, http.MethodPost, "/api/payments/verify-auto", "", gin.H{"tx_ref": co.TxRef})
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Success bool        `json:"success"`
		Order   model.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, model.OrderPaid, res.Order.Status)

	w = s.do(t, http.MethodGet, "/api/orders/tracking/TANA-20260314-0001", "cust", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, o.ID, decode[model.Order](t, w).ID)

	// 员工审核、发货
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/api/manager/orders/"+o.ID+"/approve", "mgr", nil).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/api/manager/orders/"+o.ID+"/ship", "mgr", nil).Code)

	// 未到配送时长不能手动送达
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/api/manager/orders/"+o.ID+"/deliver", "mgr", nil).Code)

	w = s.do(t, http.MethodGet, "/api/manager/orders/"+o.ID+"/payments", "mgr", nil)
	require.Equal(t, http.StatusOK, w.Code)
	attempts := decode[[]map[string]any](t, w)
	require.Len(t, attempts, 2)
	assert.Equal(t, "applied", attempts[0]["outcome"])
	assert.Equal(t, "already_paid", attempts[1]["outcome"])

	// 客户收件箱：支付成功、已支付、已审核、已发货
	w = s.do(t, http.MethodGet, "/api/notifications/unread/count", "cust", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 4, decode[map[string]int](t, w)["count"])

	w = s.do(t, http.MethodGet, "/api/notifications?unreadOnly=true", "mgr", nil)
	require.Equal(t, http.StatusOK, w.Code)
	staff := decode[[]model.Notification](t, w)
	require.Len(t, staff, 1)
	assert.Equal(t, model.NotifyOrderPaid, staff[0].Type)

	w = s.do(t, http.MethodPut, "/api/notifications/"+staff[0].ID+"/read", "mgr", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPut, "/api/notifications/"+staff[0].ID+"/read", "cust", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReturnAndRefundFlow(t *testing.T) {
	s := newServer(t, 100)
	o := s.createOrder(t)
	co := s.initialize(t, o.ID)
	s.gw.Settle(co.TxRef, gateway.StatusSuccess, o.Total)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/payments/verify/"+co.TxRef, "cust", nil).Code)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/return", "cust", gin.H{}).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/return", "other", gin.H{"reason": "x"}).Code)

	w := s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/return", "cust", gin.H{"reason": "<b>broken</b> lid"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "broken lid", decode[model.Order](t, w).ReturnRequest.Reason)

	// 店长不能处理退货
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPut, "/api/admin/orders/"+o.ID+"/return/approve", "mgr", nil).Code)

	w = s.do(t, http.MethodGet, "/api/admin/returns", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Order](t, w), 1)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/api/admin/orders/"+o.ID+"/return/approve", "admin", nil).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/api/admin/orders/"+o.ID+"/return/received", "admin", nil).Code)

	w = s.do(t, http.MethodPut, "/api/admin/orders/"+o.ID+"/return/refund", "admin", gin.H{"refundAmount": "120.50"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	refunded := decode[model.Order](t, w)
	assert.Equal(t, model.ReturnRefunded, refunded.ReturnRequest.Status)
	assert.Equal(t, "120.5", refunded.ReturnRequest.RefundAmount.Decimal.String())
	// 发货前退款，订单随之取消
	assert.Equal(t, model.OrderCancelled, refunded.Status)

	w = s.do(t, http.MethodGet, "/api/orders/"+o.ID+"/return", "cust", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.ReturnRefunded, decode[model.ReturnRequest](t, w).Status)

	// 终态不可再次退款
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/api/admin/orders/"+o.ID+"/return/refund", "admin", nil).Code)
}

func TestRevertPendingClearsTrackingNumber(t *testing.T) {
	s := newServer(t, 100)
	o := s.createOrder(t)
	co := s.initialize(t, o.ID)
	s.gw.Settle(co.TxRef, gateway.StatusSuccess, o.Total)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/payments/verify-auto", "", gin.H{"orderId": o.ID}).Code)

	w := s.do(t, http.MethodPut, "/api/admin/orders/"+o.ID+"/revert-pending", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reverted := decode[model.Order](t, w)
	assert.Equal(t, model.OrderPending, reverted.Status)
	assert.Nil(t, reverted.TrackingNumber)

	// 已是 pending，不能再撤回；也没有任意改状态的接口
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/api/admin/orders/"+o.ID+"/revert-pending", "admin", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPut, "/api/admin/orders/"+o.ID+"/status", "admin", gin.H{"status": "paid"}).Code)
}

func TestAccessControl(t *testing.T) {
	s := newServer(t, 100)
	o := s.createOrder(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/orders", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/orders/"+o.ID, "other", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/orders/"+o.ID, "mgr", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/manager/orders", "cust", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/orders/nope", "cust", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/payments/initialize", "other", gin.H{"orderId": o.ID}).Code)

	// 待支付订单不能审核
	w := s.do(t, http.MethodPut, "/api/manager/orders/"+o.ID+"/approve", "mgr", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/manager/orders?status=pending", "mgr", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Order](t, w), 1)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/manager/orders?status=lost", "mgr", nil).Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/api/orders/"+o.ID+"/cancel", "cust", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/orders/"+o.ID, "cust", nil).Code)
}

func TestVerifyEndpointsShape(t *testing.T) {
	s := newServer(t, 100)

	w := s.do(t, http.MethodPost, "/api/payments/verify-auto", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"tx_ref 或 orderId 必填"}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/payments/verify-auto", "", gin.H{"tx_ref": "unknown"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 未到账仍然是 200
	o := s.createOrder(t)
	co := s.initialize(t, o.ID)
	w = s.do(t, http.MethodPost, "/api/payments/verify-auto", "", gin.H{"tx_ref": co.TxRef})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)

	// 网关不可用：对账接口 200 + retryable，发起支付 502
	s.gw.SetErr(gateway.ErrUnavailable)
	w = s.do(t, http.MethodPost, "/api/payments/verify-auto", "", gin.H{"tx_ref": co.TxRef})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"retryable":true`)

	o2 := s.createOrder(t)
	assert.Equal(t, http.StatusBadGateway, s.do(t, http.MethodPost, "/api/payments/initialize", "cust", gin.H{"orderId": o2.ID}).Code)

	// 回调：未知交易也只重定向
	req := httptest.NewRequest(http.MethodGet, "/api/payments/verify?trx_ref=unknown&status=success", nil)
	rw := httptest.NewRecorder()
	s.h.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusFound, rw.Code)
	assert.Equal(t, "http://shop.test/orders?payment=error", rw.Header().Get("Location"))
}

func TestVerifyAutoIsRateLimitedPerTransaction(t *testing.T) {
	s := newServer(t, 2)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/payments/verify-auto", "", gin.H{"tx_ref": "TX-1"}).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodPost, "/api/payments/verify-auto", "", gin.H{"tx_ref": "TX-1"}).Code)
}

func TestProducts(t *testing.T) {
	s := newServer(t, 100)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/products", "cust", gin.H{"name": "Tea", "price": "10"}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/products", "mgr", gin.H{"name": "Tea", "price": "-1"}).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/products", "mgr", gin.H{"name": "Tea", "price": "10.5"}).Code)

	w := s.do(t, http.MethodGet, "/api/products", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Product](t, w), 2)
}
