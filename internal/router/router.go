package router

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tana_market/internal/config"
	"tana_market/internal/gateway"
	"tana_market/internal/lifecycle"
	"tana_market/internal/middleware"
	"tana_market/internal/model"
	"tana_market/internal/notify"
	"tana_market/internal/orders"
	"tana_market/internal/payment"
	"tana_market/internal/store"
)

// Deps 路由依赖，全部由 cmd/server 组装。
type Deps struct {
	Orders   *orders.Service
	Payments *payment.Reconciler
	Inbox    *notify.Inbox
	Products *store.ProductStore
	Attempts *store.PaymentAttemptStore
	Users    middleware.UserLookup
	// Redis 为 nil 时不限流。
	Redis  *rd.Client
	Config config.AppConfig
	Logger *zap.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	auth := middleware.Auth([]byte(d.Config.JWTSecret), d.Users)
	staff := middleware.RequireRoles(model.RoleAdmin, model.RoleManager)
	admin := middleware.RequireRoles(model.RoleAdmin)
	limit := verifyLimiter(d)

	// Products
	r.GET("/api/products", listProducts(d.Products))
	r.POST("/api/products", auth, staff, createProduct(d.Products))

	// Payments：网关回调与自动验证不需要登录
	pay := r.Group("/api/payments")
	pay.POST("/verify", paymentWebhook(d.Payments))
	pay.GET("/verify", paymentWebhook(d.Payments))
	pay.POST("/verify-auto", limit, autoVerify(d.Payments))
	pay.GET("/verify/:txRef", auth, limit, manualVerify(d.Payments))
	pay.POST("/initialize", auth, initializePayment(d.Payments))

	// Orders
	ord := r.Group("/api/orders", auth)
	ord.POST("", createOrder(d.Orders))
	ord.GET("", listMyOrders(d.Orders))
	ord.GET("/tracking/:ref", trackOrder(d.Orders))
	ord.GET("/:id", getOrder(d.Orders))
	ord.PUT("/:id/cancel", cancelOrder(d.Orders))
	ord.POST("/:id/return", requestReturn(d.Orders))
	ord.GET("/:id/return", getReturn(d.Orders))

	// Manager
	mgr := r.Group("/api/manager", auth, staff)
	mgr.GET("/orders", listAllOrders(d.Orders))
	mgr.PUT("/orders/:id/approve", approveOrder(d.Orders))
	mgr.PUT("/orders/:id/ship", shipOrder(d.Orders))
	mgr.PUT("/orders/:id/deliver", deliverOrder(d.Orders))
	mgr.GET("/orders/:id/payments", listPaymentAttempts(d.Orders, d.Attempts))

	// Admin：退货退款与状态修正
	adm := r.Group("/api/admin", auth, admin)
	adm.GET("/returns", listReturns(d.Orders))
	adm.PUT("/orders/:id/return/approve", approveReturn(d.Orders))
	adm.PUT("/orders/:id/return/reject", rejectReturn(d.Orders))
	adm.PUT("/orders/:id/return/received", markReturned(d.Orders))
	adm.PUT("/orders/:id/return/refund", refundOrder(d.Orders))
	adm.PUT("/orders/:id/revert-pending", revertPending(d.Orders))

	// Notifications
	ntf := r.Group("/api/notifications", auth)
	ntf.GET("", listNotifications(d.Inbox))
	ntf.GET("/unread/count", unreadCount(d.Inbox))
	ntf.PUT("/read-all", markAllRead(d.Inbox))
	ntf.PUT("/:id/read", markRead(d.Inbox))
	ntf.DELETE("/read/all", deleteRead(d.Inbox))
	ntf.DELETE("/:id", deleteNotification(d.Inbox))
}

func verifyLimiter(d Deps) gin.HandlerFunc {
	if d.Redis == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.RedisRateLimit(d.Redis, "payments", d.Config.VerifyRateLimit, d.Config.VerifyRateWindow, d.Logger)
}

// actor 只在 Auth 之后的路由里调用。
func actor(c *gin.Context) model.Actor {
	a, _ := middleware.CurrentActor(c)
	return a
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": msg})
}

// fail 把领域错误映射为 HTTP 状态码。
func fail(c *gin.Context, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"code": status, "msg": msg})
}

func classify(err error) (int, string) {
	var invalid *lifecycle.InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "当前订单状态不允许该操作: " + invalid.Error()
	case errors.Is(err, lifecycle.ErrReasonRequired):
		return http.StatusBadRequest, "请填写原因"
	case errors.Is(err, lifecycle.ErrNotDue):
		return http.StatusBadRequest, "配送时间未到"
	case errors.Is(err, lifecycle.ErrAmountMismatch):
		return http.StatusBadRequest, "金额与订单不符"
	case errors.Is(err, orders.ErrInvalidInput), errors.Is(err, payment.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, orders.ErrForbidden), errors.Is(err, payment.ErrForbidden):
		return http.StatusForbidden, "无权访问该订单"
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "订单不存在"
	case errors.Is(err, orders.ErrConflict):
		return http.StatusConflict, "订单正在被处理，请稍后重试"
	case errors.Is(err, payment.ErrNotPayable):
		return http.StatusConflict, "订单不是待支付状态"
	case errors.Is(err, gateway.ErrUnavailable), errors.Is(err, gateway.ErrUnauthorized),
		errors.Is(err, gateway.ErrMalformed), errors.Is(err, gateway.ErrNotFound):
		return http.StatusBadGateway, "支付网关暂不可用"
	default:
		return http.StatusInternalServerError, "服务器内部错误"
	}
}
