// Package payment reconciles gateway confirmations with orders.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tana_market/internal/gateway"
	"tana_market/internal/lifecycle"
	"tana_market/internal/model"
)

var (
	ErrForbidden    = errors.New("payment: forbidden")
	ErrInvalidInput = errors.New("payment: tx_ref or orderId required")
	// ErrNotPayable 订单不在待支付状态，不能发起支付。
	ErrNotPayable = errors.New("payment: order is not awaiting payment")
)

// Orders 对账需要的订单操作，由 orders.Service 实现。
type Orders interface {
	FindByReference(ctx context.Context, ref string) (model.Order, error)
	Reload(ctx context.Context, id string) (model.Order, error)
	MarkPaid(ctx context.Context, id, txRef string, confirmed decimal.Decimal) (model.Order, bool, error)
	AttachPaymentReference(ctx context.Context, id, ref string) error
	PaymentFailed(ctx context.Context, o model.Order, txRef string)
}

// Attempts 对账流水。
type Attempts interface {
	Record(ctx context.Context, a *model.PaymentAttempt) error
}

type Users interface {
	FindByID(ctx context.Context, id string) (model.User, error)
}

type Config struct {
	Currency    string
	FrontendURL string
}

type Deps struct {
	Orders   Orders
	Gateway  gateway.Gateway
	Attempts Attempts
	Users    Users
	Locker   Locker
	Logger   *zap.Logger
	Clock    func() time.Time
	NewTxRef func() string
	Config   Config
}

// Result 对账结论。"尚未到账"也是正常结果，不是 error。
type Result struct {
	Success   bool                 `json:"success"`
	Outcome   model.PaymentOutcome `json:"-"`
	Message   string               `json:"message"`
	Order     *model.Order         `json:"order,omitempty"`
	Details   map[string]any       `json:"details,omitempty"`
	Retryable bool                 `json:"retryable,omitempty"`
}

type Reconciler struct {
	orders   Orders
	gateway  gateway.Gateway
	attempts Attempts
	users    Users
	locker   Locker
	log      *zap.Logger
	now      func() time.Time
	newTxRef func() string
	cfg      Config
}

func NewReconciler(d Deps) *Reconciler {
	r := &Reconciler{
		orders:   d.Orders,
		gateway:  d.Gateway,
		attempts: d.Attempts,
		users:    d.Users,
		locker:   d.Locker,
		log:      d.Logger,
		now:      d.Clock,
		newTxRef: d.NewTxRef,
		cfg:      d.Config,
	}
	if r.locker == nil {
		r.locker = NopLocker{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newTxRef == nil {
		r.newTxRef = defaultTxRef
	}
	if r.cfg.Currency == "" {
		r.cfg.Currency = "ETB"
	}
	return r
}

// Reconcile 校验网关结果并在金额一致时把订单置为已支付。
// 只有基础设施故障（存储不可用、持续冲突）才返回 error。
func (r *Reconciler) Reconcile(ctx context.Context, o model.Order, txRef string, source model.PaymentSource) (Result, error) {
	att := &model.PaymentAttempt{TxRef: txRef, OrderID: o.ID, Source: source}
	res, err := r.reconcile(ctx, o, txRef, att)
	if err != nil {
		r.log.Error("reconcile failed",
			zap.String("order_id", o.ID), zap.String("tx_ref", txRef), zap.String("source", string(source)), zap.Error(err))
		return Result{}, err
	}
	att.Outcome = res.Outcome
	r.record(ctx, att)
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, o model.Order, txRef string, att *model.PaymentAttempt) (Result, error) {
	if res, done := short(o); done {
		return res, nil
	}

	unlock, err := r.locker.Lock(ctx, o.ID)
	if err != nil {
		r.log.Warn("order lock unavailable, relying on conditional update",
			zap.String("order_id", o.ID), zap.Error(err))
	} else {
		defer unlock()
	}

	// 等锁期间可能已被另一入口完成
	o, err = r.orders.Reload(ctx, o.ID)
	if err != nil {
		return Result{}, err
	}
	if res, done := short(o); done {
		return res, nil
	}

	v, err := r.gateway.Verify(ctx, txRef)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return Result{
				Outcome: model.AttemptNotSettled,
				Message: "Payment not found at gateway yet",
				Order:   &o,
			}, nil
		}
		att.ErrorMsg = truncate(err.Error(), 255)
		r.log.Warn("gateway verify failed",
			zap.String("order_id", o.ID), zap.String("tx_ref", txRef), zap.Error(err))
		return Result{
			Outcome:   model.AttemptGatewayError,
			Message:   "Payment gateway unavailable, please retry",
			Order:     &o,
			Retryable: !errors.Is(err, gateway.ErrUnauthorized),
		}, nil
	}
	att.GatewayStatus = v.Status
	att.GatewayAmount = decimal.NewNullDecimal(v.Amount)

	if !v.Settled() {
		failed := v.Failed()
		if failed {
			r.orders.PaymentFailed(ctx, o, txRef)
		}
		return Result{
			Outcome:   model.AttemptNotSettled,
			Message:   "Payment not completed",
			Order:     &o,
			Details:   map[string]any{"gatewayStatus": v.Status},
			Retryable: !failed,
		}, nil
	}
	if !v.Amount.Equal(o.Total) {
		return r.mismatch(ctx, o, txRef, v), nil
	}

	paid, applied, err := r.orders.MarkPaid(ctx, o.ID, txRef, v.Amount)
	switch {
	case errors.Is(err, lifecycle.ErrAmountMismatch):
		return r.mismatch(ctx, paid, txRef, v), nil
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return rejected(paid), nil
	case err != nil:
		return Result{}, err
	}
	if !applied {
		return alreadyPaid(paid), nil
	}
	return Result{
		Success: true,
		Outcome: model.AttemptApplied,
		Message: "Payment verified successfully",
		Order:   &paid,
	}, nil
}

// short 已支付直接成功，已取消直接拒绝，都不再调用网关。
func short(o model.Order) (Result, bool) {
	if o.Status.IsSettled() {
		return alreadyPaid(o), true
	}
	if o.Status != model.OrderPending {
		return rejected(o), true
	}
	return Result{}, false
}

func alreadyPaid(o model.Order) Result {
	return Result{
		Success: true,
		Outcome: model.AttemptAlreadyPaid,
		Message: "Payment already verified",
		Order:   &o,
	}
}

func rejected(o model.Order) Result {
	return Result{
		Outcome: model.AttemptRejected,
		Message: "Order is not awaiting payment",
		Order:   &o,
		Details: map[string]any{"status": o.Status},
	}
}

func (r *Reconciler) mismatch(ctx context.Context, o model.Order, txRef string, v gateway.Verification) Result {
	r.log.Warn("payment amount mismatch",
		zap.String("order_id", o.ID), zap.String("tx_ref", txRef),
		zap.String("expected", o.Total.String()), zap.String("received", v.Amount.String()))
	r.orders.PaymentFailed(ctx, o, txRef)
	currency := v.Currency
	if currency == "" {
		currency = r.cfg.Currency
	}
	return Result{
		Outcome: model.AttemptMismatch,
		Message: "Payment amount does not match order total",
		Order:   &o,
		Details: map[string]any{
			"expected": o.Total.StringFixed(2),
			"received": v.Amount.StringFixed(2),
			"currency": currency,
		},
	}
}

// record 写对账流水失败只记日志。
func (r *Reconciler) record(ctx context.Context, att *model.PaymentAttempt) {
	if r.attempts == nil {
		return
	}
	att.ResolvedAt = r.now().UTC()
	if err := r.attempts.Record(ctx, att); err != nil {
		r.log.Warn("payment attempt not recorded",
			zap.String("order_id", att.OrderID), zap.String("tx_ref", att.TxRef), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
