package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tana_market/internal/gateway"
	"tana_market/internal/model"
	"tana_market/internal/orders"
)

// 回跳前端时带上的 payment 参数。
const (
	flagSuccess = "success"
	flagFailed  = "failed"
	flagError   = "error"
)

func defaultTxRef() string { return "TANA-TX-" + uuid.NewString() }

// Webhook 网关回调。调用方是浏览器跳转，无论结果如何都返回重定向地址。
// status 来自不可信的请求体，只记日志，以网关 Verify 为准。
func (r *Reconciler) Webhook(ctx context.Context, txRef, status string) string {
	txRef = strings.TrimSpace(txRef)
	log := r.log.With(zap.String("tx_ref", txRef), zap.String("source", string(model.SourceWebhook)))

	o, err := r.orders.FindByReference(ctx, txRef)
	if err != nil {
		log.Warn("webhook for unknown transaction", zap.String("claimed_status", status), zap.Error(err))
		return r.redirect("", flagError)
	}
	res, err := r.Reconcile(ctx, o, txRef, model.SourceWebhook)
	if err != nil {
		return r.redirect(o.DisplayRef(), flagError)
	}
	ref := o.DisplayRef()
	if res.Order != nil {
		ref = res.Order.DisplayRef()
	}
	switch {
	case res.Success:
		return r.redirect(ref, flagSuccess)
	case res.Outcome == model.AttemptGatewayError:
		log.Warn("webhook degraded", zap.String("order_id", o.ID), zap.String("outcome", res.Outcome.String()))
		return r.redirect(ref, flagError)
	default:
		log.Warn("webhook degraded", zap.String("order_id", o.ID), zap.String("outcome", res.Outcome.String()))
		return r.redirect(ref, flagFailed)
	}
}

func (r *Reconciler) redirect(ref, flag string) string {
	base := strings.TrimRight(r.cfg.FrontendURL, "/")
	q := url.Values{"payment": {flag}}.Encode()
	if ref == "" {
		return base + "/orders?" + q
	}
	return base + "/orders/" + url.PathEscape(ref) + "?" + q
}

// AutoVerify 前端跳回后立即调用。优先用 tx_ref，没有则按订单 id 取其 paymentReference。
func (r *Reconciler) AutoVerify(ctx context.Context, txRef, orderID string) (Result, error) {
	txRef, orderID = strings.TrimSpace(txRef), strings.TrimSpace(orderID)
	var (
		o   model.Order
		err error
	)
	switch {
	case txRef != "":
		o, err = r.orders.FindByReference(ctx, txRef)
	case orderID != "":
		o, err = r.orders.Reload(ctx, orderID)
		if err == nil && o.PaymentReference != nil {
			txRef = *o.PaymentReference
		}
	default:
		return Result{}, ErrInvalidInput
	}
	if err != nil {
		return Result{}, err
	}
	if txRef == "" {
		if res, done := short(o); done {
			return res, nil
		}
		return Result{
			Outcome: model.AttemptNotSettled,
			Message: "Payment has not been initialized for this order",
			Order:   &o,
		}, nil
	}
	return r.Reconcile(ctx, o, txRef, model.SourceAuto)
}

// ManualVerify 用户或员工手动点击验证，需要订单本人或员工身份。
func (r *Reconciler) ManualVerify(ctx context.Context, actor model.Actor, txRef string) (Result, error) {
	o, err := r.orders.FindByReference(ctx, txRef)
	if err != nil {
		return Result{}, err
	}
	if !actor.CanAccess(o) {
		return Result{}, ErrForbidden
	}
	return r.Reconcile(ctx, o, strings.TrimSpace(txRef), model.SourceManual)
}

// Checkout 发起支付的返回。
type Checkout struct {
	CheckoutURL string `json:"checkout_url"`
	TxRef       string `json:"tx_ref"`
}

// Initialize 为待支付订单生成（或复用）交易号并向网关申请收银台地址。
func (r *Reconciler) Initialize(ctx context.Context, actor model.Actor, orderID string) (Checkout, error) {
	o, err := r.orders.Reload(ctx, orderID)
	if err != nil {
		return Checkout{}, err
	}
	if !o.IsOwnedBy(actor.UserID) {
		return Checkout{}, ErrForbidden
	}
	if o.Status != model.OrderPending {
		return Checkout{}, ErrNotPayable
	}

	var txRef string
	if o.PaymentReference != nil && *o.PaymentReference != "" {
		txRef = *o.PaymentReference
	} else {
		txRef = r.newTxRef()
		if err := r.orders.AttachPaymentReference(ctx, o.ID, txRef); err != nil {
			if errors.Is(err, orders.ErrConflict) {
				return Checkout{}, ErrNotPayable
			}
			return Checkout{}, err
		}
	}

	var customer gateway.Customer
	if r.users != nil {
		u, err := r.users.FindByID(ctx, actor.UserID)
		if err != nil {
			return Checkout{}, err
		}
		customer = customerOf(u)
	}

	back := strings.TrimRight(r.cfg.FrontendURL, "/") + "/orders/" + url.PathEscape(o.ID)
	resp, err := r.gateway.Initialize(ctx, gateway.InitializeRequest{
		TxRef:       txRef,
		Amount:      o.Total,
		Currency:    r.cfg.Currency,
		Customer:    customer,
		CallbackURL: back,
		ReturnURL:   back,
	})
	if err != nil {
		r.log.Warn("payment initialize failed",
			zap.String("order_id", o.ID), zap.String("tx_ref", txRef), zap.Error(err))
		return Checkout{}, fmt.Errorf("initialize %s: %w", txRef, err)
	}
	r.log.Info("payment initialized", zap.String("order_id", o.ID), zap.String("tx_ref", txRef))
	return Checkout{CheckoutURL: resp.CheckoutURL, TxRef: txRef}, nil
}

func customerOf(u model.User) gateway.Customer {
	first, last, _ := strings.Cut(strings.TrimSpace(u.Name), " ")
	return gateway.Customer{
		Email:     u.Email,
		FirstName: first,
		LastName:  strings.TrimSpace(last),
		Phone:     u.Phone,
	}
}
