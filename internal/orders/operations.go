package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tana_market/internal/lifecycle"
	"tana_market/internal/model"
	"tana_market/internal/store"
)

// ItemInput 下单明细，价格以商品表当前价为准。
type ItemInput struct {
	ProductID uint `json:"productId" binding:"required"`
	Quantity  int  `json:"quantity" binding:"required,min=1"`
}

type CreateInput struct {
	Items           []ItemInput           `json:"items" binding:"required,min=1,dive"`
	ShippingAddress model.ShippingAddress `json:"shippingAddress"`
}

// Create 快照商品价格，生成 pending 订单。
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (model.Order, error) {
	if userID == "" {
		return model.Order{}, fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if len(in.Items) == 0 {
		return model.Order{}, fmt.Errorf("%w: order has no items", ErrInvalidInput)
	}
	addr := model.ShippingAddress{
		Address: s.clean(in.ShippingAddress.Address),
		City:    s.clean(in.ShippingAddress.City),
		Phone:   s.clean(in.ShippingAddress.Phone),
		Notes:   s.clean(in.ShippingAddress.Notes),
	}
	if addr.Address == "" || addr.City == "" || addr.Phone == "" {
		return model.Order{}, fmt.Errorf("%w: address, city and phone are required", ErrInvalidInput)
	}

	ids := make([]uint, 0, len(in.Items))
	for _, it := range in.Items {
		if it.Quantity < 1 {
			return model.Order{}, fmt.Errorf("%w: quantity must be >= 1", ErrInvalidInput)
		}
		ids = append(ids, it.ProductID)
	}
	products, err := s.catalog.FindActive(ctx, ids)
	if err != nil {
		return model.Order{}, err
	}

	now := s.clock()
	o := model.Order{
		ID:              s.newID(),
		CreatedAt:       now,
		UpdatedAt:       now,
		UserID:          userID,
		ShippingAddress: addr,
		Status:          model.OrderPending,
		Total:           decimal.Zero,
		ReturnRequest:   model.ReturnRequest{Status: model.ReturnNone},
	}
	for _, it := range in.Items {
		p, ok := products[it.ProductID]
		if !ok {
			return model.Order{}, fmt.Errorf("%w: product %d is not available", ErrInvalidInput, it.ProductID)
		}
		o.Items = append(o.Items, model.OrderItem{
			OrderID:   o.ID,
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  it.Quantity,
			UnitPrice: p.Price,
		})
		o.Total = o.Total.Add(p.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	if err := s.store.Create(ctx, &o); err != nil {
		return model.Order{}, err
	}
	s.log.Info("order created", zap.String("order_id", o.ID), zap.String("user_id", userID), zap.String("total", o.Total.String()))
	return o, nil
}

func (s *Service) clean(v string) string {
	return strings.TrimSpace(s.sanitize.Sanitize(v))
}

// Get 本人或员工可见；读取时顺带处理到期的送达。
func (s *Service) Get(ctx context.Context, actor model.Actor, id string) (model.Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	if !actor.CanAccess(o) {
		return model.Order{}, ErrForbidden
	}
	return s.deliverIfDue(ctx, o), nil
}

// Lookup 先按追踪号查，再按 id 查。
func (s *Service) Lookup(ctx context.Context, actor model.Actor, ref string) (model.Order, error) {
	ref = strings.TrimSpace(ref)
	o, err := s.store.FindByTrackingNumber(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return s.Get(ctx, actor, ref)
	}
	if err != nil {
		return model.Order{}, err
	}
	if !actor.CanAccess(o) {
		return model.Order{}, ErrForbidden
	}
	return s.deliverIfDue(ctx, o), nil
}

// FindByReference 对账用：paymentReference → id → trackingNumber。
func (s *Service) FindByReference(ctx context.Context, ref string) (model.Order, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.Order{}, fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	lookups := []func(context.Context, string) (model.Order, error){
		s.store.FindByPaymentReference,
		s.store.FindByID,
		s.store.FindByTrackingNumber,
	}
	for _, find := range lookups {
		o, err := find(ctx, ref)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return model.Order{}, err
		}
	}
	return model.Order{}, fmt.Errorf("%w: reference %s", ErrNotFound, ref)
}

// Reload 按 id 读取，不做权限检查。
func (s *Service) Reload(ctx context.Context, id string) (model.Order, error) {
	return s.load(ctx, id)
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]model.Order, error) {
	list, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = s.deliverIfDue(ctx, list[i])
	}
	return list, nil
}

func (s *Service) ListAll(ctx context.Context, f store.OrderFilter) ([]model.Order, error) {
	list, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = s.deliverIfDue(ctx, list[i])
	}
	return list, nil
}

// ListReturns 有退货记录的订单。
func (s *Service) ListReturns(ctx context.Context) ([]model.Order, error) {
	return s.store.List(ctx, store.OrderFilter{WithReturn: true})
}

func (s *Service) deliverIfDue(ctx context.Context, o model.Order) model.Order {
	if !lifecycle.DeliveryDue(o, s.clock(), s.window) {
		return o
	}
	delivered, err := s.MarkDelivered(ctx, o.ID)
	if err != nil {
		s.log.Warn("lazy delivery failed", zap.String("order_id", o.ID), zap.Error(err))
		return o
	}
	return delivered
}

func ownerOnly(userID string, op mutation) mutation {
	return func(o *model.Order, now time.Time) (lifecycle.Transition, error) {
		if !o.IsOwnedBy(userID) {
			return lifecycle.Transition{}, ErrForbidden
		}
		return op(o, now)
	}
}

// Cancel 客户取消未支付订单，订单直接删除。
func (s *Service) Cancel(ctx context.Context, userID, id string) error {
	_, _, err := s.apply(ctx, id, ownerOnly(userID, func(o *model.Order, now time.Time) (lifecycle.Transition, error) {
		return lifecycle.Cancel(o, now)
	}))
	if err == nil {
		s.log.Info("unpaid order cancelled and removed", zap.String("order_id", id), zap.String("user_id", userID))
	}
	return err
}

func (s *Service) Approve(ctx context.Context, id string) (model.Order, error) {
	o, _, err := s.apply(ctx, id, func(o *model.Order, now time.Time) (lifecycle.Transition, error) {
		return lifecycle.Approve(o, now)
	})
	return o, err
}

func (s *Service) Ship(ctx context.Context, id string) (model.Order, error) {
	o, _, err := s.apply(ctx, id, func(o *model.Order, now time.Time) (lifecycle.Transition, error) {
		return lifecycle.Ship(o, now)
	})
	return o, err
}

func (s *Service) MarkDelivered(ctx context.Context, id string) (model.Order, error) {
	o, _, err := s.apply(ctx, id, func(o *model.Order, now time.Time) (lifecycle.Transition, error) {
		return lifecycle.MarkDelivered(o, now, s.window)
	})
	return o, err
}

// RevertToPending 管理员把订单撤回待支付。
func (s *Service) RevertToPending(ctx context.Context, staffID, id string) (model.Order, error) {
	o, tr, err := s.apply(ctx, id, func(o *model.Order, now time.Time) (lifecycle.Transition, error) {
		return lifecycle.RevertToPending(o, now)
	})
	if err == nil {
		s.log.Warn("order reverted to pending",
			zap.String("order_id", id), zap.String("user_id", staffID),
			zap.String("from", string(tr.From)), zap.String("to", string(tr.To)),
			zap.Bool("tracking_cleared", tr.Has(lifecycle.EffectClearTracking)))
	}
	return o, err
}

// RequestReturn 只有下单人可以发起退货。
func (s *Service) RequestReturn(ctx context.Context, userID, id, reason string) (model.Order, error) {
	reason = s.clean(reason)
	o, _, err := s.apply(ctx, id, ownerOnly(userID, func(o *model.Order, now time.Time) (lifecycle.Transition, error) {
		return lifecycle.RequestReturn(o, reason, now)
	}))
	return o, err
}

// GetReturn 本人或员工查看退货进度。
func (s *Service) GetReturn(ctx context.Context, actor model.Actor, id string) (model.ReturnRequest, error) {
	o, err := s.Get(ctx, actor, id)
	if err != nil {
		return model.ReturnRequest{}, err
	}
	rr := o.ReturnRequest
	rr.Status = rr.CurrentStatus()
	return rr, nil
}

func (s *Service) ApproveReturn(ctx context.Context, staffID, id string) (model.Order, error) {
	o, _, err := s.apply(ctx, id, func(o *model.Order, now time.Time) (lifecycle.Transition, error) {
		return lifecycle.ApproveReturn(o, staffID, now)
	})
	return o, err
}

func (s *Service) RejectReturn(ctx context.Context, staffID, id, reason string) (model.Order, error) {
	reason = s.clean(reason)
	o, _, err := s.apply(ctx, id, func(o *model.Order, now time.Time) (lifecycle.Transition, error) {
		return lifecycle.RejectReturn(o, staffID, reason, now)
	})
	return o, err
}

func (s *Service) MarkReturned(ctx context.Context, staffID, id string) (model.Order, error) {
	o, _, err := s.apply(ctx, id, func(o *model.Order, now time.Time) (lifecycle.Transition, error) {
		return lifecycle.MarkReturned(o, staffID, now)
	})
	return o, err
}

// RefundInput 金额为空退全款，流水号为空自动生成。
type RefundInput struct {
	Amount    *decimal.Decimal
	Reference string
}

func (s *Service) Refund(ctx context.Context, staffID, id string, in RefundInput) (model.Order, error) {
	ref := s.clean(in.Reference)
	if ref == "" {
		ref = s.refundRef()
	}
	o, tr, err := s.apply(ctx, id, func(o *model.Order, now time.Time) (lifecycle.Transition, error) {
		return lifecycle.Refund(o, lifecycle.RefundInput{StaffID: staffID, Amount: in.Amount, Reference: ref}, now)
	})
	if err == nil {
		s.log.Info("refund recorded",
			zap.String("order_id", id), zap.String("user_id", staffID),
			zap.String("refund_reference", ref), zap.Bool("order_cancelled", tr.To == model.OrderCancelled))
	}
	return o, err
}

// DeliverDue 把超过配送时长的已发货订单置为 delivered，返回处理数量。
func (s *Service) DeliverDue(ctx context.Context, limit int) (int, error) {
	cutoff := s.clock().Add(-s.window)
	list, err := s.store.ListShippedBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range list {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := s.MarkDelivered(ctx, o.ID); err != nil {
			if !errors.Is(err, lifecycle.ErrInvalidTransition) && !errors.Is(err, lifecycle.ErrNotDue) {
				s.log.Warn("delivery sweep failed", zap.String("order_id", o.ID), zap.Error(err))
			}
			continue
		}
		n++
	}
	return n, nil
}
