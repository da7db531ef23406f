package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"tana_market/internal/model"
)

// Expect 条件更新的前置状态（compare-and-swap）。
type Expect struct {
	Status       model.OrderStatus
	ReturnStatus model.ReturnStatus
}

// OrderFilter 员工端订单列表筛选。
type OrderFilter struct {
	Statuses   []model.OrderStatus
	WithReturn bool
	Limit      int
}

// OrderStore 订单仓储。
type OrderStore struct {
	db *gorm.DB
}

func NewOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{db: db}
}

// Create 连同明细一起写入。
func (s *OrderStore) Create(ctx context.Context, o *model.Order) error {
	return s.db.WithContext(ctx).Create(o).Error
}

func (s *OrderStore) FindByID(ctx context.Context, id string) (model.Order, error) {
	return s.findOne(ctx, "id = ?", id)
}

func (s *OrderStore) FindByPaymentReference(ctx context.Context, ref string) (model.Order, error) {
	return s.findOne(ctx, "payment_reference = ?", ref)
}

func (s *OrderStore) FindByTrackingNumber(ctx context.Context, tn string) (model.Order, error) {
	return s.findOne(ctx, "tracking_number = ?", tn)
}

func (s *OrderStore) findOne(ctx context.Context, query string, arg any) (model.Order, error) {
	var o model.Order
	err := s.db.WithContext(ctx).Preload("Items").Where(query, arg).First(&o).Error
	if err != nil {
		return model.Order{}, notFound(err)
	}
	return o, nil
}

// ListByUser 按创建时间倒序。
func (s *OrderStore) ListByUser(ctx context.Context, userID string) ([]model.Order, error) {
	var list []model.Order
	err := s.db.WithContext(ctx).Preload("Items").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&list).Error
	return list, err
}

func (s *OrderStore) List(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	q := s.db.WithContext(ctx).Preload("Items").Order("created_at DESC")
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.WithReturn {
		q = q.Where("return_status <> ? AND return_status <> ''", model.ReturnNone)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var list []model.Order
	return list, q.Find(&list).Error
}

// ListShippedBefore 配送调度用：发货时间早于 cutoff 的已发货订单。
func (s *OrderStore) ListShippedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Order, error) {
	var list []model.Order
	q := s.db.WithContext(ctx).
		Where("status = ? AND shipped_at IS NOT NULL AND shipped_at <= ?", model.OrderShipped, cutoff).
		Order("shipped_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return list, q.Find(&list).Error
}

// Save 只有库里的状态仍等于 expect 时才写入，返回是否命中。
// 追踪号冲突返回 ErrDuplicateTrackingNumber。
func (s *OrderStore) Save(ctx context.Context, o *model.Order, expect Expect) (bool, error) {
	q := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", o.ID, expect.Status)
	if expect.ReturnStatus != "" {
		if expect.ReturnStatus == model.ReturnNone {
			q = q.Where("(return_status = ? OR return_status = '')", model.ReturnNone)
		} else {
			q = q.Where("return_status = ?", expect.ReturnStatus)
		}
	}
	res := q.Updates(mutableColumns(o))
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, ErrDuplicateTrackingNumber
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DeletePending 仅删除仍处于 pending 的订单（含明细）。
func (s *OrderStore) DeletePending(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND status = ?", id, model.OrderPending).Delete(&model.Order{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		deleted = true
		return tx.Where("order_id = ?", id).Delete(&model.OrderItem{}).Error
	})
	return deleted, err
}

// AttachPaymentReference 为待支付订单绑定网关交易号。
func (s *OrderStore) AttachPaymentReference(ctx context.Context, id, ref string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", id, model.OrderPending).
		Updates(map[string]any{"payment_reference": ref, "updated_at": now})
	return res.RowsAffected == 1, res.Error
}

// CountPaidTrackedBetween 统计当天已支付且有追踪号的订单数（排除自身）。
func (s *OrderStore) CountPaidTrackedBetween(ctx context.Context, start, end time.Time, excludeID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("status = ? AND tracking_number IS NOT NULL AND created_at >= ? AND created_at < ? AND id <> ?",
			model.OrderPaid, start, end, excludeID).
		Count(&n).Error
	return n, err
}

// TrackingNumberTaken 候选追踪号是否已被其他订单占用。
func (s *OrderStore) TrackingNumberTaken(ctx context.Context, candidate, excludeID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("tracking_number = ? AND id <> ?", candidate, excludeID).
		Count(&n).Error
	return n > 0, err
}

func mutableColumns(o *model.Order) map[string]any {
	rr := o.ReturnRequest
	return map[string]any{
		"status":            o.Status,
		"tracking_number":   o.TrackingNumber,
		"payment_reference": o.PaymentReference,
		"paid_at":           o.PaidAt,
		"approved_at":       o.ApprovedAt,
		"shipped_at":        o.ShippedAt,
		"delivered_at":      o.DeliveredAt,
		"cancelled_at":      o.CancelledAt,
		"updated_at":        o.UpdatedAt,

		"return_status":           rr.CurrentStatus(),
		"return_reason":           rr.Reason,
		"return_requested_at":     rr.RequestedAt,
		"return_approved_at":      rr.ApprovedAt,
		"return_rejected_at":      rr.RejectedAt,
		"return_rejection_reason": rr.RejectionReason,
		"return_returned_at":      rr.ReturnedAt,
		"return_refunded_at":      rr.RefundedAt,
		"return_refund_amount":    rr.RefundAmount,
		"return_refund_reference": rr.RefundReference,
		"return_processed_by":     rr.ProcessedBy,
	}
}
