// Package notify turns order events into in-app notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"tana_market/internal/model"
)

const broadcastConcurrency = 8

// Repo 通知持久化。
type Repo interface {
	Upsert(ctx context.Context, n *model.Notification) (bool, error)
}

// Directory 员工名单与用户展示名。
type Directory interface {
	ActiveStaffIDs(ctx context.Context) ([]string, error)
	FindByID(ctx context.Context, id string) (model.User, error)
}

type Deps struct {
	Repo      Repo
	Directory Directory
	Logger    *zap.Logger
	Clock     func() time.Time
	NewID     func() string
}

// Dispatcher 尽力而为：失败只记日志，从不影响订单状态。
type Dispatcher struct {
	repo  Repo
	dir   Directory
	log   *zap.Logger
	now   func() time.Time
	newID func() string
}

func NewDispatcher(d Deps) *Dispatcher {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return &Dispatcher{repo: d.Repo, dir: d.Directory, log: d.Logger, now: d.Clock, newID: d.NewID}
}

// Message 一条待投递的通知内容。
type Message struct {
	Type     model.NotificationType
	Title    string
	Message  string
	Link     string
	Metadata map[string]any
}

// Notify 写一条通知；metadata.orderId 存在时按 (user, type, order) 去重。
func (d *Dispatcher) Notify(ctx context.Context, userID string, m Message) error {
	if userID == "" {
		d.log.Warn("notification skipped: no recipient", zap.String("type", string(m.Type)))
		return nil
	}
	now := d.now().UTC()
	n := &model.Notification{
		ID:        d.newID(),
		CreatedAt: now,
		UpdatedAt: now,
		UserID:    userID,
		Type:      m.Type,
		Title:     m.Title,
		Message:   m.Message,
		Link:      m.Link,
		Metadata:  datatypes.JSONMap(m.Metadata),
	}
	if orderID, ok := m.Metadata["orderId"].(string); ok {
		n.OrderID = orderID
	}
	if _, err := d.repo.Upsert(ctx, n); err != nil {
		d.log.Warn("notification write failed",
			zap.String("user_id", userID), zap.String("type", string(m.Type)), zap.String("order_id", n.OrderID), zap.Error(err))
		return fmt.Errorf("notify %s: %w", userID, err)
	}
	return nil
}

// NotifyStaff 广播给所有在职员工，单个失败不影响其他人。
func (d *Dispatcher) NotifyStaff(ctx context.Context, m Message) error {
	ids, err := d.dir.ActiveStaffIDs(ctx)
	if err != nil {
		d.log.Warn("staff roster lookup failed", zap.String("type", string(m.Type)), zap.Error(err))
		return err
	}

	errs := make([]error, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			errs[i] = d.Notify(gctx, id, m)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// HandleOrderEvent 事件到通知的映射，直连模式和 Kafka 消费者共用。
func (d *Dispatcher) HandleOrderEvent(ctx context.Context, ev model.OrderEvent) error {
	switch ev.Audience {
	case model.AudienceStaff:
		m, ok := d.staffMessage(ctx, ev)
		if !ok {
			return nil
		}
		return d.NotifyStaff(ctx, m)
	default:
		m, ok := customerMessage(ev)
		if !ok {
			d.log.Debug("no customer template for event", zap.String("type", string(ev.Type)))
			return nil
		}
		return d.Notify(ctx, ev.UserID, m)
	}
}

func (d *Dispatcher) staffMessage(ctx context.Context, ev model.OrderEvent) (Message, bool) {
	ref := ev.DisplayRef()
	meta := metadata(ev)
	switch ev.Type {
	case model.NotifyOrderPaid:
		name := "Customer"
		if u, err := d.dir.FindByID(ctx, ev.UserID); err == nil && u.Name != "" {
			name = u.Name
		}
		return Message{
			Type:     model.NotifyOrderPaid,
			Title:    "New Paid Order",
			Message:  fmt.Sprintf("New paid order %s from %s", ref, name),
			Link:     "/manager/orders",
			Metadata: meta,
		}, true
	case model.NotifyOrderReturnRequested:
		return Message{
			Type:     model.NotifyOrderReturnRequested,
			Title:    "New Return Request",
			Message:  fmt.Sprintf("A return was requested for order %s", ref),
			Link:     "/admin/returns",
			Metadata: meta,
		}, true
	}
	return Message{}, false
}

type template struct {
	title  string
	format string
}

var customerTemplates = map[model.NotificationType]template{
	model.NotifyPaymentSuccess:      {"Payment Successful", "Your payment for order %s was successful."},
	model.NotifyPaymentFailed:       {"Payment Failed", "Your payment for order %s failed. Please try again."},
	model.NotifyOrderPaid:           {"Payment Successful", "Your order %s has been paid successfully."},
	model.NotifyOrderApproved:       {"Order Approved", "Your order %s has been approved and is being prepared."},
	model.NotifyOrderShipped:        {"Order Shipped", "Your order %s has been shipped and is on its way."},
	model.NotifyOrderDelivered:      {"Order Delivered", "Your order %s has been delivered successfully."},
	model.NotifyOrderCancelled:      {"Order Cancelled", "Your order %s has been cancelled."},
	model.NotifyOrderReturnApproved: {"Return Request Approved", "Your return request for order %s has been approved. Please ship the item back."},
	model.NotifyOrderReturnRejected: {"Return Request Rejected", "Your return request for order %s has been rejected."},
	model.NotifyOrderReturned:       {"Return Received", "Your returned item for order %s has been received."},
	model.NotifyOrderRefunded:       {"Refund Processed", "Refund for your order %s has been processed."},
}

func customerMessage(ev model.OrderEvent) (Message, bool) {
	tpl, ok := customerTemplates[ev.Type]
	if !ok {
		return Message{}, false
	}
	ref := ev.DisplayRef()
	return Message{
		Type:     ev.Type,
		Title:    tpl.title,
		Message:  fmt.Sprintf(tpl.format, ref),
		Link:     "/orders/" + ref,
		Metadata: metadata(ev),
	}, true
}

func metadata(ev model.OrderEvent) map[string]any {
	m := map[string]any{
		"orderId": ev.OrderID,
		"status":  string(ev.Status),
	}
	if ev.TrackingNumber != "" {
		m["trackingNumber"] = ev.TrackingNumber
	}
	if ev.ReturnStatus != "" && ev.ReturnStatus != model.ReturnNone {
		m["returnStatus"] = string(ev.ReturnStatus)
	}
	return m
}
