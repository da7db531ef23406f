package model

import (
	"time"

	"gorm.io/datatypes"
)

// NotificationType 通知类型。
type NotificationType string

const (
	NotifyOrderPlaced          NotificationType = "order_placed"
	NotifyOrderPaid            NotificationType = "order_paid"
	NotifyOrderApproved        NotificationType = "order_approved"
	NotifyOrderShipped         NotificationType = "order_shipped"
	NotifyOrderDelivered       NotificationType = "order_delivered"
	NotifyOrderCancelled       NotificationType = "order_cancelled"
	NotifyOrderReturnRequested NotificationType = "order_return_requested"
	NotifyOrderReturnApproved  NotificationType = "order_return_approved"
	NotifyOrderReturnRejected  NotificationType = "order_return_rejected"
	NotifyOrderReturned        NotificationType = "order_returned"
	NotifyOrderRefunded        NotificationType = "order_refunded"
	NotifyPaymentSuccess       NotificationType = "payment_success"
	NotifyPaymentFailed        NotificationType = "payment_failed"
	NotifyAdminAlert           NotificationType = "admin_alert"
)

// Notification 站内通知。OrderID 冗余出 metadata.orderId，用于 (user, type, order) 去重。
type Notification struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID   string            `gorm:"size:36;not null;index:idx_notifications_user_read,priority:1" json:"user_id"`
	Type     NotificationType  `gorm:"size:48;not null" json:"type"`
	Title    string            `gorm:"size:255;not null" json:"title"`
	Message  string            `gorm:"size:1000;not null" json:"message"`
	Link     string            `gorm:"size:255" json:"link,omitempty"`
	OrderID  string            `gorm:"size:36;index" json:"-"`
	Metadata datatypes.JSONMap `json:"metadata"`
	Read     bool              `gorm:"column:is_read;not null;default:false;index:idx_notifications_user_read,priority:2" json:"read"`
}

func (Notification) TableName() string { return "notifications" }
