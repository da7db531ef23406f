package model

import "time"

// Audience 事件面向的通知对象。
type Audience string

const (
	AudienceCustomer Audience = "customer"
	AudienceStaff    Audience = "staff"
)

// OrderEvent 状态机生效后发出的领域事件，下游据此生成通知。
type OrderEvent struct {
	EventID        string           `json:"event_id"`
	Type           NotificationType `json:"type"`
	Audience       Audience         `json:"audience"`
	OrderID        string           `json:"order_id"`
	UserID         string           `json:"user_id"`
	TrackingNumber string           `json:"tracking_number,omitempty"`
	From           OrderStatus      `json:"from,omitempty"`
	Status         OrderStatus      `json:"status"`
	ReturnStatus   ReturnStatus     `json:"return_status"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// DisplayRef 同 Order.DisplayRef。
func (e OrderEvent) DisplayRef() string {
	if e.TrackingNumber != "" {
		return e.TrackingNumber
	}
	return e.OrderID
}
