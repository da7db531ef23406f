package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus 订单主状态。
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"   // 待支付
	OrderPaid      OrderStatus = "paid"      // 已支付
	OrderApproved  OrderStatus = "approved"  // 已审核
	OrderShipped   OrderStatus = "shipped"   // 已发货
	OrderDelivered OrderStatus = "delivered" // 已送达
	OrderCancelled OrderStatus = "cancelled" // 已取消
)

// Valid 判断是否为已知状态。
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPaid, OrderApproved, OrderShipped, OrderDelivered, OrderCancelled:
		return true
	}
	return false
}

// IsSettled 表示订单已经至少支付过一次（且未被取消）。
func (s OrderStatus) IsSettled() bool {
	switch s {
	case OrderPaid, OrderApproved, OrderShipped, OrderDelivered:
		return true
	}
	return false
}

// ReturnStatus 退货/退款子状态机。
type ReturnStatus string

const (
	ReturnNone      ReturnStatus = "none"
	ReturnRequested ReturnStatus = "requested"
	ReturnApproved  ReturnStatus = "approved"
	ReturnRejected  ReturnStatus = "rejected"
	ReturnReturned  ReturnStatus = "returned"
	ReturnRefunded  ReturnStatus = "refunded"
)

// Order 订单聚合根。金额使用 decimal 存成字符串，避免浮点误差。
type Order struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID          string          `gorm:"size:36;not null;index" json:"user_id"`
	Items           []OrderItem     `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items"`
	ShippingAddress ShippingAddress `gorm:"embedded;embeddedPrefix:shipping_" json:"shipping_address"`
	Status          OrderStatus     `gorm:"size:16;not null;index" json:"status"`
	Total           decimal.Decimal `gorm:"type:varchar(32);not null" json:"total"`

	// TrackingNumber 仅在首次支付后存在；唯一约束是部分索引（见 store.Migrate）。
	TrackingNumber   *string `gorm:"size:32" json:"tracking_number,omitempty"`
	PaymentReference *string `gorm:"size:96;index" json:"payment_reference,omitempty"`

	PaidAt      *time.Time `json:"paid_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	ReturnRequest ReturnRequest `gorm:"embedded;embeddedPrefix:return_" json:"return_request"`
}

func (Order) TableName() string { return "orders" }

// OrderItem 下单时的商品快照，价格不再回读商品表。
type OrderItem struct {
	ID        uint            `gorm:"primarykey" json:"-"`
	OrderID   string          `gorm:"size:36;not null;index" json:"-"`
	ProductID uint            `gorm:"not null;index" json:"product_id"`
	Name      string          `gorm:"size:128" json:"name"`
	Quantity  int             `gorm:"not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:varchar(32);not null" json:"unit_price"`
}

func (OrderItem) TableName() string { return "order_items" }

// ShippingAddress 收货地址。
type ShippingAddress struct {
	Address string `gorm:"size:255" json:"address"`
	City    string `gorm:"size:128" json:"city"`
	Phone   string `gorm:"size:32" json:"phone"`
	Notes   string `gorm:"size:500" json:"notes,omitempty"`
}

// ReturnRequest 内嵌在订单里的退货/退款记录，只能单向推进。
type ReturnRequest struct {
	Status          ReturnStatus        `gorm:"size:16;not null;index" json:"status"`
	Reason          string              `gorm:"size:1000" json:"reason,omitempty"`
	RequestedAt     *time.Time          `json:"requested_at,omitempty"`
	ApprovedAt      *time.Time          `json:"approved_at,omitempty"`
	RejectedAt      *time.Time          `json:"rejected_at,omitempty"`
	RejectionReason string              `gorm:"size:1000" json:"rejection_reason,omitempty"`
	ReturnedAt      *time.Time          `json:"returned_at,omitempty"`
	RefundedAt      *time.Time          `json:"refunded_at,omitempty"`
	RefundAmount    decimal.NullDecimal `gorm:"type:varchar(32)" json:"refund_amount"`
	RefundReference string              `gorm:"size:64" json:"refund_reference,omitempty"`
	ProcessedBy     string              `gorm:"size:36" json:"processed_by,omitempty"`
}

// CurrentStatus 把历史数据里的空值视为 none。
func (r ReturnRequest) CurrentStatus() ReturnStatus {
	if r.Status == "" {
		return ReturnNone
	}
	return r.Status
}

// DisplayRef 面向用户展示的订单编号：有追踪号用追踪号，否则用 id。
func (o Order) DisplayRef() string {
	if o.TrackingNumber != nil && *o.TrackingNumber != "" {
		return *o.TrackingNumber
	}
	return o.ID
}

// IsOwnedBy 判断订单归属。
func (o Order) IsOwnedBy(userID string) bool {
	return userID != "" && o.UserID == userID
}
