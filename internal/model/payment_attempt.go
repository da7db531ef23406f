package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentSource 对账请求的入口。
type PaymentSource string

const (
	SourceWebhook PaymentSource = "webhook"
	SourceAuto    PaymentSource = "auto_verify"
	SourceManual  PaymentSource = "manual_verify"
)

// PaymentOutcome 描述一次对账的结论。
type PaymentOutcome int

const (
	AttemptApplied      PaymentOutcome = iota // 本次调用完成了 pending→paid
	AttemptAlreadyPaid                        // 已支付，幂等短路或并发落败
	AttemptNotSettled                         // 网关尚未确认成功
	AttemptMismatch                           // 金额不一致，需要人工介入
	AttemptGatewayError                       // 网关不可用或响应异常
	AttemptRejected                           // 订单状态不允许支付（如已取消）
)

func (o PaymentOutcome) String() string {
	switch o {
	case AttemptApplied:
		return "applied"
	case AttemptAlreadyPaid:
		return "already_paid"
	case AttemptNotSettled:
		return "not_settled"
	case AttemptMismatch:
		return "amount_mismatch"
	case AttemptGatewayError:
		return "gateway_error"
	case AttemptRejected:
		return "rejected"
	}
	return "unknown"
}

// PaymentAttempt 记录每一次对账调用，便于排查与人工核对。
type PaymentAttempt struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	TxRef   string        `gorm:"size:96;not null;index" json:"tx_ref"`
	OrderID string        `gorm:"size:36;not null;index" json:"order_id"`
	Source  PaymentSource `gorm:"size:16;not null" json:"source"`
	// Gateway* 为网关原始返回，失败时可能为空。
	GatewayStatus string              `gorm:"size:32" json:"gateway_status"`
	GatewayAmount decimal.NullDecimal `gorm:"type:varchar(32)" json:"gateway_amount"`
	Outcome       PaymentOutcome      `gorm:"not null;index" json:"outcome"`
	ErrorMsg      string              `gorm:"size:255" json:"error_msg"`
	ResolvedAt    time.Time           `json:"resolved_at"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }
