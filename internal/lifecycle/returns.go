package lifecycle

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tana_market/internal/model"
)

// returnableStatuses 可以发起退货/退款的订单主状态。
var returnableStatuses = []model.OrderStatus{
	model.OrderPaid,
	model.OrderApproved,
	model.OrderShipped,
	model.OrderDelivered,
}

// cancelOnRefund 发货前退款会连带取消订单。
var cancelOnRefund = []model.OrderStatus{model.OrderPaid, model.OrderApproved}

func checkReturn(op Op, o *model.Order, to model.ReturnStatus, from ...model.ReturnStatus) error {
	current := o.ReturnRequest.CurrentStatus()
	if !slices.Contains(from, current) {
		return invalid(op, string(current), string(to))
	}
	return nil
}

// RequestReturn 客户发起退货；会广播给全部员工。
func RequestReturn(o *model.Order, reason string, now time.Time) (Transition, error) {
	if !slices.Contains(returnableStatuses, o.Status) {
		return Transition{}, invalid(OpRequestReturn, string(o.Status), string(model.ReturnRequested))
	}
	if err := checkReturn(OpRequestReturn, o, model.ReturnRequested, model.ReturnNone); err != nil {
		return Transition{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Transition{}, ErrReasonRequired
	}

	tr := begin(OpRequestReturn, o)
	o.ReturnRequest = model.ReturnRequest{
		Status:      model.ReturnRequested,
		Reason:      reason,
		RequestedAt: stamp(now),
	}
	o.UpdatedAt = now
	tr.ReturnTo = model.ReturnRequested
	tr.Effects = []Effect{notifyStaff(model.NotifyOrderReturnRequested)}
	return tr, nil
}

// ApproveReturn requested → approved.
func ApproveReturn(o *model.Order, staffID string, now time.Time) (Transition, error) {
	if err := checkReturn(OpApproveReturn, o, model.ReturnApproved, model.ReturnRequested); err != nil {
		return Transition{}, err
	}
	tr := begin(OpApproveReturn, o)
	o.ReturnRequest.Status = model.ReturnApproved
	o.ReturnRequest.ApprovedAt = stamp(now)
	o.ReturnRequest.ProcessedBy = staffID
	o.UpdatedAt = now
	tr.ReturnTo = model.ReturnApproved
	tr.Effects = []Effect{notifyCustomer(model.NotifyOrderReturnApproved)}
	return tr, nil
}

// RejectReturn requested → rejected，必须给出理由。
func RejectReturn(o *model.Order, staffID, reason string, now time.Time) (Transition, error) {
	if err := checkReturn(OpRejectReturn, o, model.ReturnRejected, model.ReturnRequested); err != nil {
		return Transition{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Transition{}, ErrReasonRequired
	}
	tr := begin(OpRejectReturn, o)
	o.ReturnRequest.Status = model.ReturnRejected
	o.ReturnRequest.RejectedAt = stamp(now)
	o.ReturnRequest.RejectionReason = reason
	o.ReturnRequest.ProcessedBy = staffID
	o.UpdatedAt = now
	tr.ReturnTo = model.ReturnRejected
	tr.Effects = []Effect{notifyCustomer(model.NotifyOrderReturnRejected)}
	return tr, nil
}

// MarkReturned 可选的中间态：仓库已收到退回的商品。
func MarkReturned(o *model.Order, staffID string, now time.Time) (Transition, error) {
	if err := checkReturn(OpMarkReturned, o, model.ReturnReturned, model.ReturnApproved); err != nil {
		return Transition{}, err
	}
	tr := begin(OpMarkReturned, o)
	o.ReturnRequest.Status = model.ReturnReturned
	o.ReturnRequest.ReturnedAt = stamp(now)
	o.ReturnRequest.ProcessedBy = staffID
	o.UpdatedAt = now
	tr.ReturnTo = model.ReturnReturned
	tr.Effects = []Effect{notifyCustomer(model.NotifyOrderReturned)}
	return tr, nil
}

// RefundInput 退款参数；Amount 为空时退全款。
type RefundInput struct {
	StaffID   string
	Amount    *decimal.Decimal
	Reference string
}

// Refund approved|returned → refunded。发货前退款同时把订单置为 cancelled。
// Reference 为空时由调用方预先生成，这里只负责落字段。
func Refund(o *model.Order, in RefundInput, now time.Time) (Transition, error) {
	if err := checkReturn(OpRefund, o, model.ReturnRefunded, model.ReturnApproved, model.ReturnReturned); err != nil {
		return Transition{}, err
	}
	amount := o.Total
	if in.Amount != nil {
		if in.Amount.IsNegative() {
			return Transition{}, invalid(OpRefund, string(o.ReturnRequest.CurrentStatus()), string(model.ReturnRefunded))
		}
		amount = *in.Amount
	}

	tr := begin(OpRefund, o)
	rr := &o.ReturnRequest
	rr.Status = model.ReturnRefunded
	if rr.ReturnedAt == nil {
		rr.ReturnedAt = stamp(now)
	}
	rr.RefundedAt = stamp(now)
	rr.RefundAmount = decimal.NewNullDecimal(amount)
	rr.RefundReference = in.Reference
	rr.ProcessedBy = in.StaffID
	o.UpdatedAt = now
	tr.ReturnTo = model.ReturnRefunded
	tr.Effects = []Effect{notifyCustomer(model.NotifyOrderRefunded)}

	if slices.Contains(cancelOnRefund, o.Status) {
		o.Status = model.OrderCancelled
		o.CancelledAt = stamp(now)
		tr.To = o.Status
		tr.Effects = append(tr.Effects, notifyCustomer(model.NotifyOrderCancelled))
	}
	return tr, nil
}
