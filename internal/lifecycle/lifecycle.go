// Package lifecycle implements the order status state machine and the embedded
// return/refund sub-machine. Functions here only mutate the in-memory order and
// describe the side effects the caller has to carry out; they never do I/O.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"tana_market/internal/model"
)

var (
	// ErrInvalidTransition is matched by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	// ErrAmountMismatch signals the confirmed amount differs from the order total.
	ErrAmountMismatch = errors.New("lifecycle: amount mismatch")
	// ErrReasonRequired signals an empty return or rejection reason.
	ErrReasonRequired = errors.New("lifecycle: reason is required")
	// ErrNotDue signals the delivery window has not elapsed yet.
	ErrNotDue = errors.New("lifecycle: delivery window not elapsed")
)

// Op names a state machine operation.
type Op string

const (
	OpCancel        Op = "cancel"
	OpMarkPaid      Op = "mark_paid"
	OpApprove       Op = "approve"
	OpShip          Op = "ship"
	OpMarkDelivered Op = "mark_delivered"
	OpRevertPending Op = "revert_pending"

	OpRequestReturn Op = "request_return"
	OpApproveReturn Op = "approve_return"
	OpRejectReturn  Op = "reject_return"
	OpMarkReturned  Op = "mark_returned"
	OpRefund        Op = "refund"
)

// InvalidTransitionError reports an operation attempted from a state that does not permit it.
type InvalidTransitionError struct {
	Op   Op
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("lifecycle: %s not allowed from %q to %q", e.Op, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func invalid(op Op, from, to string) error {
	return &InvalidTransitionError{Op: op, From: from, To: to}
}

// EffectKind enumerates side effects requested by a transition.
type EffectKind int

const (
	// EffectDelete purges the order from the store (unpaid cancel).
	EffectDelete EffectKind = iota
	// EffectAllocateTracking asks for a tracking number within the same write.
	EffectAllocateTracking
	// EffectClearTracking drops the tracking number (admin revert to pending).
	EffectClearTracking
	// EffectNotify emits a notification intent.
	EffectNotify
)

// Effect is one side-effect intent.
type Effect struct {
	Kind         EffectKind
	Notification model.NotificationType
	Audience     model.Audience
}

func notifyCustomer(t model.NotificationType) Effect {
	return Effect{Kind: EffectNotify, Notification: t, Audience: model.AudienceCustomer}
}

func notifyStaff(t model.NotificationType) Effect {
	return Effect{Kind: EffectNotify, Notification: t, Audience: model.AudienceStaff}
}

// Transition describes an applied (or idempotently skipped) operation.
type Transition struct {
	Op         Op
	From       model.OrderStatus
	To         model.OrderStatus
	ReturnFrom model.ReturnStatus
	ReturnTo   model.ReturnStatus
	Effects    []Effect
	// Noop marks an idempotent replay; nothing must be written or emitted.
	Noop bool
}

// Has reports whether the transition requests an effect of the given kind.
func (t Transition) Has(kind EffectKind) bool {
	for _, e := range t.Effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Notifications returns only the notification effects.
func (t Transition) Notifications() []Effect {
	out := make([]Effect, 0, len(t.Effects))
	for _, e := range t.Effects {
		if e.Kind == EffectNotify {
			out = append(out, e)
		}
	}
	return out
}

func begin(op Op, o *model.Order) Transition {
	return Transition{
		Op:         op,
		From:       o.Status,
		To:         o.Status,
		ReturnFrom: o.ReturnRequest.CurrentStatus(),
		ReturnTo:   o.ReturnRequest.CurrentStatus(),
	}
}

func stamp(t time.Time) *time.Time {
	v := t
	return &v
}
