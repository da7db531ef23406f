package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tana_market/internal/model"
)

// Handler 消费订单事件的一方，notify.Dispatcher 实现它。
type Handler interface {
	HandleOrderEvent(ctx context.Context, ev model.OrderEvent) error
}

// validateEvent 做最小字段校验，防止消费者处理脏消息。
func validateEvent(ev model.OrderEvent) error {
	if ev.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if ev.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if ev.Type == "" {
		return fmt.Errorf("type is required")
	}
	if ev.Audience != model.AudienceCustomer && ev.Audience != model.AudienceStaff {
		return fmt.Errorf("unknown audience %q", ev.Audience)
	}
	if ev.Audience == model.AudienceCustomer && ev.UserID == "" {
		return fmt.Errorf("user_id is required for customer events")
	}
	return nil
}

// encodeEvent 拍平成 Stream 字段。
func encodeEvent(ev model.OrderEvent) map[string]interface{} {
	return map[string]interface{}{
		"event_id":        ev.EventID,
		"type":            string(ev.Type),
		"audience":        string(ev.Audience),
		"order_id":        ev.OrderID,
		"user_id":         ev.UserID,
		"tracking_number": ev.TrackingNumber,
		"from":            string(ev.From),
		"status":          string(ev.Status),
		"return_status":   string(ev.ReturnStatus),
		"occurred_at":     ev.OccurredAt.UTC().UnixMilli(),
	}
}

func parseOrderEvent(values map[string]interface{}) (model.OrderEvent, error) {
	var (
		ev  model.OrderEvent
		err error
	)
	fields := []struct {
		key      string
		dst      *string
		optional bool
	}{
		{key: "event_id", dst: &ev.EventID},
		{key: "order_id", dst: &ev.OrderID},
		{key: "user_id", dst: &ev.UserID, optional: true},
		{key: "tracking_number", dst: &ev.TrackingNumber, optional: true},
	}
	for _, f := range fields {
		*f.dst, err = getStreamString(values, f.key)
		if err != nil && !f.optional {
			return model.OrderEvent{}, err
		}
	}

	typ, err := getStreamString(values, "type")
	if err != nil {
		return model.OrderEvent{}, err
	}
	audience, err := getStreamString(values, "audience")
	if err != nil {
		return model.OrderEvent{}, err
	}
	status, err := getStreamString(values, "status")
	if err != nil {
		return model.OrderEvent{}, err
	}
	from, _ := getStreamString(values, "from")
	returnStatus, _ := getStreamString(values, "return_status")

	occurredStr, err := getStreamString(values, "occurred_at")
	if err != nil {
		return model.OrderEvent{}, err
	}
	occurredMs, err := strconv.ParseInt(occurredStr, 10, 64)
	if err != nil {
		return model.OrderEvent{}, fmt.Errorf("invalid occurred_at %q", occurredStr)
	}

	ev.Type = model.NotificationType(typ)
	ev.Audience = model.Audience(audience)
	ev.Status = model.OrderStatus(status)
	ev.From = model.OrderStatus(from)
	ev.ReturnStatus = model.ReturnStatus(returnStatus)
	ev.OccurredAt = time.UnixMilli(occurredMs).UTC()

	if err := validateEvent(ev); err != nil {
		return model.OrderEvent{}, err
	}
	return ev, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
