package redis

import "fmt"

// OrderLockKey 单个订单对账时的互斥锁。
func OrderLockKey(orderID string) string {
	return fmt.Sprintf("tana:order:lock:%s", orderID)
}

// EventHandledKey 标记某个订单事件已被消费过。
func EventHandledKey(eventID string) string {
	return fmt.Sprintf("tana:event:handled:%s", eventID)
}

// RateLimitKey 限流计数键，scope 区分接口，subject 是 tx_ref / 用户 / IP。
func RateLimitKey(scope, kind, subject string) string {
	return fmt.Sprintf("rate_limit:%s:%s:%s", scope, kind, subject)
}
