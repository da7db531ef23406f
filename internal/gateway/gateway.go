// Package gateway talks to the hosted payment gateway (Chapa-style REST API).
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable 网络错误、超时或 5xx，调用方可以稍后重试。
	ErrUnavailable = errors.New("gateway: unavailable")
	// ErrUnauthorized 密钥无效。
	ErrUnauthorized = errors.New("gateway: unauthorized")
	// ErrMalformed 响应无法解析。
	ErrMalformed = errors.New("gateway: malformed response")
	// ErrNotFound 网关不认识这个 tx_ref。
	ErrNotFound = errors.New("gateway: transaction not found")
)

// StatusSuccess 网关确认支付成功时返回的状态。
const StatusSuccess = "success"

// Customer 发起支付时带给网关的用户信息。
type Customer struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

type InitializeRequest struct {
	TxRef       string
	Amount      decimal.Decimal
	Currency    string
	Customer    Customer
	CallbackURL string
	ReturnURL   string
}

type InitializeResponse struct {
	CheckoutURL string
}

// Verification 网关对一笔交易的确认结果。
type Verification struct {
	TxRef     string
	Status    string
	Amount    decimal.Decimal
	Currency  string
	Reference string
}

// Settled 只有 status == success 才算到账。
func (v Verification) Settled() bool { return v.Status == StatusSuccess }

// Failed 网关给出的终态失败；pending 之类的中间状态不算。
func (v Verification) Failed() bool {
	switch v.Status {
	case "failed", "failure", "cancelled", "canceled", "declined", "expired", "reversed":
		return true
	}
	return false
}

// Gateway 对账只依赖这两个同步调用。
type Gateway interface {
	Initialize(ctx context.Context, req InitializeRequest) (InitializeResponse, error)
	Verify(ctx context.Context, txRef string) (Verification, error)
}
