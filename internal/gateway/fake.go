package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Fake 内存网关，本地开发（GATEWAY_BASE_URL 为空）和测试共用。
type Fake struct {
	mu           sync.Mutex
	transactions map[string]Verification
	amounts      map[string]decimal.Decimal

	// AutoSettle 为 true 时，Initialize 过的交易在 Verify 时直接视为成功。
	AutoSettle bool
	// Err 非空时所有调用都返回它。
	Err error
	// Delay 模拟网关延迟，用来放大并发窗口。
	Delay time.Duration

	verifyCalls atomic.Int64
}

func NewFake() *Fake {
	return &Fake{
		transactions: map[string]Verification{},
		amounts:      map[string]decimal.Decimal{},
	}
}

// Settle 预置一笔交易的网关结果。
func (f *Fake) Settle(txRef, status string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions[txRef] = Verification{TxRef: txRef, Status: status, Amount: amount, Currency: "ETB"}
}

func (f *Fake) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

// VerifyCalls 返回 Verify 被调用的次数。
func (f *Fake) VerifyCalls() int64 { return f.verifyCalls.Load() }

func (f *Fake) Initialize(ctx context.Context, req InitializeRequest) (InitializeResponse, error) {
	f.mu.Lock()
	err := f.Err
	if err == nil {
		f.amounts[req.TxRef] = req.Amount
	}
	f.mu.Unlock()
	if err != nil {
		return InitializeResponse{}, err
	}
	return InitializeResponse{CheckoutURL: "https://checkout.fake/pay/" + req.TxRef}, nil
}

func (f *Fake) Verify(ctx context.Context, txRef string) (Verification, error) {
	f.verifyCalls.Add(1)
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return Verification{}, ErrUnavailable
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return Verification{}, f.Err
	}
	if v, ok := f.transactions[txRef]; ok {
		return v, nil
	}
	if amount, ok := f.amounts[txRef]; ok {
		if f.AutoSettle {
			return Verification{TxRef: txRef, Status: StatusSuccess, Amount: amount, Currency: "ETB"}, nil
		}
		return Verification{TxRef: txRef, Status: "pending", Amount: amount, Currency: "ETB"}, nil
	}
	return Verification{}, ErrNotFound
}
