package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// Client Chapa 风格的 REST 客户端。
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		secret:  cfg.SecretKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Message string          `json:"message"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
}

type initializePayload struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number,omitempty"`
	TxRef       string `json:"tx_ref"`
	CallbackURL string `json:"callback_url"`
	ReturnURL   string `json:"return_url"`
}

type verifyData struct {
	TxRef     string              `json:"tx_ref"`
	Status    string              `json:"status"`
	Amount    decimal.NullDecimal `json:"amount"`
	Currency  string              `json:"currency"`
	Reference string              `json:"reference"`
}

// Initialize 创建托管支付页，返回 checkout_url。
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (InitializeResponse, error) {
	body, err := json.Marshal(initializePayload{
		Amount:      req.Amount.String(),
		Currency:    req.Currency,
		Email:       req.Customer.Email,
		FirstName:   req.Customer.FirstName,
		LastName:    req.Customer.LastName,
		PhoneNumber: req.Customer.Phone,
		TxRef:       req.TxRef,
		CallbackURL: req.CallbackURL,
		ReturnURL:   req.ReturnURL,
	})
	if err != nil {
		return InitializeResponse{}, err
	}
	endpoint, err := url.JoinPath(c.baseURL, "transaction", "initialize")
	if err != nil {
		return InitializeResponse{}, err
	}

	env, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return InitializeResponse{}, err
	}
	var data struct {
		CheckoutURL string `json:"checkout_url"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.CheckoutURL == "" {
		return InitializeResponse{}, fmt.Errorf("%w: missing checkout_url", ErrMalformed)
	}
	return InitializeResponse{CheckoutURL: data.CheckoutURL}, nil
}

// Verify 查询交易状态。金额可能是字符串也可能是数字，decimal 两种都能解析。
func (c *Client) Verify(ctx context.Context, txRef string) (Verification, error) {
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return Verification{}, ErrNotFound
	}
	endpoint, err := url.JoinPath(c.baseURL, "transaction", "verify", txRef)
	if err != nil {
		return Verification{}, err
	}

	env, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Verification{}, err
	}
	var data verifyData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Verification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	data.Status = strings.ToLower(strings.TrimSpace(data.Status))
	if data.Status == "" {
		return Verification{}, fmt.Errorf("%w: missing status", ErrMalformed)
	}
	if data.Status == StatusSuccess && !data.Amount.Valid {
		return Verification{}, fmt.Errorf("%w: missing amount", ErrMalformed)
	}
	if data.TxRef == "" {
		data.TxRef = txRef
	}
	return Verification{
		TxRef:     data.TxRef,
		Status:    data.Status,
		Amount:    data.Amount.Decimal,
		Currency:  data.Currency,
		Reference: data.Reference,
	}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (envelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return envelope{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return envelope{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, drainError(resp.Body))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return envelope{}, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return envelope{}, fmt.Errorf("%w: %s", ErrNotFound, drainError(resp.Body))
	case resp.StatusCode >= 400:
		return envelope{}, fmt.Errorf("gateway: status %d: %s", resp.StatusCode, drainError(resp.Body))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return envelope{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return envelope{}, fmt.Errorf("%w: empty data (%s)", ErrMalformed, env.Message)
	}
	return env, nil
}

func drainError(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}
