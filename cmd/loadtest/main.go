package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"tana_market/internal/middleware"
	"tana_market/internal/model"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Entry  string
	Status int
	Body   string
	Err    error
}

// race 一个订单上同时打三种对账入口：网关回调、自动验证、手动验证。
type race struct {
	client   *http.Client
	base     string
	customer string
	staff    string
}

func main() {
	app := &cli.App{
		Name:  "loadtest",
		Usage: "对同一笔交易并发触发三种对账入口，检查只入账一次",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base", Value: "http://localhost:8080", Usage: "server base url"},
			&cli.StringFlag{Name: "token", Usage: "客户 JWT；为空时用 --secret 和 --user 现签"},
			&cli.StringFlag{Name: "secret", EnvVars: []string{"JWT_SECRET"}, Value: "dev-jwt-secret"},
			&cli.StringFlag{Name: "user", Usage: "客户用户 id"},
			&cli.StringFlag{Name: "staff-user", Usage: "员工用户 id，用于核对支付尝试记录"},
			&cli.IntFlag{Name: "n", Value: 60, Usage: "总请求数，三种入口均分"},
			&cli.IntFlag{Name: "c", Value: 30, Usage: "max concurrency"},
			&cli.IntFlag{Name: "product", Value: 1, Usage: "product id"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("loadtest: %v", err)
	}
}

func run(c *cli.Context) error {
	customer := c.String("token")
	if customer == "" {
		if c.String("user") == "" {
			return fmt.Errorf("--token or --user is required")
		}
		tok, err := mint(c.String("secret"), c.String("user"), model.RoleCustomer)
		if err != nil {
			return err
		}
		customer = tok
	}
	var staff string
	if id := c.String("staff-user"); id != "" {
		tok, err := mint(c.String("secret"), id, model.RoleManager)
		if err != nil {
			return err
		}
		staff = tok
	}

	rc := &race{
		// 回调返回 302，不跟随跳转
		client: &http.Client{
			Timeout:       10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		base:     c.String("base"),
		customer: customer,
		staff:    staff,
	}

	// 1) 下单并发起支付；本地开发的假网关对已发起的交易直接视为成功
	orderID, err := rc.createOrder(c.Int("product"))
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	txRef, err := rc.initialize(orderID)
	if err != nil {
		return fmt.Errorf("initialize payment: %w", err)
	}
	fmt.Printf("order=%s tx_ref=%s\n", orderID, txRef)

	// 2) 并发对账
	fmt.Printf("start reconciliation race: requests=%d concurrency=%d\n", c.Int("n"), c.Int("c"))
	results := rc.runRace(orderID, txRef, c.Int("n"), c.Int("c"))
	printSummary(results)

	// 3) 结果核对
	o, err := rc.getOrder(orderID)
	if err != nil {
		return fmt.Errorf("reload order: %w", err)
	}
	fmt.Printf("final status=%s tracking_number=%s\n", o.Status, deref(o.TrackingNumber))
	if rc.staff != "" {
		applied, total, err := rc.countApplied(orderID)
		if err != nil {
			return fmt.Errorf("payment attempts: %w", err)
		}
		fmt.Printf("payment attempts=%d applied=%d\n", total, applied)
		if applied != 1 {
			return fmt.Errorf("expected exactly one applied attempt, got %d", applied)
		}
	}
	return nil
}

// mint 认证中间件按 sub 回查用户，角色以库里为准。
func mint(secret, userID string, role model.Role) (string, error) {
	return middleware.IssueToken([]byte(secret), model.User{ID: userID, Role: role}, time.Hour, time.Now())
}

func (rc *race) runRace(orderID, txRef string, total, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			switch idx % 3 {
			case 0:
				results[idx] = rc.do("webhook", http.MethodPost, "/api/payments/verify", "",
					map[string]string{"tx_ref": txRef, "status": "success"})
			case 1:
				results[idx] = rc.do("auto", http.MethodPost, "/api/payments/verify-auto", "",
					map[string]string{"tx_ref": txRef, "orderId": orderID})
			default:
				results[idx] = rc.do("manual", http.MethodGet, "/api/payments/verify/"+txRef, rc.customer, nil)
			}
		}(i)
	}

	wg.Wait()
	return results
}

func (rc *race) do(entry, method, path, token string, body any) Result {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, rc.base+path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := rc.client.Do(req)
	if err != nil {
		return Result{Entry: entry, Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusFound {
		return Result{Entry: entry, Status: resp.StatusCode, Body: resp.Header.Get("Location")}
	}
	return Result{Entry: entry, Status: resp.StatusCode, Body: string(b)}
}

// call 发送请求并把 {code, msg, data} 里的 data 解到 out。
func (rc *race) call(method, path, token string, body, out any) error {
	res := rc.do("setup", method, path, token, body)
	if res.Err != nil {
		return res.Err
	}
	if res.Status >= 300 {
		return fmt.Errorf("status=%d body=%s", res.Status, res.Body)
	}
	var env struct {
		Code int             `json:"code"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(res.Body), &env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, out)
}

func (rc *race) createOrder(productID int) (string, error) {
	var o model.Order
	err := rc.call(http.MethodPost, "/api/orders", rc.customer, map[string]any{
		"items": []map[string]int{{"productId": productID, "quantity": 1}},
		"shippingAddress": map[string]string{
			"address": "Load Test St 1",
			"city":    "Addis Ababa",
			"phone":   "+251900000000",
		},
	}, &o)
	return o.ID, err
}

func (rc *race) initialize(orderID string) (string, error) {
	var out struct {
		TxRef string `json:"tx_ref"`
	}
	err := rc.call(http.MethodPost, "/api/payments/initialize", rc.customer, map[string]string{"orderId": orderID}, &out)
	return out.TxRef, err
}

func (rc *race) getOrder(orderID string) (model.Order, error) {
	var o model.Order
	err := rc.call(http.MethodGet, "/api/orders/"+orderID, rc.customer, nil, &o)
	return o, err
}

func (rc *race) countApplied(orderID string) (applied, total int, err error) {
	var rows []struct {
		Outcome string `json:"outcome"`
	}
	if err := rc.call(http.MethodGet, "/api/manager/orders/"+orderID+"/payments", rc.staff, nil, &rows); err != nil {
		return 0, 0, err
	}
	for _, r := range rows {
		if r.Outcome == "applied" {
			applied++
		}
	}
	return applied, len(rows), nil
}

// printSummary 按入口聚合输出状态码分布。
func printSummary(results []Result) {
	count := map[string]map[int]int{}
	errCount := map[string]int{}
	for _, r := range results {
		if r.Err != nil {
			errCount[r.Entry]++
			continue
		}
		if count[r.Entry] == nil {
			count[r.Entry] = map[int]int{}
		}
		count[r.Entry][r.Status]++
	}
	for _, entry := range []string{"webhook", "auto", "manual"} {
		fmt.Printf("[%s] http status summary:\n", entry)
		codes := make([]int, 0, len(count[entry]))
		for code := range count[entry] {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Printf("  %d -> %d\n", code, count[entry][code])
		}
		if errCount[entry] > 0 {
			fmt.Printf("  errors -> %d\n", errCount[entry])
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
