package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"TreasuryGuard/internal/ledger"
)

// HTTPConfig 描述 HTTP 余额接口。
type HTTPConfig struct {
	Name     string
	Endpoint string
	Token    string
	// RPS 为每秒请求上限，<=0 表示不限速。
	RPS     float64
	Burst   int
	Timeout time.Duration
	Client  *http.Client
}

// HTTP 调用 GET {endpoint}/balance 获取余额，使用 Bearer Token 认证。
type HTTP struct {
	name     string
	endpoint string
	token    string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTP 创建 HTTP 来源。
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("余额来源 %s 未配置 endpoint", cfg.Name)
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("余额来源 %s 的 endpoint 无效: %w", cfg.Name, err)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	name := cfg.Name
	if name == "" {
		name = endpoint
	}
	return &HTTP{name: name, endpoint: endpoint, token: cfg.Token, client: client, limiter: limiter}, nil
}

// Name 返回来源名称。
func (h *HTTP) Name() string { return h.name }

// Balance 请求余额接口。响应可以是 {"balance": "..."} 或裸数字。
func (h *HTTP) Balance(ctx context.Context, account *ledger.Account) (decimal.Decimal, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("等待限流失败: %w", err)
	}
	u := h.endpoint + "/balance?account=" + url.QueryEscape(account.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("请求余额接口失败: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("读取余额响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("余额接口返回状态 %d", resp.StatusCode)
	}
	return parseBalance(body)
}

func parseBalance(body []byte) (decimal.Decimal, error) {
	var payload struct {
		Balance json.RawMessage `json:"balance"`
	}
	raw := json.RawMessage(strings.TrimSpace(string(body)))
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Balance) > 0 {
		raw = payload.Balance
	}
	text := strings.Trim(string(raw), `"`)
	value, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("解析余额失败: %w", err)
	}
	return value, nil
}
