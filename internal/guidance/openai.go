package guidance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	xerrors "TreasuryGuard/internal/errors"
)

// OpenAIConfig 是 OpenAI 兼容 Chat Completions 接口的参数。
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

func (c OpenAIConfig) normalized() OpenAIConfig {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model = strings.TrimSpace(c.Model); c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// OpenAIAdvisor 让模型根据事件上下文给出处置步骤。
type OpenAIAdvisor struct {
	cfg  OpenAIConfig
	http *http.Client
}

func NewOpenAIAdvisor(cfg OpenAIConfig) (*OpenAIAdvisor, error) {
	cfg = cfg.normalized()
	if cfg.APIKey == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供 OpenAI API Key")
	}
	return &OpenAIAdvisor{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const advisorInstructions = "You advise a treasury operations team. " +
	"Reply with at most five short, concrete remediation steps in Chinese. " +
	"Never suggest moving funds; the team only investigates and escalates."

func (a *OpenAIAdvisor) Advise(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: advisorInstructions},
			{Role: "user", Content: describe(req)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "请求模型失败")
	}
	defer resp.Body.Close()

	var decoded chatResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	decodeErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode >= http.StatusBadRequest {
		reason := strings.TrimSpace(string(raw))
		if decodeErr == nil && decoded.Error != nil {
			reason = decoded.Error.Message
		}
		return nil, xerrors.New(xerrors.CodeUnknown, "模型返回错误",
			xerrors.WithDetail("status", fmt.Sprint(resp.StatusCode)),
			xerrors.WithDetail("reason", clip(reason, 200)))
	}
	if decodeErr != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, decodeErr, "解析模型响应失败")
	}
	for _, choice := range decoded.Choices {
		if advice := strings.TrimSpace(choice.Message.Content); advice != "" {
			return &Response{Advice: advice, Source: a.cfg.Model}, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "模型没有给出建议")
}

// describe 把请求渲染成 markdown，上下文按键排序。
func describe(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## 事件\n主题: %s\n类别: %s\n紧急程度: %s\n",
		strings.TrimSpace(req.Topic), req.Category, req.Urgency)
	if len(req.Context) > 0 {
		b.WriteString("\n## 上下文\n")
		for _, k := range slices.Sorted(maps.Keys(req.Context)) {
			fmt.Fprintf(&b, "- %s: %s\n", k, clip(req.Context[k], 120))
		}
	}
	b.WriteString("\n请给出处置建议。")
	return b.String()
}

func clip(text string, limit int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "..."
}
