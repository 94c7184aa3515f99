// Package guidance 为升级事件获取专家建议，只作注释用途，失败不影响资金流程。
package guidance

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"TreasuryGuard/pkg/logger"
)

// Urgency 描述请求建议时的紧急程度。
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Request 描述一次咨询。
type Request struct {
	Topic    string            `json:"topic"`
	Category string            `json:"category"`
	Urgency  Urgency           `json:"urgency"`
	Context  map[string]string `json:"context,omitempty"`
}

// Response 是建议内容。
type Response struct {
	Advice string `json:"advice"`
	Source string `json:"source"`
}

// Advisor 定义专家建议来源。
type Advisor interface {
	Advise(ctx context.Context, req Request) (*Response, error)
}

// Annotate 在超时时间内尽力获取建议，任何失败都返回空串。
func Annotate(ctx context.Context, advisor Advisor, req Request, timeout time.Duration) string {
	if advisor == nil {
		return ""
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := advisor.Advise(actx, req)
	if err != nil {
		logger.L().Warn("获取专家建议失败",
			slog.String("topic", req.Topic),
			slog.String("category", req.Category),
			slog.Any("error", err),
		)
		return ""
	}
	if resp == nil {
		return ""
	}
	return strings.TrimSpace(resp.Advice)
}
