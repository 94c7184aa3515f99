// Package coordination 把非资金类事务（客户通知、支持工单）交给具名的外部协作方。
// 控制器只负责投递与记录，不解释协作方的内部逻辑。
package coordination

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/pkg/logger"
)

// 常用的协作方标识。
const (
	AgentCustomerNotifier = "customer_notifier"
	AgentSupportDesk      = "support_desk"
)

// Request 是交给协作方的请求。
type Request struct {
	Action    string            `json:"action"`
	Subject   string            `json:"subject"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Response 是协作方返回的结果。
type Response struct {
	AgentID   string            `json:"agent_id"`
	Accepted  bool              `json:"accepted"`
	Reference string            `json:"reference,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Collaborator 是单个外部协作方。
type Collaborator interface {
	Handle(ctx context.Context, req Request) (Response, error)
}

// CollaboratorFunc 便于以函数实现协作方。
type CollaboratorFunc func(ctx context.Context, req Request) (Response, error)

// Handle 实现 Collaborator。
func (f CollaboratorFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Coordinator 定义 coordinate(agentID, request) 合约。
type Coordinator interface {
	Coordinate(ctx context.Context, agentID string, req Request) (Response, error)
}

// Registry 按名称路由到协作方。
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]Collaborator
	timeout time.Duration
}

// Option 定义 Registry 的可选配置。
type Option func(*Registry)

// WithTimeout 设置单次协作的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewRegistry 创建空注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{agents: make(map[string]Collaborator), timeout: 10 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 注册协作方，同名覆盖。
func (r *Registry) Register(agentID string, c Collaborator) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" || c == nil {
		return
	}
	r.mu.Lock()
	r.agents[agentID] = c
	r.mu.Unlock()
}

// Agents 返回已注册的协作方名称。
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Coordinate 把请求交给指定协作方。
func (r *Registry) Coordinate(ctx context.Context, agentID string, req Request) (Response, error) {
	r.mu.RLock()
	c, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return Response{}, xerrors.New(xerrors.CodeNotFound, "协作方未注册", xerrors.WithDetail("agent_id", agentID))
	}
	if strings.TrimSpace(req.Action) == "" {
		return Response{}, xerrors.New(xerrors.CodeInvalidArgument, "协作动作不能为空", xerrors.WithDetail("agent_id", agentID))
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := c.Handle(cctx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return Response{}, xerrors.Wrap(xerrors.CodeTimeout, err, "协作方响应超时", xerrors.WithDetail("agent_id", agentID))
		}
		if _, coded := xerrors.From(err); coded {
			return Response{}, err
		}
		return Response{}, xerrors.Wrap(xerrors.CodeUnknown, err, "协作方处理失败",
			xerrors.WithDetail("agent_id", agentID),
			xerrors.WithSeverity(xerrors.SeverityWarning),
		)
	}
	if resp.AgentID == "" {
		resp.AgentID = agentID
	}
	return resp, nil
}

// BestEffort 调用协作方，失败只记录日志。
func BestEffort(ctx context.Context, c Coordinator, agentID string, req Request) (Response, bool) {
	if c == nil {
		return Response{}, false
	}
	resp, err := c.Coordinate(ctx, agentID, req)
	if err != nil {
		logger.L().Warn("协作方调用失败",
			slog.String("agent_id", agentID),
			slog.String("action", req.Action),
			slog.String("request_id", req.RequestID),
			slog.Any("error", err),
		)
		return Response{}, false
	}
	return resp, true
}

var _ Coordinator = (*Registry)(nil)
