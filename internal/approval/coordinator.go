package approval

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"TreasuryGuard/internal/clock"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/observability/alerting"
	"TreasuryGuard/pkg/logger"
)

// Decision 是审批人的表态。
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Vote 是一次签署。
type Vote struct {
	ApproverID string    `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	At         time.Time `json:"at"`
}

// Ballot 是待审批请求的只读视图。
type Ballot struct {
	Request     ledger.TransactionRequest `json:"request"`
	Trigger     string                    `json:"trigger"`
	Threshold   int                       `json:"threshold"`
	Votes       []Vote                    `json:"votes"`
	RequestedAt time.Time                 `json:"requested_at"`
	Deadline    time.Time                 `json:"deadline"`
}

type ballot struct {
	view     Ballot
	approved map[string]struct{}
	rejected map[string]struct{}
	changed  chan struct{}
}

// Coordinator 负责多签审批。审批人通过 Sign 表态，CollectApprovals 阻塞等待结果。
type Coordinator struct {
	policy    Policy
	approvers map[string]struct{}
	clock     clock.Clock
	alerts    alerting.Dispatcher

	mu      sync.Mutex
	pending map[string]*ballot
}

// Option 定义可选配置。
type Option func(*Coordinator)

// WithClock 指定时钟。
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		if c != nil {
			co.clock = c
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(co *Coordinator) {
		co.alerts = d
	}
}

// NewCoordinator 创建审批协调器。
func NewCoordinator(policy Policy, opts ...Option) *Coordinator {
	policy = policy.normalized()
	c := &Coordinator{
		policy:    policy,
		approvers: make(map[string]struct{}, len(policy.Approvers)),
		clock:     clock.Real(),
		pending:   make(map[string]*ballot),
	}
	for _, id := range policy.Approvers {
		if id = strings.TrimSpace(id); id != "" {
			c.approvers[id] = struct{}{}
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Policy 返回生效的策略。
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// RequiresApproval 判断请求是否需要多签。
func (c *Coordinator) RequiresApproval(req ledger.TransactionRequest) bool {
	return c.policy.Trigger(req) != ""
}

// CollectApprovals 登记请求并等待审批，直到达到门限、被否决到无法达成、超时或 ctx 结束。
// 成功时返回去重后的审批人列表。
func (c *Coordinator) CollectApprovals(ctx context.Context, req ledger.TransactionRequest) ([]string, error) {
	if len(c.approvers) < c.policy.Threshold {
		err := c.insufficient(req, nil, "配置的审批人数量不足以达到门限")
		return nil, err
	}

	b, created := c.open(req)
	if created {
		alerting.Emit(ctx, c.alerts, alerting.Event{
			Kind:      alerting.KindApprovalRequested,
			Severity:  xerrors.SeverityInfo,
			RequestID: req.ID,
			Reason:    "交易请求等待多签审批 (" + b.view.Trigger + ")",
			Metadata: map[string]string{
				"amount":    req.Amount.String(),
				"currency":  req.Currency,
				"threshold": strconv.Itoa(c.policy.Threshold),
				"deadline":  b.view.Deadline.Format(time.RFC3339),
			},
		})
		logger.L().Info("发起多签审批",
			slog.String("request_id", req.ID),
			slog.String("trigger", b.view.Trigger),
			slog.Int("threshold", c.policy.Threshold),
		)
	}
	defer c.close(req.ID)

	timeout := c.clock.After(c.policy.Timeout)
	for {
		c.mu.Lock()
		approved := sortedKeys(b.approved)
		reachable := len(c.approvers) - len(b.rejected)
		changed := b.changed
		c.mu.Unlock()

		if len(approved) >= c.policy.Threshold {
			logger.Audit().Info("多签审批通过",
				slog.String("request_id", req.ID),
				slog.Any("approvers", approved),
			)
			return approved, nil
		}
		if reachable < c.policy.Threshold {
			return nil, c.insufficient(req, approved, "否决票使审批门限无法达成")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			logger.Audit().Warn("多签审批超时",
				slog.String("request_id", req.ID),
				slog.Int("approvals", len(approved)),
			)
			return nil, xerrors.New(xerrors.CodeApprovalTimeout, "等待多签审批超时",
				xerrors.WithDetail("request_id", req.ID),
				xerrors.WithDetail("approvals", strconv.Itoa(len(approved))),
				xerrors.WithDetail("threshold", strconv.Itoa(c.policy.Threshold)),
				xerrors.WithDetail("timeout", c.policy.Timeout.String()))
		case <-changed:
		}
	}
}

// Sign 记录审批人的表态。重复签署被忽略，未配置的审批人被拒绝。
func (c *Coordinator) Sign(requestID, approverID string, decision Decision, comment string) (*Ballot, error) {
	approverID = strings.TrimSpace(approverID)
	if _, ok := c.approvers[approverID]; !ok {
		return nil, xerrors.New(xerrors.CodeForbidden, "非授权审批人",
			xerrors.WithDetail("approver_id", approverID))
	}
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的审批决定",
			xerrors.WithDetail("decision", string(decision)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.pending[requestID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "没有待审批的请求",
			xerrors.WithDetail("request_id", requestID))
	}
	_, approved := b.approved[approverID]
	_, rejected := b.rejected[approverID]
	if approved || rejected {
		view := cloneBallot(b.view)
		return &view, nil
	}
	if decision == DecisionApprove {
		b.approved[approverID] = struct{}{}
	} else {
		b.rejected[approverID] = struct{}{}
	}
	b.view.Votes = append(b.view.Votes, Vote{ApproverID: approverID, Decision: decision, Comment: comment, At: c.clock.Now()})
	close(b.changed)
	b.changed = make(chan struct{})

	logger.Audit().Info("收到审批签署",
		slog.String("request_id", requestID),
		slog.String("approver_id", approverID),
		slog.String("decision", string(decision)),
	)
	view := cloneBallot(b.view)
	return &view, nil
}

// Pending 返回所有待审批请求。
func (c *Coordinator) Pending() []Ballot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Ballot, 0, len(c.pending))
	for _, b := range c.pending {
		out = append(out, cloneBallot(b.view))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// CancelAll 取消所有待审批请求的登记，紧急模式下使用。
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	for id, b := range c.pending {
		b.rejected = make(map[string]struct{}, len(c.approvers))
		for approver := range c.approvers {
			b.rejected[approver] = struct{}{}
		}
		close(b.changed)
		b.changed = make(chan struct{})
		delete(c.pending, id)
	}
	return n
}

func (c *Coordinator) open(req ledger.TransactionRequest) (*ballot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.pending[req.ID]; ok {
		return b, false
	}
	now := c.clock.Now()
	b := &ballot{
		view: Ballot{
			Request:     req.Clone(),
			Trigger:     c.policy.Trigger(req),
			Threshold:   c.policy.Threshold,
			RequestedAt: now,
			Deadline:    now.Add(c.policy.Timeout),
		},
		approved: make(map[string]struct{}),
		rejected: make(map[string]struct{}),
		changed:  make(chan struct{}),
	}
	c.pending[req.ID] = b
	return b, true
}

func (c *Coordinator) close(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}

func (c *Coordinator) insufficient(req ledger.TransactionRequest, approved []string, reason string) error {
	alerting.Emit(context.Background(), c.alerts, alerting.Event{
		Kind:      alerting.KindApprovalInsufficient,
		Code:      xerrors.CodeInsufficientApprovals,
		Severity:  xerrors.SeverityWarning,
		RequestID: req.ID,
		Reason:    reason,
		Metadata: map[string]string{
			"approvals": strconv.Itoa(len(approved)),
			"threshold": strconv.Itoa(c.policy.Threshold),
		},
	})
	logger.Audit().Warn("多签审批不足",
		slog.String("request_id", req.ID),
		slog.Int("approvals", len(approved)),
		slog.Int("threshold", c.policy.Threshold),
		slog.String("reason", reason),
	)
	return xerrors.New(xerrors.CodeInsufficientApprovals, reason,
		xerrors.WithDetail("request_id", req.ID),
		xerrors.WithDetail("approvals", strconv.Itoa(len(approved))),
		xerrors.WithDetail("threshold", strconv.Itoa(c.policy.Threshold)))
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cloneBallot(b Ballot) Ballot {
	b.Votes = append([]Vote(nil), b.Votes...)
	b.Request = b.Request.Clone()
	return b
}
