package scheduler

import (
	"sort"
	"sync"
	"time"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
)

// Status 表示一次提交在生命周期中的状态。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
	StatusDiscarded  Status = "discarded"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed, StatusDiscarded:
		return true
	default:
		return false
	}
}

// Outcome 跟踪一次提交的处理结果。
type Outcome struct {
	RequestID   string                    `json:"request_id"`
	Status      Status                    `json:"status"`
	Priority    ledger.Priority           `json:"priority,omitempty"`
	Attempts    int                       `json:"attempts"`
	MaxRetries  int                       `json:"max_retries"`
	ErrorCode   string                    `json:"error_code,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Details     map[string]string         `json:"details,omitempty"`
	Record      *ledger.TransactionRecord `json:"record,omitempty"`
	SubmittedAt time.Time                 `json:"submitted_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

func (o *Outcome) clone() *Outcome {
	out := *o
	out.Record = o.Record.Clone()
	if o.Details != nil {
		out.Details = make(map[string]string, len(o.Details))
		for k, v := range o.Details {
			out.Details[k] = v
		}
	}
	return &out
}

func (o *Outcome) fail(status Status, err error, at time.Time) {
	o.Status = status
	o.Error = err.Error()
	o.ErrorCode = string(xerrors.CodeOf(err))
	if e, ok := xerrors.From(err); ok {
		o.Details = e.Details()
	}
	o.UpdatedAt = at
}

// Stats 汇总队列与提交状态。
type Stats struct {
	PriorityQueued int            `json:"priority_queued"`
	NormalQueued   int            `json:"normal_queued"`
	ByStatus       map[Status]int `json:"by_status"`
}

// Outcomes 保存提交结果，按请求 ID 幂等。
type Outcomes struct {
	mu    sync.RWMutex
	items map[string]*Outcome
}

// NewOutcomes 创建结果表。
func NewOutcomes() *Outcomes {
	return &Outcomes{items: make(map[string]*Outcome)}
}

// Track 登记新的提交；ID 已存在时返回已有结果且 created 为 false。
func (s *Outcomes) Track(outcome *Outcome) (*Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[outcome.RequestID]; ok {
		return existing.clone(), false
	}
	s.items[outcome.RequestID] = outcome.clone()
	return outcome.clone(), true
}

// Get 返回指定请求的结果。
func (s *Outcomes) Get(requestID string) (*Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outcome, ok := s.items[requestID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "提交记录不存在", xerrors.WithDetail("request_id", requestID))
	}
	return outcome.clone(), nil
}

// Update 在锁内修改结果。
func (s *Outcomes) Update(requestID string, fn func(*Outcome)) (*Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome, ok := s.items[requestID]
	if !ok {
		return nil, false
	}
	fn(outcome)
	return outcome.clone(), true
}

// List 按提交时间倒序返回结果，status 为空时不过滤。
func (s *Outcomes) List(status Status, limit int) []*Outcome {
	s.mu.RLock()
	out := make([]*Outcome, 0, len(s.items))
	for _, outcome := range s.items {
		if status != "" && outcome.Status != status {
			continue
		}
		out = append(out, outcome.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].RequestID > out[j].RequestID
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Counts 按状态计数。
func (s *Outcomes) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int)
	for _, outcome := range s.items {
		counts[outcome.Status]++
	}
	return counts
}
