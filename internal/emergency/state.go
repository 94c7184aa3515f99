package emergency

import "time"

// Cause 表示进入紧急模式的原因类别。
type Cause string

const (
	CauseHealthCheck     Cause = "health_check"
	CausePauseThreshold  Cause = "pause_threshold"
	CauseCriticalFailure Cause = "critical_failure"
	CauseReconciliation  Cause = "reconciliation"
	CauseOperator        Cause = "operator"
)

// StepResult 记录一个升级步骤的执行情况。
type StepResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// State 是进程级紧急状态的不可变快照，只通过原子指针替换。
type State struct {
	Active        bool         `json:"active"`
	Cause         Cause        `json:"cause,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Actor         string       `json:"actor,omitempty"`
	ActivatedAt   time.Time    `json:"activated_at,omitempty"`
	DeactivatedAt *time.Time   `json:"deactivated_at,omitempty"`
	Drained       int          `json:"drained"`
	Guidance      string       `json:"guidance,omitempty"`
	Steps         []StepResult `json:"steps,omitempty"`
}

func (s *State) clone() State {
	out := *s
	out.Steps = append([]StepResult(nil), s.Steps...)
	if s.DeactivatedAt != nil {
		ts := *s.DeactivatedAt
		out.DeactivatedAt = &ts
	}
	return out
}
