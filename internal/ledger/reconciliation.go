package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationStatus 表示一次对账的结论。
type ReconciliationStatus string

const (
	ReconciliationMatched     ReconciliationStatus = "matched"
	ReconciliationDiscrepancy ReconciliationStatus = "discrepancy"
	ReconciliationError       ReconciliationStatus = "error"
)

// Observation 是单个外部来源的一次余额读数。
type Observation struct {
	Source  string          `json:"source"`
	Balance decimal.Decimal `json:"balance"`
	Valid   bool            `json:"valid"`
	Error   string          `json:"error,omitempty"`
}

// ResolutionTier 表示差异处理所在的层级。
type ResolutionTier string

const (
	TierNone   ResolutionTier = "none"
	TierSmall  ResolutionTier = "small"
	TierMedium ResolutionTier = "medium"
	TierLarge  ResolutionTier = "large"
)

// ResolutionAction 描述处理器对差异采取的动作。
type ResolutionAction string

const (
	ActionNone         ResolutionAction = "none"
	ActionAdjusted     ResolutionAction = "adjusted"
	ActionReversed     ResolutionAction = "reversed"
	ActionManualReview ResolutionAction = "manual_review"
	ActionEscalated    ResolutionAction = "escalated"
	ActionFrozen       ResolutionAction = "frozen"
)

// Resolution 是差异处理的结果，随对账结果一起保存。
type Resolution struct {
	Tier       ResolutionTier   `json:"tier"`
	Action     ResolutionAction `json:"action"`
	Cause      string           `json:"cause,omitempty"`
	Resolved   bool             `json:"resolved"`
	Narrative  string           `json:"narrative"`
	RecordIDs  []string         `json:"record_ids,omitempty"`
	Guidance   string           `json:"guidance,omitempty"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

// ReconciliationResult 是一次账户对账的历史记录。
type ReconciliationResult struct {
	ID           string               `json:"id"`
	AccountID    string               `json:"account_id"`
	Currency     string               `json:"currency,omitempty"`
	Expected     decimal.Decimal      `json:"expected"`
	Observations []Observation        `json:"observations,omitempty"`
	Consensus    decimal.Decimal      `json:"consensus"`
	Discrepancy  decimal.Decimal      `json:"discrepancy"`
	Status       ReconciliationStatus `json:"status"`
	Error        string               `json:"error,omitempty"`
	Trigger      string               `json:"trigger,omitempty"`
	Resolution   *Resolution          `json:"resolution,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

// Signed 返回观测值减去期望值，正数表示外部余额更高。
func (r *ReconciliationResult) Signed() decimal.Decimal {
	if r == nil {
		return decimal.Zero
	}
	return r.Consensus.Sub(r.Expected)
}

// Clone 返回深拷贝。
func (r *ReconciliationResult) Clone() *ReconciliationResult {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Observations != nil {
		clone.Observations = append([]Observation(nil), r.Observations...)
	}
	if r.Resolution != nil {
		res := *r.Resolution
		res.RecordIDs = append([]string(nil), r.Resolution.RecordIDs...)
		clone.Resolution = &res
	}
	return &clone
}
