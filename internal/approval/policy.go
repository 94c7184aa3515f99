// Package approval 决定请求是否需要多签，并收集审批人的签署。
package approval

import (
	"time"

	"github.com/shopspring/decimal"

	"TreasuryGuard/internal/ledger"
)

// Policy 描述触发多签的条件与门限。
type Policy struct {
	// SingleCeiling 为单笔限额，金额超过 AmountRatio*SingleCeiling 时需要审批。
	SingleCeiling decimal.Decimal
	AmountRatio   decimal.Decimal
	Priorities    []ledger.Priority
	Types         []ledger.Type
	Threshold     int
	Approvers     []string
	Timeout       time.Duration
}

// DefaultPolicy 返回默认策略：超过单笔上限一半、urgent 优先级或 investment 类型需要审批。
func DefaultPolicy(singleCeiling decimal.Decimal) Policy {
	return Policy{
		SingleCeiling: singleCeiling,
		AmountRatio:   decimal.NewFromFloat(0.5),
		Priorities:    []ledger.Priority{ledger.PriorityUrgent},
		Types:         []ledger.Type{ledger.TypeInvestment},
		Threshold:     2,
		Timeout:       15 * time.Minute,
	}
}

func (p Policy) normalized() Policy {
	if !p.AmountRatio.IsPositive() {
		p.AmountRatio = decimal.NewFromFloat(0.5)
	}
	if p.Threshold <= 0 {
		p.Threshold = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = 15 * time.Minute
	}
	return p
}

// Trigger 返回请求命中的审批条件，未命中返回空串。
func (p Policy) Trigger(req ledger.TransactionRequest) string {
	p = p.normalized()
	if p.SingleCeiling.IsPositive() && req.Amount.GreaterThan(p.SingleCeiling.Mul(p.AmountRatio)) {
		return "amount"
	}
	for _, priority := range p.Priorities {
		if req.Priority == priority {
			return "priority"
		}
	}
	for _, typ := range p.Types {
		if req.Type == typ {
			return "type"
		}
	}
	return ""
}
