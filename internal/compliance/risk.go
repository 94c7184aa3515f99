package compliance

import (
	"context"

	"github.com/shopspring/decimal"

	"TreasuryGuard/internal/ledger"
)

// RiskMetric 是针对单个请求即时生成的风险评分，不做长期保存。
type RiskMetric struct {
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Weight    float64 `json:"weight"`
	Detail    string  `json:"detail,omitempty"`
}

// Exceeded 判断指标是否超过自身阈值。
func (m RiskMetric) Exceeded() bool {
	return m.Threshold > 0 && m.Score > m.Threshold
}

// History 提供交易对手历史查询。
type History interface {
	ListRecords(ctx context.Context, filter ledger.RecordFilter) ([]*ledger.TransactionRecord, error)
}

// Scorer 为请求生成风险指标。
type Scorer struct {
	singleCeiling decimal.Decimal
	history       History
}

// NewScorer 创建评分器，singleCeiling 用于金额占比指标。
func NewScorer(singleCeiling decimal.Decimal, history History) *Scorer {
	return &Scorer{singleCeiling: singleCeiling, history: history}
}

// Score 计算金额占比、紧急程度与新交易对手三项指标。
func (s *Scorer) Score(ctx context.Context, req ledger.TransactionRequest) ([]RiskMetric, error) {
	metrics := []RiskMetric{
		s.amountRatio(req),
		urgency(req),
	}
	counterparty, err := s.newCounterparty(ctx, req)
	if err != nil {
		return nil, err
	}
	return append(metrics, counterparty), nil
}

// Composite 返回指标的加权和。
func Composite(metrics []RiskMetric) float64 {
	var total, weights float64
	for _, m := range metrics {
		total += m.Score * m.Weight
		weights += m.Weight
	}
	if weights == 0 {
		return 0
	}
	return total / weights
}

func (s *Scorer) amountRatio(req ledger.TransactionRequest) RiskMetric {
	metric := RiskMetric{Name: "amount_ratio", Threshold: 0.9, Weight: 0.5}
	if !s.singleCeiling.IsPositive() {
		return metric
	}
	ratio, _ := req.Amount.Div(s.singleCeiling).Float64()
	if ratio > 1 {
		ratio = 1
	}
	metric.Score = ratio
	metric.Detail = req.Amount.String() + "/" + s.singleCeiling.String()
	return metric
}

func urgency(req ledger.TransactionRequest) RiskMetric {
	metric := RiskMetric{Name: "urgency", Weight: 0.2}
	switch req.Priority {
	case ledger.PriorityUrgent, ledger.PriorityCrisis:
		metric.Score = 0.6
	case ledger.PriorityHigh:
		metric.Score = 0.3
	}
	metric.Detail = string(req.Priority)
	return metric
}

func (s *Scorer) newCounterparty(ctx context.Context, req ledger.TransactionRequest) (RiskMetric, error) {
	metric := RiskMetric{Name: "new_counterparty", Weight: 0.3}
	if s.history == nil {
		return metric, nil
	}
	records, err := s.history.ListRecords(ctx, ledger.RecordFilter{AccountID: req.SourceAccount, Status: ledger.StatusCompleted})
	if err != nil {
		return metric, err
	}
	for _, rec := range records {
		if rec.DestinationAccount == req.DestinationAccount {
			metric.Detail = "known"
			return metric, nil
		}
	}
	metric.Score = 0.5
	metric.Detail = "first transfer to " + req.DestinationAccount
	return metric, nil
}
