package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"

	"TreasuryGuard/internal/ledger"
)

// Strategy 表示多来源余额的共识算法。
type Strategy string

const (
	// StrategyMean 对所有有效读数取算术平均。
	StrategyMean Strategy = "mean"
	// StrategyMedian 取有效读数的中位数，对单个离群来源更稳健。
	StrategyMedian Strategy = "median"
)

// Valid 判断读数是否参与共识：没有错误且余额非零。
func Valid(obs ledger.Observation) bool {
	return obs.Error == "" && !obs.Balance.IsZero()
}

// Consensus 计算有效读数的共识值，没有有效读数时返回 false。
func Consensus(strategy Strategy, observations []ledger.Observation) (decimal.Decimal, bool) {
	values := make([]decimal.Decimal, 0, len(observations))
	for _, obs := range observations {
		if Valid(obs) {
			values = append(values, obs.Balance)
		}
	}
	if len(values) == 0 {
		return decimal.Zero, false
	}
	switch strategy {
	case StrategyMedian:
		sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })
		mid := len(values) / 2
		if len(values)%2 == 1 {
			return values[mid], true
		}
		return values[mid-1].Add(values[mid]).Div(decimal.NewFromInt(2)), true
	default:
		return decimal.Sum(values[0], values[1:]...).Div(decimal.NewFromInt(int64(len(values)))).Round(8), true
	}
}
