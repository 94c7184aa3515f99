// Package sources 提供对账引擎可用的外部余额来源。
package sources

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"TreasuryGuard/internal/ledger"
)

// Static 返回可在运行时修改的固定余额，用于演示与测试。
type Static struct {
	name string
	mu   sync.RWMutex
	bal  map[string]decimal.Decimal
	errs map[string]error
}

// NewStatic 创建静态来源。
func NewStatic(name string) *Static {
	return &Static{name: name, bal: make(map[string]decimal.Decimal), errs: make(map[string]error)}
}

// Name 返回来源名称。
func (s *Static) Name() string { return s.name }

// Set 设置账户余额并清除错误。
func (s *Static) Set(accountID string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bal[accountID] = balance
	delete(s.errs, accountID)
}

// Fail 让账户的下一次读数返回错误。
func (s *Static) Fail(accountID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[accountID] = err
}

// Balance 实现 reconcile.Source。
func (s *Static) Balance(_ context.Context, account *ledger.Account) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.errs[account.ID]; err != nil {
		return decimal.Zero, err
	}
	return s.bal[account.ID], nil
}

// Ledger 把账户存储的当前余额作为观测值，用于发现余额字段与交易记录的偏离。
type Ledger struct {
	name string
}

// NewLedger 创建账本来源。
func NewLedger(name string) *Ledger {
	if name == "" {
		name = "ledger"
	}
	return &Ledger{name: name}
}

// Name 返回来源名称。
func (l *Ledger) Name() string { return l.name }

// Balance 返回快照中的账户余额。
func (l *Ledger) Balance(_ context.Context, account *ledger.Account) (decimal.Decimal, error) {
	return account.Balance, nil
}
