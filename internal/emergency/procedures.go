package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"TreasuryGuard/internal/clock"
	"TreasuryGuard/internal/coordination"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/pkg/logger"
)

// 升级步骤名称，与配置中的 procedures 列表对应。
const (
	ProcedureSupportTicket   = "open_support_ticket"
	ProcedureFreezeHighValue = "freeze_high_value"
	ProcedureMirrorState     = "mirror_state"
)

// SupportTicket 通过协作方开立支持工单。
type SupportTicket struct {
	Coordinator coordination.Coordinator
	AgentID     string
}

// Name 实现 Procedure。
func (p SupportTicket) Name() string { return ProcedureSupportTicket }

// Run 实现 Procedure。
func (p SupportTicket) Run(ctx context.Context, state State) error {
	if p.Coordinator == nil {
		return fmt.Errorf("未配置协作方")
	}
	agent := p.AgentID
	if agent == "" {
		agent = coordination.AgentSupportDesk
	}
	resp, err := p.Coordinator.Coordinate(ctx, agent, coordination.Request{
		Action:  "open_ticket",
		Subject: "treasury emergency mode activated",
		Message: state.Reason,
		Metadata: map[string]string{
			"cause":        string(state.Cause),
			"activated_at": state.ActivatedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return err
	}
	logger.L().Info("已开立紧急工单", slog.String("agent_id", agent), slog.String("reference", resp.Reference))
	return nil
}

// Freezer 是冻结账户所需的最小仓储能力。
type Freezer interface {
	ListAccounts(ctx context.Context) ([]*ledger.Account, error)
	SetFrozen(ctx context.Context, id string, frozen bool, reason string, at time.Time) (*ledger.Account, error)
}

// FreezeHighValue 冻结余额不低于阈值的账户，解除紧急模式后仍需人工解冻。
type FreezeHighValue struct {
	Repo      Freezer
	Threshold decimal.Decimal
	Clock     clock.Clock
}

// Name 实现 Procedure。
func (p FreezeHighValue) Name() string { return ProcedureFreezeHighValue }

// Run 实现 Procedure。
func (p FreezeHighValue) Run(ctx context.Context, state State) error {
	if p.Repo == nil || !p.Threshold.IsPositive() {
		return nil
	}
	accounts, err := p.Repo.ListAccounts(ctx)
	if err != nil {
		return err
	}
	now := clock.OrReal(p.Clock).Now().UTC()
	frozen := 0
	for _, account := range accounts {
		if account.Frozen || account.Balance.Abs().LessThan(p.Threshold) {
			continue
		}
		if _, err := p.Repo.SetFrozen(ctx, account.ID, true, "emergency: "+state.Reason, now); err != nil {
			return fmt.Errorf("冻结账户 %s 失败: %w", account.ID, err)
		}
		frozen++
		logger.Audit().Warn("紧急模式冻结账户", slog.String("account_id", account.ID), slog.String("balance", account.Balance.String()))
	}
	logger.L().Warn("高额账户冻结完成", slog.Int("count", frozen))
	return nil
}
