package controller

import (
	"context"
	"log/slog"
	"strings"

	"TreasuryGuard/internal/approval"
	"TreasuryGuard/internal/emergency"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/limits"
	"TreasuryGuard/internal/observability/metrics"
	"TreasuryGuard/internal/reconcile"
	"TreasuryGuard/pkg/logger"
)

// Repo 返回账本仓库。
func (c *Controller) Repo() ledger.Repository { return c.repo }

// Emergency 返回紧急控制器。
func (c *Controller) Emergency() *emergency.Controller { return c.emergency }

// Approvals 返回审批协调器。
func (c *Controller) Approvals() *approval.Coordinator { return c.approvals }

// Limits 返回限额跟踪器。
func (c *Controller) Limits() *limits.Tracker { return c.limits }

// Unfreeze 由运维人员解除账户冻结。
func (c *Controller) Unfreeze(ctx context.Context, accountID, actor string) (*ledger.Account, error) {
	current, err := c.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !current.Frozen {
		return nil, xerrors.New(xerrors.CodeConflict, "账户未被冻结", xerrors.WithDetail("account_id", accountID))
	}
	account, err := c.repo.SetFrozen(ctx, accountID, false, "", c.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	logger.Audit().Warn("解除账户冻结",
		slog.String("account_id", accountID),
		slog.String("actor", actor),
		slog.String("previous_reason", current.FrozenReason),
	)
	return account, nil
}

// ReconcileNow 立即对给定账户对账，未指定账户时对所有未冻结账户对账。
func (c *Controller) ReconcileNow(ctx context.Context, accountIDs []string) ([]*ledger.ReconciliationResult, error) {
	if c.engine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置对账引擎")
	}
	ids := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	var results []*ledger.ReconciliationResult
	if len(ids) == 0 {
		var err error
		if results, err = c.engine.Sweep(ctx, reconcile.ScopeManual); err != nil {
			return nil, err
		}
	} else {
		results = c.engine.ReconcileAccounts(ctx, ids, reconcile.ScopeManual)
	}
	for _, r := range results {
		if r != nil {
			metrics.ObserveReconciliation(string(r.Status), r.Trigger)
		}
	}
	return results, nil
}
