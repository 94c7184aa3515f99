package resolver

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/guidance"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/observability/alerting"
)

// resolveSmall 依次检查 rounding、timing、fee mismatch，首个命中即处理；都不命中时写入通用调整。
func (r *Resolver) resolveSmall(ctx context.Context, result *ledger.ReconciliationResult) (*ledger.Resolution, error) {
	res := &ledger.Resolution{Tier: ledger.TierSmall, Resolved: true}

	if result.Discrepancy.LessThan(r.thresholds.Precision) {
		rec, err := r.adjust(ctx, result, CauseRounding, nil)
		if err != nil {
			return nil, err
		}
		res.Action, res.Cause, res.RecordIDs = ledger.ActionAdjusted, CauseRounding, []string{rec.ID}
		res.Narrative = "resolved: rounding difference adjusted"
		return res, nil
	}

	records, err := r.history(ctx, result.AccountID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Status != ledger.StatusCompleted || rec.CompletedAt == nil || rec.Type == ledger.TypeAdjustment {
			continue
		}
		if now.Sub(*rec.CompletedAt) <= r.thresholds.TimingWindow {
			// 外部来源尚未入账，等待下一轮对账。
			res.Action, res.Cause, res.RecordIDs = ledger.ActionNone, CauseTiming, []string{rec.ID}
			res.Narrative = "resolved: timing difference, transaction posted within the settlement window"
			return res, nil
		}
	}

	for _, rec := range records {
		if rec.Status == ledger.StatusCompleted && rec.Fee.IsPositive() {
			adj, err := r.adjust(ctx, result, CauseFeeMismatch, map[string]string{"fee_record_id": rec.ID})
			if err != nil {
				return nil, err
			}
			res.Action, res.Cause, res.RecordIDs = ledger.ActionAdjusted, CauseFeeMismatch, []string{adj.ID}
			res.Narrative = "resolved: fee mismatch adjusted"
			return res, nil
		}
	}

	adj, err := r.adjust(ctx, result, CauseGeneric, nil)
	if err != nil {
		return nil, err
	}
	res.Action, res.Cause, res.RecordIDs = ledger.ActionAdjusted, CauseGeneric, []string{adj.ID}
	res.Narrative = "resolved: balance adjustment recorded"
	return res, nil
}

// resolveMedium 分析交易历史，只有明确定位到原因时才自动处理，否则转人工复核。
func (r *Resolver) resolveMedium(ctx context.Context, result *ledger.ReconciliationResult) (*ledger.Resolution, error) {
	res := &ledger.Resolution{Tier: ledger.TierMedium}
	records, err := r.history(ctx, result.AccountID)
	if err != nil {
		return nil, err
	}
	// target 是账本需要变化的量：外部共识减期望余额。
	target := result.Signed()

	if dup := findDuplicate(records, result.AccountID, target, r.thresholds.Precision); dup != nil {
		if _, err := r.processor.Reverse(ctx, dup.ID, "duplicate transaction removed by reconciliation "+result.ID); err != nil {
			return nil, err
		}
		res.Action, res.Cause, res.Resolved = ledger.ActionReversed, CauseDuplicate, true
		res.RecordIDs = []string{dup.ID}
		res.Narrative = "resolved: duplicate transactions removed"
		return res, nil
	}

	if missing := findMissing(records, result.AccountID, target, r.thresholds.Precision); missing != nil {
		adj, err := r.adjust(ctx, result, CauseMissing, map[string]string{"recovered_record_id": missing.ID})
		if err != nil {
			return nil, err
		}
		res.Action, res.Cause, res.Resolved = ledger.ActionAdjusted, CauseMissing, true
		res.RecordIDs = []string{missing.ID, adj.ID}
		res.Narrative = "resolved: missing transaction recovered"
		return res, nil
	}

	if wrong := findIncorrectFee(records, result.AccountID, target, r.thresholds.Precision, r.processor.Fees()); wrong != nil {
		adj, err := r.adjust(ctx, result, CauseIncorrect, map[string]string{"corrected_record_id": wrong.ID})
		if err != nil {
			return nil, err
		}
		res.Action, res.Cause, res.Resolved = ledger.ActionAdjusted, CauseIncorrect, true
		res.RecordIDs = []string{wrong.ID, adj.ID}
		res.Narrative = "resolved: incorrect amount corrected"
		return res, nil
	}

	res.Action, res.Cause = ledger.ActionManualReview, CauseUnidentified
	res.Narrative = "scheduled for manual review: no conclusive cause in transaction history"
	r.log.Warn("差异转人工复核",
		slog.String("result_id", result.ID),
		slog.String("account_id", result.AccountID),
		slog.String("discrepancy", result.Discrepancy.String()),
	)
	r.emit(ctx, alerting.Event{
		Kind:      alerting.KindManualReview,
		Code:      xerrors.CodeReconciliation,
		Severity:  xerrors.SeverityWarning,
		Reason:    fmt.Sprintf("账户 %s 存在 %s 差异，需人工复核", result.AccountID, result.Discrepancy),
		AccountID: result.AccountID,
		ResultID:  result.ID,
		Metadata:  discrepancyMetadata(result),
	})
	return res, nil
}

// escalate 发送高优先级告警，超过冻结阈值时冻结账户，超过紧急阈值时进入紧急模式。
func (r *Resolver) escalate(ctx context.Context, result *ledger.ReconciliationResult) (*ledger.Resolution, error) {
	res := &ledger.Resolution{
		Tier:      ledger.TierLarge,
		Action:    ledger.ActionEscalated,
		Cause:     CauseEscalated,
		Narrative: "escalated: discrepancy exceeds automatic resolution limits",
	}
	res.Guidance = guidance.Annotate(ctx, r.advisor, guidance.Request{
		Topic:    fmt.Sprintf("账户 %s 对账差异 %s %s", result.AccountID, result.Discrepancy, result.Currency),
		Category: "discrepancy",
		Urgency:  guidance.UrgencyCritical,
		Context:  discrepancyMetadata(result),
	}, 0)

	metadata := discrepancyMetadata(result)
	if res.Guidance != "" {
		metadata["guidance"] = res.Guidance
	}
	r.emit(ctx, alerting.Event{
		Kind:      alerting.KindDiscrepancy,
		Code:      xerrors.CodeReconciliation,
		Severity:  xerrors.SeverityCritical,
		Reason:    fmt.Sprintf("账户 %s 对账差异 %s 超过自动处理上限", result.AccountID, result.Discrepancy),
		AccountID: result.AccountID,
		ResultID:  result.ID,
		Metadata:  metadata,
	})

	if result.Discrepancy.GreaterThan(r.thresholds.Freeze) {
		reason := fmt.Sprintf("reconciliation %s discrepancy %s", result.ID, result.Discrepancy)
		// 冻结与记账共用账户锁，避免与执行中的交易交错。
		unlock := r.processor.Locks().Lock(result.AccountID)
		_, err := r.repo.SetFrozen(ctx, result.AccountID, true, reason, r.clock.Now().UTC())
		unlock()
		if err != nil {
			return nil, err
		}
		res.Action = ledger.ActionFrozen
		res.Narrative = "escalated: account frozen pending manual clearance"
		r.log.Warn("账户因大额差异被冻结", slog.String("account_id", result.AccountID), slog.String("result_id", result.ID))
		r.emit(ctx, alerting.Event{
			Kind:      alerting.KindAccountFrozen,
			Code:      xerrors.CodeAccountFrozen,
			Severity:  xerrors.SeverityCritical,
			Reason:    reason,
			AccountID: result.AccountID,
			ResultID:  result.ID,
			Metadata:  discrepancyMetadata(result),
		})
	}

	if r.emergency != nil && r.thresholds.Emergency.IsPositive() && result.Discrepancy.GreaterThan(r.thresholds.Emergency) {
		reason := fmt.Sprintf("critical reconciliation discrepancy %s on account %s", result.Discrepancy, result.AccountID)
		if err := r.emergency.Activate(ctx, reason); err != nil {
			r.log.Error("触发紧急模式失败", slog.Any("error", err))
		}
	}
	return res, nil
}

func discrepancyMetadata(result *ledger.ReconciliationResult) map[string]string {
	return map[string]string{
		"expected":    result.Expected.String(),
		"consensus":   result.Consensus.String(),
		"discrepancy": result.Discrepancy.String(),
		"currency":    result.Currency,
		"trigger":     result.Trigger,
	}
}
