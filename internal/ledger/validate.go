package ledger

import (
	"strconv"
	"strings"

	xerrors "TreasuryGuard/internal/errors"
)

func invalid(field, message string) error {
	return xerrors.New(xerrors.CodeValidation, message, xerrors.WithDetail("field", field))
}

// Validate 检查请求格式，失败时返回 VALIDATION_FAILED 并指明字段。
func (r TransactionRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return invalid("id", "请求 ID 不能为空")
	}
	if !r.Type.IsSubmittable() {
		return invalid("type", "不支持的交易类型: "+string(r.Type))
	}
	if !r.Amount.IsPositive() {
		return invalid("amount", "交易金额必须大于 0")
	}
	if r.Amount.Exponent() < -8 {
		return invalid("amount", "交易金额精度过高")
	}
	currency := NormalizedCurrency(r.Currency)
	if len(currency) < 3 || len(currency) > 8 {
		return invalid("currency", "币种代码无效")
	}
	if strings.TrimSpace(r.SourceAccount) == "" {
		return invalid("source_account", "来源账户不能为空")
	}
	if strings.TrimSpace(r.DestinationAccount) == "" {
		return invalid("destination_account", "目标账户不能为空")
	}
	if r.SourceAccount == r.DestinationAccount {
		return invalid("destination_account", "来源账户与目标账户不能相同")
	}
	if !r.Priority.IsValid() {
		return invalid("priority", "不支持的优先级: "+string(r.Priority))
	}
	for i, req := range r.Requirements {
		if strings.TrimSpace(req.Rule) == "" {
			return xerrors.New(xerrors.CodeValidation, "合规要求缺少规则名",
				xerrors.WithDetail("field", "requirements"),
				xerrors.WithDetail("index", strconv.Itoa(i)))
		}
	}
	return nil
}
