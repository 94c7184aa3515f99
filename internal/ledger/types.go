package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Type 表示交易请求的业务类型。
type Type string

const (
	TypeTransfer   Type = "transfer"
	TypePayment    Type = "payment"
	TypePayout     Type = "payout"
	TypeRefund     Type = "refund"
	TypeInvestment Type = "investment"
	// TypeAdjustment 仅由对账修正产生，不接受外部提交。
	TypeAdjustment Type = "adjustment"
)

// IsSubmittable 判断类型是否允许外部提交。
func (t Type) IsSubmittable() bool {
	switch t {
	case TypeTransfer, TypePayment, TypePayout, TypeRefund, TypeInvestment:
		return true
	default:
		return false
	}
}

// Priority 表示请求优先级。
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
	// PriorityCrisis 用于危机驱动的请求，与 urgent 一样走优先通道。
	PriorityCrisis Priority = "crisis"
)

// IsValid 检查优先级是否为支持的枚举值，空值视为 normal。
func (p Priority) IsValid() bool {
	switch p {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityCrisis:
		return true
	default:
		return false
	}
}

// Expedited 判断请求是否应插入优先通道队首。
func (p Priority) Expedited() bool {
	return p == PriorityUrgent || p == PriorityCrisis
}

// MetadataDirectResponse 标记直接响应类请求，这类请求同样走优先通道。
const MetadataDirectResponse = "direct_response"

// ComplianceRequirement 描述一条需要在执行前满足的合规要求。
type ComplianceRequirement struct {
	ID          string         `json:"id" yaml:"id"`
	Rule        string         `json:"rule" yaml:"rule"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Params      map[string]any `json:"params,omitempty" yaml:"params"`
}

// TransactionRequest 是提交给控制器的交易请求，入队后不可变。
type TransactionRequest struct {
	ID                 string                  `json:"id"`
	Type               Type                    `json:"type"`
	Amount             decimal.Decimal         `json:"amount"`
	Currency           string                  `json:"currency"`
	SourceAccount      string                  `json:"source_account"`
	DestinationAccount string                  `json:"destination_account"`
	Priority           Priority                `json:"priority,omitempty"`
	Requirements       []ComplianceRequirement `json:"requirements,omitempty"`
	Metadata           map[string]any          `json:"metadata,omitempty"`
	SubmittedAt        time.Time               `json:"submitted_at,omitempty"`
}

// Expedited 判断请求是否进入优先通道。
func (r TransactionRequest) Expedited() bool {
	if r.Priority.Expedited() {
		return true
	}
	if v, ok := r.Metadata[MetadataDirectResponse].(bool); ok && v {
		return true
	}
	return false
}

// Clone 返回请求的深拷贝，保证入队后的不可变性。
func (r TransactionRequest) Clone() TransactionRequest {
	clone := r
	clone.Metadata = CloneMetadata(r.Metadata)
	if r.Requirements != nil {
		clone.Requirements = make([]ComplianceRequirement, len(r.Requirements))
		for i, req := range r.Requirements {
			req.Params = CloneMetadata(req.Params)
			clone.Requirements[i] = req
		}
	}
	return clone
}

// NormalizedCurrency 返回大写的币种代码。
func NormalizedCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// Status 表示交易记录的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusReversed 表示对账确认的重复记录已被冲销。
	StatusReversed Status = "reversed"
)

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusCompleted, StatusFailed, StatusReversed:
		return true
	default:
		return false
	}
}

// TransactionRecord 是执行结果，完成后只追加不修改（冲销除外）。
type TransactionRecord struct {
	ID                 string            `json:"id"`
	RequestID          string            `json:"request_id"`
	Type               Type              `json:"type"`
	SourceAccount      string            `json:"source_account,omitempty"`
	DestinationAccount string            `json:"destination_account,omitempty"`
	Amount             decimal.Decimal   `json:"amount"`
	Fee                decimal.Decimal   `json:"fee"`
	Currency           string            `json:"currency"`
	Status             Status            `json:"status"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	Note               string            `json:"note,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// RecordIDFor 从请求 ID 派生交易记录 ID。
func RecordIDFor(requestID string) string {
	return "tx-" + requestID
}

// Effect 返回记录对指定账户余额的影响：入账 +amount，出账 -(amount+fee)。
func (r *TransactionRecord) Effect(accountID string) decimal.Decimal {
	effect := decimal.Zero
	if r == nil || accountID == "" {
		return effect
	}
	if r.DestinationAccount == accountID {
		effect = effect.Add(r.Amount)
	}
	if r.SourceAccount == accountID {
		effect = effect.Sub(r.Amount.Add(r.Fee))
	}
	return effect
}

// Touches 判断记录是否涉及指定账户。
func (r *TransactionRecord) Touches(accountID string) bool {
	return r != nil && accountID != "" && (r.SourceAccount == accountID || r.DestinationAccount == accountID)
}

// Clone 返回记录的深拷贝。
func (r *TransactionRecord) Clone() *TransactionRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.CompletedAt != nil {
		ts := *r.CompletedAt
		clone.CompletedAt = &ts
	}
	if r.Metadata != nil {
		clone.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// BalanceSourceConfig 描述账户的一个外部余额来源。
type BalanceSourceConfig struct {
	Name     string `json:"name" yaml:"name"`
	Kind     string `json:"kind" yaml:"kind"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint"`
	TokenEnv string `json:"token_env,omitempty" yaml:"token_env"`
	Chain    string `json:"chain,omitempty" yaml:"chain"`
	Address  string `json:"address,omitempty" yaml:"address"`
	Plugin   string `json:"plugin,omitempty" yaml:"plugin"`
}

// ExternalAPI 是账户的外部接口描述。
type ExternalAPI struct {
	Provider string                `json:"provider,omitempty" yaml:"provider"`
	Sources  []BalanceSourceConfig `json:"sources,omitempty" yaml:"sources"`
}

// Account 是控制器独占的金融账户。余额只由执行处理器和对账修正改变。
type Account struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	Currency       string          `json:"currency"`
	Balance        decimal.Decimal `json:"balance"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	External       ExternalAPI     `json:"external"`
	Frozen         bool            `json:"frozen"`
	FrozenReason   string          `json:"frozen_reason,omitempty"`
	FrozenAt       *time.Time      `json:"frozen_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone 返回账户的深拷贝。
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	if a.FrozenAt != nil {
		ts := *a.FrozenAt
		clone.FrozenAt = &ts
	}
	if a.External.Sources != nil {
		clone.External.Sources = append([]BalanceSourceConfig(nil), a.External.Sources...)
	}
	return &clone
}

// CloneMetadata 浅拷贝元数据。
func CloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}
