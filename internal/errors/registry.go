package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 基础设施错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeForbidden             Code = "FORBIDDEN"
)

// 交易流水线错误码。
const (
	CodeValidation            Code = "VALIDATION_FAILED"
	CodeComplianceViolation   Code = "COMPLIANCE_VIOLATION"
	CodeLimitExceeded         Code = "LIMIT_EXCEEDED"
	CodeInsufficientApprovals Code = "INSUFFICIENT_APPROVALS"
	CodeApprovalTimeout       Code = "APPROVAL_TIMEOUT"
	CodeExecutionFailed       Code = "EXECUTION_FAILED"
	CodeInsufficientFunds     Code = "INSUFFICIENT_FUNDS"
	CodeInvalidAccount        Code = "INVALID_ACCOUNT"
	CodeAccountFrozen         Code = "ACCOUNT_FROZEN"
	CodeReconciliation        Code = "RECONCILIATION_FAILED"
	CodeEmergencyModeActive   Code = "EMERGENCY_MODE_ACTIVE"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},
		CodeUnauthorized:          {Message: "unauthorized", Severity: SeverityInfo},
		CodeForbidden:             {Message: "forbidden", Severity: SeverityWarning},

		CodeValidation:            {Message: "transaction request is invalid", Severity: SeverityInfo},
		CodeComplianceViolation:   {Message: "compliance requirement failed", Severity: SeverityWarning},
		CodeLimitExceeded:         {Message: "transaction limit exceeded", Severity: SeverityWarning},
		CodeInsufficientApprovals: {Message: "insufficient approvals", Severity: SeverityWarning, Alert: true},
		CodeApprovalTimeout:       {Message: "approval timed out", Severity: SeverityWarning, Alert: true},
		CodeExecutionFailed:       {Message: "transaction execution failed", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeInsufficientFunds:     {Message: "insufficient funds", Severity: SeverityWarning},
		CodeInvalidAccount:        {Message: "invalid account", Severity: SeverityWarning},
		CodeAccountFrozen:         {Message: "account is frozen", Severity: SeverityWarning},
		CodeReconciliation:        {Message: "reconciliation failed", Severity: SeverityWarning, Alert: true},
		CodeEmergencyModeActive:   {Message: "emergency mode active", Severity: SeverityCritical},
		CodeRetriesExhausted:      {Message: "retries exhausted", Severity: SeverityWarning, Alert: true},
	}
)

// Register 允许业务模块在初始化阶段注册或覆盖错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}
