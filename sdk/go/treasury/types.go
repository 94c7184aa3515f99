package treasury

import (
	"time"

	"github.com/shopspring/decimal"
)

// Token represents an issued token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type operatorRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Requirement is a compliance predicate attached to a request.
type Requirement struct {
	ID          string         `json:"id"`
	Rule        string         `json:"rule"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// TransactionRequest is the payload accepted by Submit.
type TransactionRequest struct {
	ID                 string          `json:"id,omitempty"`
	Type               string          `json:"type"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	SourceAccount      string          `json:"source_account"`
	DestinationAccount string          `json:"destination_account"`
	Priority           string          `json:"priority,omitempty"`
	Requirements       []Requirement   `json:"requirements,omitempty"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
}

// Record is an executed ledger entry.
type Record struct {
	ID                 string            `json:"id"`
	RequestID          string            `json:"request_id"`
	Type               string            `json:"type"`
	SourceAccount      string            `json:"source_account,omitempty"`
	DestinationAccount string            `json:"destination_account,omitempty"`
	Amount             decimal.Decimal   `json:"amount"`
	Fee                decimal.Decimal   `json:"fee"`
	Currency           string            `json:"currency"`
	Status             string            `json:"status"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	Note               string            `json:"note,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
}

// Outcome tracks a submission through the execution queue.
type Outcome struct {
	RequestID   string            `json:"request_id"`
	Status      string            `json:"status"`
	Priority    string            `json:"priority,omitempty"`
	Attempts    int               `json:"attempts"`
	ErrorCode   string            `json:"error_code,omitempty"`
	Error       string            `json:"error,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Record      *Record           `json:"record,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Terminal reports whether the outcome will no longer change.
func (o Outcome) Terminal() bool {
	switch o.Status {
	case "completed", "rejected", "failed", "discarded":
		return true
	default:
		return false
	}
}

// Account is a treasury account.
type Account struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	Frozen       bool            `json:"frozen"`
	FrozenReason string          `json:"frozen_reason,omitempty"`
	FrozenAt     *time.Time      `json:"frozen_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// LimitWindow is the state of one aggregation window for one currency.
type LimitWindow struct {
	Window   string          `json:"window"`
	Currency string          `json:"currency"`
	Ceiling  decimal.Decimal `json:"ceiling"`
	Pause    decimal.Decimal `json:"pause,omitempty"`
	Total    decimal.Decimal `json:"total"`
	Reserved decimal.Decimal `json:"reserved"`
	ResetAt  time.Time       `json:"reset_at"`
}

// Approval decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Decision is the body of an approval signature.
type Decision struct {
	Decision   string `json:"decision"`
	Comment    string `json:"comment,omitempty"`
	ApproverID string `json:"approver_id,omitempty"`
}

// Vote is one approver's signature.
type Vote struct {
	ApproverID string    `json:"approver_id"`
	Decision   string    `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	At         time.Time `json:"at"`
}

// Ballot is a request waiting for approvals.
type Ballot struct {
	Request     TransactionRequest `json:"request"`
	Trigger     string             `json:"trigger"`
	Threshold   int                `json:"threshold"`
	Votes       []Vote             `json:"votes"`
	RequestedAt time.Time          `json:"requested_at"`
	Deadline    time.Time          `json:"deadline"`
}

// Observation is one external balance reading.
type Observation struct {
	Source  string          `json:"source"`
	Balance decimal.Decimal `json:"balance"`
	Valid   bool            `json:"valid"`
	Error   string          `json:"error,omitempty"`
}

// ReconciliationResult is the outcome of reconciling one account.
type ReconciliationResult struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Currency     string          `json:"currency"`
	Expected     decimal.Decimal `json:"expected"`
	Consensus    decimal.Decimal `json:"consensus"`
	Discrepancy  decimal.Decimal `json:"discrepancy"`
	Status       string          `json:"status"`
	Observations []Observation   `json:"observations,omitempty"`
	Error        string          `json:"error,omitempty"`
	Trigger      string          `json:"trigger,omitempty"`
	Resolution   *Resolution     `json:"resolution,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Resolution describes how a discrepancy was handled.
type Resolution struct {
	Tier      string   `json:"tier"`
	Action    string   `json:"action"`
	Cause     string   `json:"cause,omitempty"`
	Resolved  bool     `json:"resolved"`
	Narrative string   `json:"narrative"`
	RecordIDs []string `json:"record_ids,omitempty"`
	Guidance  string   `json:"guidance,omitempty"`
}

// EmergencyState mirrors the controller's emergency state machine.
type EmergencyState struct {
	Active        bool       `json:"active"`
	Cause         string     `json:"cause,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Actor         string     `json:"actor,omitempty"`
	ActivatedAt   time.Time  `json:"activated_at,omitempty"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	Drained       int        `json:"drained"`
	Guidance      string     `json:"guidance,omitempty"`
}

// HealthCheck is one entry of the health report.
type HealthCheck struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// EmergencyView combines the state with the latest health report.
type EmergencyView struct {
	State     EmergencyState `json:"state"`
	Health    []HealthCheck  `json:"health,omitempty"`
	CheckedAt *time.Time     `json:"checked_at,omitempty"`
}

// Health is the liveness payload of /healthz.
type Health struct {
	Status    string `json:"status"`
	Emergency bool   `json:"emergency"`
}
