package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"TreasuryGuard/internal/approval"
	"TreasuryGuard/internal/auth"
	"TreasuryGuard/internal/emergency"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/scheduler"
)

const defaultListLimit = 50

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultListLimit
}

// actor 返回操作人：认证开启时取令牌主体，否则取请求体中的值。
func actor(r *http.Request, fallback string) string {
	if op := auth.OperatorFrom(r.Context()); op != nil {
		return op.Username
	}
	return strings.TrimSpace(fallback)
}

func (s *Server) scheduler() (*scheduler.Scheduler, error) {
	sched := s.ctl.Scheduler()
	if sched == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调度器未启动")
	}
	return sched, nil
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req ledger.TransactionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if submitter := actor(r, ""); submitter != "" {
		if req.Metadata == nil {
			req.Metadata = map[string]any{}
		}
		req.Metadata["submitted_by"] = submitter
	}
	outcome, err := s.ctl.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, outcome)
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	sched, err := s.scheduler()
	if err != nil {
		writeError(w, err)
		return
	}
	status := scheduler.Status(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, sched.Outcomes(status, queryLimit(r)))
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	sched, err := s.scheduler()
	if err != nil {
		writeError(w, err)
		return
	}
	outcome, err := sched.Outcome(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.ctl.Repo().GetRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.ctl.Repo().ListAccounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.ctl.Repo().GetAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type operatorRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	var body operatorRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	account, err := s.ctl.Unfreeze(r.Context(), r.PathValue("id"), actor(r, body.Actor))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Limits().Snapshot())
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Approvals().Pending())
}

type signRequest struct {
	Decision   approval.Decision `json:"decision"`
	Comment    string            `json:"comment,omitempty"`
	ApproverID string            `json:"approver_id,omitempty"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var body signRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Decision == "" {
		body.Decision = approval.DecisionApprove
	}
	if body.Decision != approval.DecisionApprove && body.Decision != approval.DecisionReject {
		writeError(w, xerrors.New(xerrors.CodeValidation, "未知的审批决定", xerrors.WithDetail("field", "decision")))
		return
	}
	approver := actor(r, body.ApproverID)
	if approver == "" {
		writeError(w, xerrors.New(xerrors.CodeValidation, "缺少审批人", xerrors.WithDetail("field", "approver_id")))
		return
	}
	ballot, err := s.ctl.Approvals().Sign(r.PathValue("requestID"), approver, body.Decision, body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ballot)
}

type reconcileRequest struct {
	Accounts []string `json:"accounts"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var body reconcileRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	results, err := s.ctl.ReconcileNow(r.Context(), body.Accounts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleListReconciliations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	results, err := s.ctl.Repo().ListReconciliations(r.Context(), ledger.ReconciliationFilter{
		AccountID: q.Get("account_id"),
		Status:    ledger.ReconciliationStatus(q.Get("status")),
		Limit:     queryLimit(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type emergencyView struct {
	State     emergency.State         `json:"state"`
	Health    []emergency.CheckResult `json:"health,omitempty"`
	CheckedAt *time.Time              `json:"checked_at,omitempty"`
}

func (s *Server) emergencyView() emergencyView {
	ec := s.ctl.Emergency()
	view := emergencyView{State: ec.State()}
	if report, at := ec.LastReport(); !at.IsZero() {
		view.Health = report
		view.CheckedAt = &at
	}
	return view
}

func (s *Server) handleEmergencyState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.emergencyView())
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var body operatorRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "运维人员手动启用紧急模式"
	}
	who := actor(r, body.Actor)
	if who == "" {
		who = "operator"
	}
	if !s.ctl.Emergency().Trigger(r.Context(), emergency.CauseOperator, reason, who) {
		writeError(w, xerrors.New(xerrors.CodeConflict, "已处于紧急模式"))
		return
	}
	writeJSON(w, http.StatusOK, s.emergencyView())
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var body operatorRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	who := actor(r, body.Actor)
	if who == "" {
		who = "operator"
	}
	if err := s.ctl.Emergency().Deactivate(r.Context(), who); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.emergencyView())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"emergency": s.ctl.Emergency().IsActive(),
	})
}
