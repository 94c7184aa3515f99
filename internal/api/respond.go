package api

import (
	"encoding/json"
	"net/http"

	"TreasuryGuard/internal/emergency"
	xerrors "TreasuryGuard/internal/errors"
)

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeComplianceViolation, xerrors.CodeAccountFrozen, xerrors.CodeForbidden:
		return http.StatusForbidden
	case xerrors.CodeNotFound, xerrors.CodeInvalidAccount:
		return http.StatusNotFound
	case xerrors.CodeLimitExceeded, xerrors.CodeConflict, xerrors.CodeInsufficientApprovals,
		xerrors.CodeInsufficientFunds, emergency.CodeHealthCheckFailed:
		return http.StatusConflict
	case xerrors.CodeEmergencyModeActive, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout, xerrors.CodeApprovalTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Message = coded.Message()
		body.Details = coded.Details()
	}
	writeJSON(w, statusFor(err), body)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败")
	}
	return nil
}
