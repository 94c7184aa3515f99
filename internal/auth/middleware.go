package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	xerrors "TreasuryGuard/internal/errors"
)

// MiddlewareConfig 配置认证中间件。
type MiddlewareConfig struct {
	// Public 列出无需认证的路径。
	Public []string
}

// Middleware 认证请求并把操作员写入上下文，每个已认证请求写一条审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	public := make(map[string]bool, len(cfg.Public))
	for _, path := range cfg.Public {
		public[path] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() || public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			op, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				s.reject(w, r, nil, "access_denied", err)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ContextWithOperator(r.Context(), op)))
			s.audit.Info("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("user", op.Username),
			)
		})
	}
}

// Require 检查路由所需权限，必须挂在 Middleware 之内。不带权限时原样放行。
func (s *Service) Require(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(perms) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			op := OperatorFrom(r.Context())
			if err := op.Authorize(perms...); err != nil {
				s.reject(w, r, op, "permission_denied", err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Service) reject(w http.ResponseWriter, r *http.Request, op *Operator, event string, err error) {
	status := http.StatusUnauthorized
	if xerrors.HasCode(err, xerrors.CodeForbidden) {
		status = http.StatusForbidden
	}
	attrs := []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	if op != nil {
		attrs = append(attrs, slog.String("user", op.Username))
	}
	s.audit.Warn(event, attrs...)

	body := map[string]any{"code": string(xerrors.CodeOf(err)), "message": err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body["message"] = coded.Message()
		if details := coded.Details(); len(details) > 0 {
			body["details"] = details
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
