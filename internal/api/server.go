package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"TreasuryGuard/internal/auth"
	"TreasuryGuard/internal/controller"
	"TreasuryGuard/internal/observability/metrics"
)

// Server 负责暴露 REST 接口。
type Server struct {
	addr string
	ctl  *controller.Controller
	auth *auth.Service
}

// NewServer 构造 API 服务实例，authSvc 为空时不做认证。
func NewServer(addr string, ctl *controller.Controller, authSvc *auth.Service) *Server {
	return &Server{addr: addr, ctl: ctl, auth: authSvc}
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc, perms ...string) {
		var handler http.Handler = h
		if len(perms) > 0 {
			handler = s.auth.Require(perms...)(h)
		}
		mux.Handle(pattern, instrument(handler))
	}

	route("POST /api/v1/auth/token", s.handleToken)
	route("POST /api/v1/transactions", s.handleSubmit, auth.PermTransactionsSubmit)
	route("GET /api/v1/transactions", s.handleListOutcomes, auth.PermTransactionsRead)
	route("GET /api/v1/transactions/{id}", s.handleOutcome, auth.PermTransactionsRead)
	route("GET /api/v1/records/{id}", s.handleRecord, auth.PermTransactionsRead)
	route("GET /api/v1/accounts", s.handleListAccounts, auth.PermAccountsRead)
	route("GET /api/v1/accounts/{id}", s.handleAccount, auth.PermAccountsRead)
	route("POST /api/v1/accounts/{id}/unfreeze", s.handleUnfreeze, auth.PermAccountsManage)
	route("GET /api/v1/limits", s.handleLimits, auth.PermAccountsRead)
	route("GET /api/v1/approvals", s.handlePendingApprovals, auth.PermTransactionsRead)
	route("POST /api/v1/approvals/{requestID}", s.handleSign, auth.PermApprovalsSign)
	route("GET /api/v1/reconciliations", s.handleListReconciliations, auth.PermReconciliationsRead)
	route("POST /api/v1/reconciliations", s.handleReconcile, auth.PermReconciliationsRun)
	route("GET /api/v1/emergency", s.handleEmergencyState, auth.PermEmergencyRead)
	route("POST /api/v1/emergency/activate", s.handleActivate, auth.PermEmergencyManage)
	route("POST /api/v1/emergency/deactivate", s.handleDeactivate, auth.PermEmergencyManage)
	route("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return s.auth.Middleware(auth.MiddlewareConfig{
		Public: []string{"/healthz", "/metrics", "/api/v1/auth/token"},
	})(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// instrument 记录每个路由的请求数与耗时。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = r.URL.Path
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
