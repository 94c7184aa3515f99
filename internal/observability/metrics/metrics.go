// Package metrics 以 Prometheus 格式暴露控制器的运行指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "treasury"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Transaction submissions by final status and error code.",
	}, []string{"status", "code"})

	transactionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transaction_duration_seconds",
		Help:      "Time spent in the execution pipeline per attempt.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Items waiting in the execution queue per lane.",
	}, []string{"lane"})

	reconciliations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliations_total",
		Help:      "Account reconciliations by status and trigger.",
	}, []string{"status", "trigger"})

	resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolutions_total",
		Help:      "Discrepancy resolutions by tier and action.",
	}, []string{"tier", "action"})

	limitUsage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "limit_window_total",
		Help:      "Committed total per limit window and currency.",
	}, []string{"window", "currency"})

	emergencyActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "emergency_active",
		Help:      "1 while emergency mode is active.",
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		transactions, transactionLatency, queueDepth,
		reconciliations, resolutions, limitUsage, emergencyActive,
	)
}

// Registry 返回指标注册表，测试中可用于读取指标。
func Registry() *prometheus.Registry {
	return registry
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTransaction 记录一次提交的终态。
func ObserveTransaction(status, code string) {
	transactions.WithLabelValues(status, code).Inc()
}

// ObserveAttempt 记录一次流水线执行耗时。
func ObserveAttempt(duration time.Duration) {
	transactionLatency.Observe(duration.Seconds())
}

// SetQueueDepth 更新队列长度。
func SetQueueDepth(priority, normal int) {
	queueDepth.WithLabelValues("priority").Set(float64(priority))
	queueDepth.WithLabelValues("normal").Set(float64(normal))
}

// ObserveReconciliation 记录一次账户对账。
func ObserveReconciliation(status, trigger string) {
	reconciliations.WithLabelValues(status, trigger).Inc()
}

// ObserveResolution 记录一次差异处理。
func ObserveResolution(tier, action string) {
	resolutions.WithLabelValues(tier, action).Inc()
}

// SetLimitTotal 更新限额窗口累计值。
func SetLimitTotal(window, currency string, total float64) {
	limitUsage.WithLabelValues(window, currency).Set(total)
}

// SetEmergencyActive 更新紧急模式状态。
func SetEmergencyActive(active bool) {
	if active {
		emergencyActive.Set(1)
		return
	}
	emergencyActive.Set(0)
}

// Handler 以 Prometheus 文本格式暴露指标。
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer 启动独立的 /metrics 服务。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
