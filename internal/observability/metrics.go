// Package observability 定义了网关的 Prometheus 指标。
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_stream_sessions_total",
		Help: "Completed stream sessions by outcome",
	}, []string{"backend", "outcome"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_stream_session_duration_seconds",
		Help:    "Wall time from session start to completion",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s to ~2min
	}, []string{"backend"})

	fragmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_stream_fragments_total",
		Help: "Fragments appended to session logs",
	}, []string{"backend"})

	stopRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_stream_stop_requests_total",
		Help: "Stop requests by result",
	}, []string{"result"})

	clientDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_sse_client_disconnects_total",
		Help: "SSE responses abandoned by the client before completion",
	})

	completionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_completion_requests_total",
		Help: "Chat requests by endpoint and mode",
	}, []string{"endpoint", "mode"})
)

// 会话结果标签。
const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeError     = "error"
)

// RegisterActiveSessions 注册当前会话数的 GaugeFunc，重复注册时忽略。
func RegisterActiveSessions(count func() int) {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_stream_sessions_active",
		Help: "Number of stream sessions currently registered",
	}, func() float64 { return float64(count()) })
	if err := prometheus.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
	}
}

// SessionFinished 记录一个会话的结果、片段数与耗时。
func SessionFinished(backend, outcome string, fragments int, elapsed time.Duration) {
	sessionsTotal.WithLabelValues(backend, outcome).Inc()
	sessionDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
	fragmentsTotal.WithLabelValues(backend).Add(float64(fragments))
}

// StopRequested 记录一次停止请求，result 为 ok、not_found 或 timeout。
func StopRequested(result string) {
	stopRequests.WithLabelValues(result).Inc()
}

// ClientDisconnected 记录一次客户端提前断开。
func ClientDisconnected() {
	clientDisconnects.Inc()
}

// RequestReceived 记录一次聊天请求，mode 为 stream 或 sync。
func RequestReceived(endpoint, mode string) {
	completionRequests.WithLabelValues(endpoint, mode).Inc()
}
