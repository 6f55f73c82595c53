// Package metrics provides Prometheus instrumentation for the AgroClear engine.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agroclear",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agroclear",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ContractsTotal counts contract lifecycle transitions by resulting status.
	ContractsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agroclear",
			Name:      "contracts_total",
			Help:      "Total contract state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// ReleasesTotal counts milestone release attempts by outcome.
	// Outcomes: released, payment_failed, ledger_pending.
	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agroclear",
			Name:      "milestone_releases_total",
			Help:      "Total milestone release attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// RefundsTotal counts refund attempts by outcome.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agroclear",
			Name:      "refunds_total",
			Help:      "Total refund attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// DisputesTotal counts disputes opened by category and priority.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agroclear",
			Name:      "disputes_total",
			Help:      "Total disputes opened by category and priority.",
		},
		[]string{"category", "priority"},
	)

	// ActiveWebSocketClients tracks live realtime connections.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agroclear",
			Name:      "websocket_clients",
			Help:      "Currently connected realtime WebSocket clients.",
		},
	)

	// PaymentCallsTotal counts payment gateway calls by provider and result.
	PaymentCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agroclear",
			Name:      "payment_calls_total",
			Help:      "Total payment gateway calls by provider and result.",
		},
		[]string{"provider", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ContractsTotal,
		ReleasesTotal,
		RefundsTotal,
		DisputesTotal,
		ActiveWebSocketClients,
		PaymentCallsTotal,
	)
}

// Middleware returns a gin middleware recording request counts and latency.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := statusLabel(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusLabel(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
