// Package metrics provides Prometheus instrumentation for the terminal.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satspos",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "satspos",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// InvoicesTotal counts invoice lifecycle outcomes by terminal status.
	InvoicesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satspos",
			Name:      "invoices_total",
			Help:      "Invoices by final status (settled, cancelled, expired, failed).",
		},
		[]string{"status"},
	)

	// DetectionsTotal counts settlement observations by channel.
	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satspos",
			Name:      "detections_total",
			Help:      "Settlement observations by channel (push, poll, nfc).",
		},
		[]string{"channel"},
	)

	// DuplicateDetectionsTotal counts observations suppressed by the
	// at-most-once guard.
	DuplicateDetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satspos",
			Name:      "duplicate_detections_total",
			Help:      "Settlement observations dropped by the dedupe guard, by channel.",
		},
		[]string{"channel"},
	)

	// PushReconnectsTotal counts push-channel reconnect attempts.
	PushReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "satspos",
			Name:      "push_reconnects_total",
			Help:      "Push channel reconnect attempts.",
		},
	)

	// PollChecksTotal counts focus-regain poll checks by result.
	PollChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satspos",
			Name:      "poll_checks_total",
			Help:      "Focus-regain payment checks by result (paid, unpaid, error).",
		},
		[]string{"result"},
	)

	// ForwardsTotal counts background forwarding calls by result.
	ForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satspos",
			Name:      "forwards_total",
			Help:      "Background forwarding calls by result (ok, error).",
		},
		[]string{"result"},
	)

	// NFCTapsTotal counts boltcard taps by outcome.
	NFCTapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satspos",
			Name:      "nfc_taps_total",
			Help:      "NFC tag reads by outcome (submitted, ignored, busy, error).",
		},
		[]string{"outcome"},
	)

	// ActiveWebSocketClients tracks connected front-end event subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "satspos",
			Name:      "websocket_clients",
			Help:      "Currently connected front-end event stream clients.",
		},
	)

	// RateRefreshesTotal counts exchange-rate refreshes by result.
	RateRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "satspos",
			Name:      "rate_refreshes_total",
			Help:      "Exchange rate refreshes by result (ok, error).",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		InvoicesTotal,
		DetectionsTotal,
		DuplicateDetectionsTotal,
		PushReconnectsTotal,
		PollChecksTotal,
		ForwardsTotal,
		NFCTapsTotal,
		ActiveWebSocketClients,
		RateRefreshesTotal,
	)
}

// GinMiddleware records request counts and latencies.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics scrape handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
