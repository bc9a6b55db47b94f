package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	crankMetricsOnce sync.Once
	crankRegistry    *CrankMetrics
)

// RPC returns the lazily-initialised registry recording JSON-RPC activity.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "haggle",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "haggle",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "haggle",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "haggle",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of a JSON-RPC call. code is the JSON-RPC error
// code, zero on success.
func (m *rpcMetrics) Observe(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(method, strconv.Itoa(code)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *rpcMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// CrankMetrics tracks the background expiry worker.
type CrankMetrics struct {
	sweeps   prometheus.Counter
	expired  prometheus.Counter
	failures prometheus.Counter
	backlog  prometheus.Gauge
}

// Crank returns the singleton registry for the expiry cranker.
func Crank() *CrankMetrics {
	crankMetricsOnce.Do(func() {
		crankRegistry = &CrankMetrics{
			sweeps: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "haggle",
				Subsystem: "cranker",
				Name:      "sweeps_total",
				Help:      "Number of overdue negotiation scans.",
			}),
			expired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "haggle",
				Subsystem: "cranker",
				Name:      "expired_total",
				Help:      "Negotiations expired by the cranker.",
			}),
			failures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "haggle",
				Subsystem: "cranker",
				Name:      "failures_total",
				Help:      "Expiry attempts that returned an error.",
			}),
			backlog: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "haggle",
				Subsystem: "cranker",
				Name:      "backlog",
				Help:      "Overdue negotiations found by the last scan.",
			}),
		}
		prometheus.MustRegister(
			crankRegistry.sweeps,
			crankRegistry.expired,
			crankRegistry.failures,
			crankRegistry.backlog,
		)
	})
	return crankRegistry
}

// RecordSweep records one scan that found backlog overdue negotiations.
func (m *CrankMetrics) RecordSweep(backlog int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.backlog.Set(float64(backlog))
}

// RecordExpired increments the expired counter.
func (m *CrankMetrics) RecordExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

// RecordFailure increments the failure counter.
func (m *CrankMetrics) RecordFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}
