package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StakingMetrics instruments the staking engine. It satisfies staking.Metrics.
type StakingMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	contention  *prometheus.CounterVec
	distributed *prometheus.CounterVec
}

// HTTPMetrics instruments the stakingd HTTP surface.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	stakingMetricsOnce sync.Once
	stakingRegistry    *StakingMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// Staking returns the lazily registered staking engine metrics.
func Staking() *StakingMetrics {
	stakingMetricsOnce.Do(func() {
		stakingRegistry = &StakingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "riffstake",
				Subsystem: "staking",
				Name:      "operations_total",
				Help:      "Staking operations segmented by operation and outcome code.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "riffstake",
				Subsystem: "staking",
				Name:      "operation_duration_seconds",
				Help:      "Latency of staking operations including lock waits and retries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			contention: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "riffstake",
				Subsystem: "staking",
				Name:      "contention_retries_total",
				Help:      "Retries caused by busy positions or version conflicts.",
			}, []string{"operation"}),
			distributed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "riffstake",
				Subsystem: "staking",
				Name:      "royalties_distributed_total",
				Help:      "Royalty pool amounts segmented by asset and whether they were credited or left unallocated.",
			}, []string{"asset", "kind"}),
		}
		prometheus.MustRegister(
			stakingRegistry.operations,
			stakingRegistry.latency,
			stakingRegistry.contention,
			stakingRegistry.distributed,
		)
	})
	return stakingRegistry
}

// ObserveOperation records the outcome and latency of one engine call.
func (m *StakingMetrics) ObserveOperation(op, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "success"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordContention counts one contention retry.
func (m *StakingMetrics) RecordContention(op string) {
	if m == nil {
		return
	}
	m.contention.WithLabelValues(op).Inc()
}

// RecordDistribution adds a settled revenue event to the royalty counters.
func (m *StakingMetrics) RecordDistribution(assetID string, credited, unallocated float64) {
	if m == nil {
		return
	}
	if assetID == "" {
		assetID = "unknown"
	}
	if credited > 0 {
		m.distributed.WithLabelValues(assetID, "credited").Add(credited)
	}
	if unallocated > 0 {
		m.distributed.WithLabelValues(assetID, "unallocated").Add(unallocated)
	}
}

// HTTP returns the lazily registered HTTP metrics.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "riffstake",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route pattern, method and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "riffstake",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution of HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "riffstake",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limiting.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency, httpRegistry.throttles)
	})
	return httpRegistry
}

// Observe records one served request.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle counts a rejected request.
func (m *HTTPMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}
