package observability

import (
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record query
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "p2pescrow",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "p2pescrow",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "p2pescrow",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "p2pescrow",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// EscrowMetrics tracks dispatched messages and the ledger aggregates.
type EscrowMetrics struct {
	messages    *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	applyTime   *prometheus.HistogramVec
	pool        prometheus.Gauge
	dealCounter prometheus.Gauge
	ufLive      prometheus.Gauge
	ufFree      prometheus.Gauge
}

// Escrow returns the lazily-initialised dispatcher metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "p2pescrow",
				Subsystem: "dispatcher",
				Name:      "messages_total",
				Help:      "Inbound messages segmented by op and outcome.",
			}, []string{"op", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "p2pescrow",
				Subsystem: "dispatcher",
				Name:      "rejections_total",
				Help:      "Rejected messages segmented by result code.",
			}, []string{"code"}),
			applyTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "p2pescrow",
				Subsystem: "dispatcher",
				Name:      "apply_duration_seconds",
				Help:      "Time spent decoding, applying and committing a message.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			}, []string{"op"}),
			pool: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "p2pescrow",
				Subsystem: "ledger",
				Name:      "commissions_pool",
				Help:      "Commission pool balance in base units.",
			}),
			dealCounter: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "p2pescrow",
				Subsystem: "ledger",
				Name:      "deal_counter",
				Help:      "Number of deals ever created.",
			}),
			ufLive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "p2pescrow",
				Subsystem: "ledger",
				Name:      "quarantine_live",
				Help:      "Live unknown-funds records.",
			}),
			ufFree: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "p2pescrow",
				Subsystem: "ledger",
				Name:      "quarantine_free",
				Help:      "Reclaimed unknown-funds keys awaiting reuse.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.messages,
			escrowRegistry.rejections,
			escrowRegistry.applyTime,
			escrowRegistry.pool,
			escrowRegistry.dealCounter,
			escrowRegistry.ufLive,
			escrowRegistry.ufFree,
		)
	})
	return escrowRegistry
}

// ObserveMessage records one dispatched message. A zero code is a success.
func (m *EscrowMetrics) ObserveMessage(op string, code uint32, duration time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	outcome := "committed"
	if code != 0 {
		outcome = "rejected"
		m.rejections.WithLabelValues(strconv.FormatUint(uint64(code), 10)).Inc()
	}
	m.messages.WithLabelValues(op, outcome).Inc()
	m.applyTime.WithLabelValues(op).Observe(duration.Seconds())
}

// SetLedger publishes the ledger aggregates. The pool is reported as a float
// and loses precision above 2^53 base units.
func (m *EscrowMetrics) SetLedger(pool *big.Int, dealCounter, live, free uint32) {
	if m == nil {
		return
	}
	if pool != nil {
		value, _ := new(big.Float).SetInt(pool).Float64()
		m.pool.Set(value)
	}
	m.dealCounter.Set(float64(dealCounter))
	m.ufLive.Set(float64(live))
	m.ufFree.Set(float64(free))
}
