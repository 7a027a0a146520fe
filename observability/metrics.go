package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "xswap"

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics

	reservationMetricsOnce sync.Once
	reservationRegistry    *ReservationMetrics

	supervisorMetricsOnce sync.Once
	supervisorRegistry    *SupervisorMetrics

	adapterMetricsOnce sync.Once
	adapterRegistry    *AdapterMetrics
)

// EngineMetrics captures swap engine operation outcomes and state transitions.
type EngineMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	escalations prometheus.Counter
}

// Engine returns the singleton metrics registry for the atomic swap engine.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "requests_total",
				Help:      "Count of swap engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for swap engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Count of swap engine failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Count of swap status transitions.",
			}, []string{"from", "to"}),
			escalations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "rollback_escalations_total",
				Help:      "Count of rollbacks that exhausted their refund attempts and raised an operator alert.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.requests,
			engineRegistry.latency,
			engineRegistry.errors,
			engineRegistry.transitions,
			engineRegistry.escalations,
		)
	})
	return engineRegistry
}

// Observe records the execution metrics for a swap engine operation.
func (m *EngineMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := labelOperation(operation)
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, errorReason(err)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordTransition increments the transition counter for a status change.
func (m *EngineMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(strings.ToLower(from), strings.ToLower(to)).Inc()
}

// RecordEscalation counts a rollback escalation.
func (m *EngineMetrics) RecordEscalation() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

// ReservationMetrics wraps collectors tracking balance reservations.
type ReservationMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	held     *prometheus.GaugeVec
	swept    *prometheus.CounterVec
}

// Reservations exposes the metrics registry for the reservation ledger.
func Reservations() *ReservationMetrics {
	reservationMetricsOnce.Do(func() {
		reservationRegistry = &ReservationMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reservations",
				Name:      "requests_total",
				Help:      "Count of reservation operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reservations",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for reservation operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reservations",
				Name:      "errors_total",
				Help:      "Count of reservation failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			held: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reservations",
				Name:      "held_amount",
				Help:      "Sum of active soft holds per ledger and asset in base units.",
			}, []string{"ledger", "asset"}),
			swept: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reservations",
				Name:      "swept_total",
				Help:      "Count of reservations processed by the expiry sweep segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			reservationRegistry.requests,
			reservationRegistry.latency,
			reservationRegistry.errors,
			reservationRegistry.held,
			reservationRegistry.swept,
		)
	})
	return reservationRegistry
}

// Observe records the execution metrics for a reservation operation.
func (m *ReservationMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := labelOperation(operation)
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, errorReason(err)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordHeld updates the held amount gauge for a ledger asset.
func (m *ReservationMetrics) RecordHeld(ledger, asset string, held *big.Int) {
	if m == nil {
		return
	}
	m.held.WithLabelValues(strings.TrimSpace(ledger), labelAsset(asset)).Set(bigToFloat(held))
}

// RecordSweep counts a reservation handled by the expiry sweep.
func (m *ReservationMetrics) RecordSweep(result string) {
	if m == nil {
		return
	}
	if result = strings.TrimSpace(result); result == "" {
		result = "unknown"
	}
	m.swept.WithLabelValues(result).Inc()
}

// SupervisorMetrics bundles collectors for the timeout supervisor loop.
type SupervisorMetrics struct {
	tickLatency prometheus.Histogram
	processed   *prometheus.CounterVec
	pending     prometheus.Gauge
}

// Supervisor returns the metrics registry for the timeout supervisor.
func Supervisor() *SupervisorMetrics {
	supervisorMetricsOnce.Do(func() {
		supervisorRegistry = &SupervisorMetrics{
			tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "tick_duration_seconds",
				Help:      "Latency distribution for supervisor sweeps.",
				Buckets:   prometheus.DefBuckets,
			}),
			processed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "swaps_processed_total",
				Help:      "Count of swaps evaluated by the supervisor segmented by outcome.",
			}, []string{"outcome"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "supervisor",
				Name:      "non_terminal_swaps",
				Help:      "Number of non-terminal swaps observed on the most recent sweep.",
			}),
		}
		prometheus.MustRegister(
			supervisorRegistry.tickLatency,
			supervisorRegistry.processed,
			supervisorRegistry.pending,
		)
	})
	return supervisorRegistry
}

// RecordTick records a completed sweep.
func (m *SupervisorMetrics) RecordTick(duration time.Duration, pending int) {
	if m == nil {
		return
	}
	m.tickLatency.Observe(duration.Seconds())
	m.pending.Set(float64(pending))
}

// RecordSwap counts the outcome of supervising a single swap.
func (m *SupervisorMetrics) RecordSwap(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.processed.WithLabelValues(outcome).Inc()
}

// AdapterMetrics tracks ledger adapter calls.
type AdapterMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	retries *prometheus.CounterVec
}

// Adapters exposes the metrics registry for ledger adapter calls.
func Adapters() *AdapterMetrics {
	adapterMetricsOnce.Do(func() {
		adapterRegistry = &AdapterMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "Count of ledger adapter calls segmented by chain, method and outcome.",
			}, []string{"chain", "method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for ledger adapter calls.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}, []string{"chain", "method"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "retries_total",
				Help:      "Count of retried ledger adapter calls.",
			}, []string{"method"}),
		}
		prometheus.MustRegister(adapterRegistry.calls, adapterRegistry.latency, adapterRegistry.retries)
	})
	return adapterRegistry
}

// ObserveCall records a single adapter round trip.
func (m *AdapterMetrics) ObserveCall(chain, method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	chain = strings.TrimSpace(chain)
	if chain == "" {
		chain = "unknown"
	}
	m.calls.WithLabelValues(chain, labelOperation(method), outcome).Inc()
	m.latency.WithLabelValues(chain, labelOperation(method)).Observe(duration.Seconds())
}

// RecordRetry counts a retry for the supplied method.
func (m *AdapterMetrics) RecordRetry(method string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(labelOperation(method)).Inc()
}

func labelOperation(op string) string {
	trimmed := strings.TrimSpace(op)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

// errorReason keeps the label set bounded by using the outermost error prefix.
func errorReason(err error) string {
	if err == nil {
		return ""
	}
	reason := strings.TrimSpace(err.Error())
	if head, _, found := strings.Cut(reason, ":"); found {
		reason = strings.TrimSpace(head)
	}
	if reason == "" {
		return "unknown"
	}
	return reason
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
