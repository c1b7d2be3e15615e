// Package metrics holds the Prometheus collectors for outbound Doudian calls
// and token lifecycle activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

const namespace = "doudian"

// Metrics is a set of collectors registered on one registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	attempts     *prometheus.CounterVec
	retries      *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	refreshes    *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	sweeps       prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_attempts_total",
				Help:      "Total number of API call attempts by path and outcome",
			},
			[]string{"path", "outcome"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_retries_total",
				Help:      "Total number of retried API calls by path and reason",
			},
			[]string{"path", "reason"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Latency of single API attempts in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		refreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Total number of token refreshes by profile and result",
			},
			[]string{"profile", "result"},
		),
		breakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		sweeps: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_sweeps_total",
				Help:      "Total number of background refresh sweeps",
			},
		),
	}
}

// ObserveAttempt records one attempt against path.
func (m *Metrics) ObserveAttempt(path, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(path, outcome).Inc()
	m.latency.WithLabelValues(path).Observe(d.Seconds())
}

// IncRetry records a retry decision.
func (m *Metrics) IncRetry(path, reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(path, reason).Inc()
}

// IncRefresh records a refresh outcome.
func (m *Metrics) IncRefresh(profile, result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(profile, result).Inc()
}

// IncSweep records a background sweep.
func (m *Metrics) IncSweep() {
	if m == nil {
		return
	}
	m.sweeps.Inc()
}

// SetBreakerState records the state of a named breaker.
func (m *Metrics) SetBreakerState(name string, state gobreaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(stateToFloat(state))
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
