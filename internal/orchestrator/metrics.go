package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/flowd/internal/execution"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the engine.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge
	StepsTotal        *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
}

// NewMetrics registers the engine metrics once per process.
//
//   - flowd_executions_total{status}
//   - flowd_execution_duration_seconds{status}
//   - flowd_executions_active
//   - flowd_steps_total{status}
//   - flowd_step_duration_seconds{agent}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "flowd_executions_total",
				Help: "Finished executions by terminal status",
			}, []string{"status"}),
			ExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "flowd_execution_duration_seconds",
				Help:    "Wall time of finished executions",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 10), // 100ms to ~7h
			}, []string{"status"}),
			ActiveExecutions: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "flowd_executions_active",
				Help: "Executions currently running or awaiting approval",
			}),
			StepsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "flowd_steps_total",
				Help: "Settled steps by outcome",
			}, []string{"status"}),
			StepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "flowd_step_duration_seconds",
				Help:    "Executor time per step",
				Buckets: prometheus.DefBuckets,
			}, []string{"agent"}),
		}
	})
	return globalMetrics
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

func (m *Metrics) runFinished(status execution.Status, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
	m.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	m.ExecutionDuration.WithLabelValues(string(status)).Observe(seconds)
}

func (m *Metrics) stepSettled(status execution.StepStatus, agent string, seconds float64) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(string(status)).Inc()
	if status != execution.StepSkipped {
		if agent == "" {
			agent = "default"
		}
		m.StepDuration.WithLabelValues(agent).Observe(seconds)
	}
}
