package approval

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for approvals.
type Metrics struct {
	RequestsTotal  prometheus.Counter
	DecisionsTotal *prometheus.CounterVec
	WaitSeconds    *prometheus.HistogramVec
	Pending        prometheus.Gauge
}

// NewMetrics registers the approval metrics once per process.
//
//   - flowd_approval_requests_total
//   - flowd_approval_decisions_total{status}
//   - flowd_approval_wait_seconds{status}
//   - flowd_approval_pending
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "flowd_approval_requests_total",
				Help: "Total number of approval requests created",
			}),
			DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "flowd_approval_decisions_total",
				Help: "Total number of approval decisions by outcome",
			}, []string{"status"}),
			WaitSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "flowd_approval_wait_seconds",
				Help:    "Time from request to decision",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1s to ~4.5h
			}, []string{"status"}),
			Pending: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "flowd_approval_pending",
				Help: "Approval requests currently pending",
			}),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordRequest(pending bool) {
	m.RequestsTotal.Inc()
	if pending {
		m.Pending.Inc()
	}
}

func (m *Metrics) recordDecision(status Status, waitSeconds float64, wasPending bool) {
	m.DecisionsTotal.WithLabelValues(string(status)).Inc()
	m.WaitSeconds.WithLabelValues(string(status)).Observe(waitSeconds)
	if wasPending {
		m.Pending.Dec()
	}
}
