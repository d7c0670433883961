package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	processed    *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	conflicts    prometheus.Counter
	backpressure prometheus.Counter
	expired      prometheus.Counter
	inFlight     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "passline",
			Name:      "actions_processed_total",
			Help:      "Claimed actions by type and outcome.",
		}, []string{"action_type", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "passline",
			Name:      "action_duration_seconds",
			Help:      "Executor wall time per claimed action.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"action_type"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "passline",
			Name:      "action_claim_conflicts_total",
			Help:      "Claims lost to another worker holding the lease.",
		}),
		backpressure: f.NewCounter(prometheus.CounterOpts{
			Namespace: "passline",
			Name:      "scheduler_backpressure_total",
			Help:      "Iterations cut short because no pool connection was available.",
		}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: "passline",
			Name:      "actions_expired_total",
			Help:      "Pending actions cancelled by the expiry sweeper.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "passline",
			Name:      "actions_in_flight",
			Help:      "Actions currently executing in this process.",
		}),
	}
}
