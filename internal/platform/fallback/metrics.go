package fallback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the fallback chain.
type Metrics struct {
	Enqueued     *prometheus.CounterVec
	QueueDepth   prometheus.Gauge
	Retried      prometheus.Counter
	Requeued     prometheus.Counter
	DeadLettered prometheus.Counter
	Replayed     prometheus.Counter
}

// NewMetrics creates the fallback metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_fallback_enqueued_total",
			Help: "Total number of audit events captured by the fallback chain, by tier",
		}, []string{"tier"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "compliance_fallback_queue_depth",
			Help: "Current depth of the secondary fallback queue",
		}),
		Retried: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_fallback_retried_total",
			Help: "Total number of queued events successfully moved to the primary store",
		}),
		Requeued: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_fallback_requeued_total",
			Help: "Total number of queued events returned to the queue after a failed retry",
		}),
		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_fallback_dead_lettered_total",
			Help: "Total number of queue entries moved to the dead letter file",
		}),
		Replayed: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_fallback_replayed_total",
			Help: "Total number of file-sunk events replayed into the primary store",
		}),
	}
}
