package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the audit trail.
type Metrics struct {
	EventsLogged     *prometheus.CounterVec
	EventsFlushed    prometheus.Counter
	FlushFailures    prometheus.Counter
	ImmediateFlushes prometheus.Counter
	FallbackHandoffs prometheus.Counter
	Violations       *prometheus.CounterVec
	BufferDepth      prometheus.Gauge
}

// NewMetrics creates the audit metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsLogged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_audit_events_logged_total",
			Help: "Total number of audit events accepted, by event type and risk level",
		}, []string{"event_type", "risk_level"}),
		EventsFlushed: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_audit_events_flushed_total",
			Help: "Total number of audit events written to the primary store",
		}),
		FlushFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_audit_flush_failures_total",
			Help: "Total number of failed batch writes to the primary store",
		}),
		ImmediateFlushes: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_audit_immediate_flushes_total",
			Help: "Total number of high-risk events flushed outside the periodic schedule",
		}),
		FallbackHandoffs: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_audit_fallback_handoffs_total",
			Help: "Total number of events handed to the durability fallback chain",
		}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_audit_violations_total",
			Help: "Total number of compliance violations detected, by category",
		}, []string{"category"}),
		BufferDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "compliance_audit_buffer_depth",
			Help: "Number of audit events waiting in the in-memory buffer",
		}),
	}
}
