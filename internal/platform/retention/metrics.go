package retention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the retention engine.
type Metrics struct {
	Scans             prometheus.Counter
	HeldExclusions    prometheus.Counter
	PendingCandidates *prometheus.GaugeVec
	Purged            *prometheus.CounterVec
	Failed            *prometheus.CounterVec
	Skipped           *prometheus.CounterVec
	Operations        *prometheus.CounterVec
}

// NewMetrics creates the retention metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Scans: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_retention_scans_total",
			Help: "Total number of retention scans run",
		}),
		HeldExclusions: f.NewCounter(prometheus.CounterOpts{
			Name: "compliance_retention_held_exclusions_total",
			Help: "Total number of eligible records excluded from scans by a legal hold",
		}),
		PendingCandidates: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "compliance_retention_pending_candidates",
			Help: "Purge candidates found by the last scan, by risk",
		}, []string{"risk"}),
		Purged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_retention_purged_total",
			Help: "Total number of records purged, by method",
		}, []string{"method"}),
		Failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_retention_purge_failures_total",
			Help: "Total number of failed purges, by method",
		}, []string{"method"}),
		Skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_retention_skipped_total",
			Help: "Total number of candidates skipped during purge, by reason",
		}, []string{"reason"}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_retention_operations_total",
			Help: "Total number of sealed purge operations, by status",
		}, []string{"status"}),
	}
}
