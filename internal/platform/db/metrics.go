package db

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPoolMetrics exposes connection pool gauges, sampled from stats on
// every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, stats func() *PoolStats) error {
	gauges := []struct {
		name, help string
		value      func(*PoolStats) float64
	}{
		{"compliance_db_pool_total_conns", "Open database connections",
			func(s *PoolStats) float64 { return float64(s.TotalConns) }},
		{"compliance_db_pool_idle_conns", "Idle database connections",
			func(s *PoolStats) float64 { return float64(s.IdleConns) }},
		{"compliance_db_pool_acquired_conns", "Database connections in use",
			func(s *PoolStats) float64 { return float64(s.AcquiredConns) }},
		{"compliance_db_pool_max_conns", "Configured connection limit",
			func(s *PoolStats) float64 { return float64(s.MaxConns) }},
	}
	for _, g := range gauges {
		value := g.value
		err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: g.name,
			Help: g.help,
		}, func() float64 { return value(stats()) }))
		if err != nil {
			return err
		}
	}
	return nil
}
