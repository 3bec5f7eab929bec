package audit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPeriod is returned for a metrics period outside the supported set.
var ErrInvalidPeriod = errors.New("audit: invalid metrics period")

var metricPeriods = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

// Penalties subtracted from a perfect score of 100.
var severityPenalty = map[RiskLevel]float64{
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     5,
	RiskCritical: 10,
}

const deniedRatioPenalty = 20

// ComplianceMetrics is an aggregate snapshot over a time window.
type ComplianceMetrics struct {
	Period               string         `json:"period"`
	TenantID             string         `json:"tenant_id,omitempty"`
	Since                time.Time      `json:"since"`
	Until                time.Time      `json:"until"`
	TotalEvents          int            `json:"total_events"`
	PHIAccesses          int            `json:"phi_accesses"`
	UnauthorizedAttempts int            `json:"unauthorized_attempts"`
	HighRiskEvents       int            `json:"high_risk_events"`
	AvgDurationMS        float64        `json:"avg_duration_ms"`
	Violations           int            `json:"violations"`
	CriticalViolations   int            `json:"critical_violations"`
	ViolationsBySeverity map[string]int `json:"violations_by_severity"`
	ComplianceScore      float64        `json:"compliance_score"`
}

// GetComplianceMetrics aggregates stored events and violations over the
// period ending now. Supported periods are 24h, 7d, 30d and 90d.
func (s *Service) GetComplianceMetrics(ctx context.Context, period, tenantID string) (*ComplianceMetrics, error) {
	window, ok := metricPeriods[period]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	until := s.now().UTC()
	since := until.Add(-window)
	f := Filter{TenantID: tenantID, Since: since, Until: until.Add(time.Nanosecond)}

	events, err := s.store.ListEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit: metrics: list events: %w", err)
	}
	violations, err := s.store.ListViolations(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit: metrics: list violations: %w", err)
	}

	m := summarize(events, violations)
	m.Period = period
	m.TenantID = tenantID
	m.Since = since
	m.Until = until
	return m, nil
}

func summarize(events []*Event, violations []*Violation) *ComplianceMetrics {
	m := &ComplianceMetrics{ViolationsBySeverity: map[string]int{}}

	var totalDuration int64
	denied := 0
	for _, e := range events {
		m.TotalEvents++
		totalDuration += e.DurationMS
		if e.Type.IsPHI() {
			m.PHIAccesses++
		}
		if e.Outcome == OutcomeDenied {
			denied++
			m.UnauthorizedAttempts++
		}
		if e.RiskLevel >= RiskHigh {
			m.HighRiskEvents++
		}
	}
	if m.TotalEvents > 0 {
		m.AvgDurationMS = float64(totalDuration) / float64(m.TotalEvents)
	}

	score := 100.0
	for _, v := range violations {
		m.Violations++
		m.ViolationsBySeverity[v.Severity.String()]++
		if v.Severity == RiskCritical {
			m.CriticalViolations++
		}
		score -= severityPenalty[v.Severity]
	}
	if m.TotalEvents > 0 {
		score -= float64(denied) / float64(m.TotalEvents) * deniedRatioPenalty
	}
	if score < 0 {
		score = 0
	}
	m.ComplianceScore = score
	return m
}
