package audit

import (
	"fmt"
	"strings"

	"github.com/ehr/compliance/internal/platform/hipaa"
)

// RiskThresholds are the score cut points separating the four risk levels.
// A score at or above a cut point takes that level.
type RiskThresholds struct {
	Medium   float64
	High     float64
	Critical float64
}

// DefaultRiskThresholds returns the stock cut points.
func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{Medium: 0.30, High: 0.55, Critical: 0.75}
}

// Validate checks that the cut points are positive and strictly increasing.
func (t RiskThresholds) Validate() error {
	if t.Medium <= 0 || t.Medium >= t.High || t.High >= t.Critical {
		return fmt.Errorf("risk thresholds must satisfy 0 < medium < high < critical, got %.2f/%.2f/%.2f",
			t.Medium, t.High, t.Critical)
	}
	return nil
}

// Weights applied by RiskScorer. Every term is non-negative so adding a
// failure outcome, PHI elements or volume can never lower the score.
const (
	weightHighCategory   = 0.4
	weightMediumCategory = 0.2
	weightLowCategory    = 0.1

	weightAdminRole    = 0.2
	weightClinicalRole = 0.1
	weightOtherRole    = 0.05

	weightFailedOutcome = 0.15

	weightSensitivePHI = 0.08
	weightOtherPHI     = 0.04
	maxPHIWeight       = 0.3

	volumeLargeThreshold = 100
	volumeBulkThreshold  = 1000
	weightLargeVolume    = 0.1
	weightBulkVolume     = 0.2
)

var highRiskTypes = map[EventType]bool{
	EventPHIExport:     true,
	EventPHIPrint:      true,
	EventPHIDelete:     true,
	EventFailedLogin:   true,
	EventAdminAction:   true,
	EventBulkOperation: true,
}

var mediumRiskTypes = map[EventType]bool{
	EventPHIAccess: true,
	EventPHICreate: true,
	EventPHIUpdate: true,
}

var adminRoles = map[string]bool{
	"admin":              true,
	"super_admin":        true,
	"system_admin":       true,
	"compliance_officer": true,
}

var clinicalRoles = map[string]bool{
	"physician":    true,
	"doctor":       true,
	"nurse":        true,
	"clinician":    true,
	"practitioner": true,
	"pharmacist":   true,
}

// RiskInput is the subset of an event that drives its risk score.
type RiskInput struct {
	Type        EventType
	ActorRole   string
	Outcome     Outcome
	PHIElements []string
	RecordCount int
}

// RiskScorer maps events to a weighted score and an ordered risk level. It is
// a pure function of its inputs.
type RiskScorer struct {
	thresholds RiskThresholds
}

// NewRiskScorer creates a scorer with the given cut points.
func NewRiskScorer(t RiskThresholds) RiskScorer {
	return RiskScorer{thresholds: t}
}

// Score returns the weighted sum and the level it maps to.
func (s RiskScorer) Score(in RiskInput) (float64, RiskLevel) {
	score := categoryWeight(in.Type) + roleWeight(in.ActorRole)

	if in.Outcome.Failed() {
		score += weightFailedOutcome
	}

	phi := 0.0
	for _, el := range in.PHIElements {
		if hipaa.TierFor(hipaa.PHIType(el)) != hipaa.TierStandard {
			phi += weightSensitivePHI
		} else {
			phi += weightOtherPHI
		}
	}
	if phi > maxPHIWeight {
		phi = maxPHIWeight
	}
	score += phi

	switch {
	case in.RecordCount > volumeBulkThreshold:
		score += weightBulkVolume
	case in.RecordCount > volumeLargeThreshold:
		score += weightLargeVolume
	}

	return score, s.Level(score)
}

// Level maps a score onto the configured cut points.
func (s RiskScorer) Level(score float64) RiskLevel {
	switch {
	case score >= s.thresholds.Critical:
		return RiskCritical
	case score >= s.thresholds.High:
		return RiskHigh
	case score >= s.thresholds.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

func categoryWeight(t EventType) float64 {
	switch {
	case highRiskTypes[t]:
		return weightHighCategory
	case mediumRiskTypes[t]:
		return weightMediumCategory
	default:
		return weightLowCategory
	}
}

func roleWeight(role string) float64 {
	r := strings.ToLower(strings.TrimSpace(role))
	switch {
	case adminRoles[r]:
		return weightAdminRole
	case clinicalRoles[r]:
		return weightClinicalRole
	default:
		return weightOtherRole
	}
}
