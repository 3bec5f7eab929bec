package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidPeriod is returned for a report period outside the supported set.
var ErrInvalidPeriod = errors.New("retention: invalid report period")

var reportPeriods = map[string]time.Duration{
	"7d":   7 * 24 * time.Hour,
	"30d":  30 * 24 * time.Hour,
	"90d":  90 * 24 * time.Hour,
	"365d": 365 * 24 * time.Hour,
}

// OperationSummary aggregates purge operations completed in the window.
type OperationSummary struct {
	Total      int                 `json:"total"`
	ByStatus   map[string]int      `json:"by_status"`
	ByMethod   map[PurgeMethod]int `json:"by_method"`
	Processed  int                 `json:"processed"`
	Purged     int                 `json:"purged"`
	Failed     int                 `json:"failed"`
	Skipped    int                 `json:"skipped"`
	TotalSize  int64               `json:"total_size"`
	Unverified []uuid.UUID         `json:"unverified"`
}

// PendingSummary describes the candidates found by the last scan that have
// not been purged yet.
type PendingSummary struct {
	Total     int            `json:"total"`
	ByRisk    map[Risk]int   `json:"by_risk"`
	ByRule    map[string]int `json:"by_rule"`
	TotalSize int64          `json:"total_size"`
	ScannedAt *time.Time     `json:"scanned_at,omitempty"`
}

// Report is a retention compliance snapshot.
type Report struct {
	Period      string           `json:"period"`
	Since       time.Time        `json:"since"`
	Until       time.Time        `json:"until"`
	GeneratedAt time.Time        `json:"generated_at"`
	Rules       int              `json:"rules"`
	Operations  OperationSummary `json:"operations"`
	Pending     PendingSummary   `json:"pending"`
	LegalHolds  []LegalHold      `json:"legal_holds"`
}

// GenerateReport aggregates operations over the period ending now, the
// current pending candidates and the active legal holds. Supported periods
// are 7d, 30d, 90d and 365d.
func (s *Service) GenerateReport(ctx context.Context, period string) (*Report, error) {
	window, ok := reportPeriods[period]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	until := s.now().UTC()
	since := until.Add(-window)

	ops, err := s.ops.ListOperations(ctx, since, until.Add(time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("retention: report: list operations: %w", err)
	}

	r := &Report{
		Period:      period,
		Since:       since,
		Until:       until,
		GeneratedAt: until,
		Rules:       len(s.rules),
		Operations:  summarizeOperations(ops),
		LegalHolds:  s.holds.Active(),
	}

	pending, scannedAt := s.Pending()
	r.Pending = PendingSummary{
		Total:  len(pending),
		ByRisk: riskCounts(pending),
		ByRule: make(map[string]int),
	}
	for _, c := range pending {
		r.Pending.ByRule[c.RuleName]++
		r.Pending.TotalSize += c.EstimatedSize
	}
	if !scannedAt.IsZero() {
		r.Pending.ScannedAt = &scannedAt
	}
	return r, nil
}

func summarizeOperations(ops []*PurgeOperation) OperationSummary {
	sum := OperationSummary{
		ByStatus:   make(map[string]int),
		ByMethod:   make(map[PurgeMethod]int),
		Unverified: []uuid.UUID{},
	}
	for _, op := range ops {
		sum.Total++
		sum.ByStatus[string(op.Status)]++
		if op.Method != "" {
			sum.ByMethod[op.Method]++
		}
		sum.Processed += op.Processed
		sum.Purged += op.Purged
		sum.Failed += op.Failed
		sum.Skipped += op.Skipped
		sum.TotalSize += op.TotalSize
		if !op.Verify() {
			sum.Unverified = append(sum.Unverified, op.ID)
		}
	}
	return sum
}

func riskCounts(candidates []PurgeCandidate) map[Risk]int {
	counts := map[Risk]int{RiskLow: 0, RiskMedium: 0, RiskHigh: 0}
	for _, c := range candidates {
		counts[c.Risk]++
	}
	return counts
}
