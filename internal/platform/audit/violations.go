package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// bulkRecordThreshold is the record count above which an export or bulk
// operation must state a reason.
const bulkRecordThreshold = 1000

// DetectViolations scans a durably stored batch for policy breaches.
func DetectViolations(batch []*Event, now time.Time) []*Violation {
	var out []*Violation
	for _, e := range batch {
		if e.Outcome == OutcomeDenied && (e.Type.IsPHI() || e.Type == EventSystemAccess) {
			out = append(out, newViolation(e, ViolationUnauthorizedAccess, RiskHigh, now,
				fmt.Sprintf("actor %s (%s) was denied %s on %s", e.ActorID, e.ActorRole, e.Type, e.Resource)))
		}
		if (e.Type == EventBulkOperation || e.Type == EventPHIExport) &&
			e.RecordCount > bulkRecordThreshold && e.Reason == "" {
			out = append(out, newViolation(e, ViolationUnjustifiedBulk, RiskMedium, now,
				fmt.Sprintf("actor %s performed %s over %d records without a stated reason", e.ActorID, e.Type, e.RecordCount)))
		}
	}
	return out
}

func newViolation(e *Event, c ViolationCategory, sev RiskLevel, now time.Time, desc string) *Violation {
	return &Violation{
		ID:          uuid.New(),
		EventID:     e.ID,
		Category:    c,
		Severity:    sev,
		Description: desc,
		Status:      ViolationOpen,
		TenantID:    e.TenantID,
		DetectedAt:  now,
	}
}
