package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/compliance/internal/platform/audit"
)

// accessEventTypes are the audited operations that count as the subject's
// data being in use.
var accessEventTypes = []audit.EventType{
	audit.EventPHIAccess,
	audit.EventPHICreate,
	audit.EventPHIUpdate,
	audit.EventPHIExport,
	audit.EventPHIPrint,
	audit.EventAppointmentView,
}

// BusinessSignals answers the billing and scheduling questions. The record
// stores implement it.
type BusinessSignals interface {
	HasUnresolvedBalance(ctx context.Context, subjectID string) (bool, error)
	HasFutureRelationship(ctx context.Context, subjectID string, now time.Time) (bool, error)
}

// Signals combines the audit trail, for recent access, with the business
// data, for balances and upcoming appointments.
type Signals struct {
	events   audit.Store
	business BusinessSignals
}

func NewSignals(events audit.Store, business BusinessSignals) *Signals {
	return &Signals{events: events, business: business}
}

func (s *Signals) RecentlyAccessed(ctx context.Context, subjectID string, since time.Time) (bool, error) {
	events, err := s.events.ListEvents(ctx, audit.Filter{
		SubjectID: subjectID,
		Types:     accessEventTypes,
		Since:     since,
		Limit:     1,
	})
	if err != nil {
		return false, fmt.Errorf("retention: access history for %s: %w", subjectID, err)
	}
	return len(events) > 0, nil
}

func (s *Signals) HasUnresolvedBalance(ctx context.Context, subjectID string) (bool, error) {
	return s.business.HasUnresolvedBalance(ctx, subjectID)
}

func (s *Signals) HasFutureRelationship(ctx context.Context, subjectID string, now time.Time) (bool, error) {
	return s.business.HasFutureRelationship(ctx, subjectID, now)
}
