package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrEventNotFound is returned when an event id is not in the store.
var ErrEventNotFound = errors.New("audit: event not found")

// Filter narrows event and violation queries. Zero values match everything.
type Filter struct {
	TenantID  string
	ActorID   string
	SubjectID string
	Types     []EventType
	Outcome   Outcome
	MinRisk   *RiskLevel
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Store is the primary durable sink for audit events. InsertEvents must be
// idempotent per event id so at-least-once redelivery from the fallback chain
// does not duplicate rows. InsertViolations keeps at most one violation per
// event and category.
type Store interface {
	InsertEvents(ctx context.Context, events []*Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)
	ListEvents(ctx context.Context, f Filter) ([]*Event, error)
	InsertViolations(ctx context.Context, violations []*Violation) error
	ListViolations(ctx context.Context, f Filter) ([]*Violation, error)
}

func (f Filter) matches(e *Event) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.MinRisk != nil && e.RiskLevel < *f.MinRisk {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return inWindow(e.Timestamp, f.Since, f.Until)
}

func inWindow(ts, since, until time.Time) bool {
	if !since.IsZero() && ts.Before(since) {
		return false
	}
	if !until.IsZero() && !ts.Before(until) {
		return false
	}
	return true
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
