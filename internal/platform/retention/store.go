package retention

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound is returned when a purge targets a record that no longer
// exists or was already soft-deleted.
var ErrRecordNotFound = errors.New("retention: record not found")

// Record is one row matched by a rule's eligibility query.
type Record struct {
	Collection    string    `json:"collection"`
	ID            string    `json:"id"`
	SubjectID     string    `json:"subject_id,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
	EstimatedSize int64     `json:"estimated_size"`
}

// ArchiveInfo is stored with an archived record.
type ArchiveInfo struct {
	RuleName    string
	OperationID string
	ArchivedAt  time.Time
}

// RecordStore is the business data the rules apply to. Every query skips
// soft-deleted rows, and every mutation affects exactly one record and is
// atomic on its own.
type RecordStore interface {
	// FindEligible returns live records of the rule's collection whose date
	// column is before cutoff and which match every rule condition.
	FindEligible(ctx context.Context, rule Rule, cutoff time.Time) ([]Record, error)
	// Lookup applies the same eligibility test to a single record. ok is
	// false when the record is gone or no longer qualifies.
	Lookup(ctx context.Context, rule Rule, id string, cutoff time.Time) (rec Record, ok bool, err error)
	SoftDelete(ctx context.Context, collection, id string, at time.Time) error
	HardDelete(ctx context.Context, collection, id string) error
	// Archive copies the record into long-term storage and removes it.
	Archive(ctx context.Context, collection, id string, info ArchiveInfo) error
	// CryptoDestroy discards the record's key material, then deletes it.
	CryptoDestroy(ctx context.Context, collection, id string) error
	// Anonymize overwrites the given fields with their replacement markers
	// and stamps anonymized_at so anonymize rules do not pick the row again.
	Anonymize(ctx context.Context, collection, id string, replacements map[string]string, at time.Time) error
}

// SignalSource answers the questions behind a candidate's risk assessment.
type SignalSource interface {
	RecentlyAccessed(ctx context.Context, subjectID string, since time.Time) (bool, error)
	HasUnresolvedBalance(ctx context.Context, subjectID string) (bool, error)
	HasFutureRelationship(ctx context.Context, subjectID string, now time.Time) (bool, error)
}

// HoldStore persists legal holds.
type HoldStore interface {
	ListHolds(ctx context.Context) ([]LegalHold, error)
	InsertHold(ctx context.Context, h LegalHold) error
	DeleteHold(ctx context.Context, subjectID string) error
}

// OperationStore persists sealed purge operations.
type OperationStore interface {
	InsertOperation(ctx context.Context, op *PurgeOperation) error
	ListOperations(ctx context.Context, since, until time.Time) ([]*PurgeOperation, error)
}
