// Package audit records a risk-scored, tamper-evident trail of every
// PHI-relevant operation. Events are buffered in memory and written to the
// primary store in batches; high and critical risk events are written
// immediately. When the primary store is unavailable events are handed to a
// Fallback so that no event is lost.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/compliance/internal/platform/hipaa"
)

// EventType is the closed set of auditable operation categories.
type EventType string

const (
	EventPHIAccess             EventType = "phi_access"
	EventPHICreate             EventType = "phi_create"
	EventPHIUpdate             EventType = "phi_update"
	EventPHIDelete             EventType = "phi_delete"
	EventPHIExport             EventType = "phi_export"
	EventPHIPrint              EventType = "phi_print"
	EventLogin                 EventType = "login"
	EventLogout                EventType = "logout"
	EventFailedLogin           EventType = "failed_login"
	EventAppointmentBook       EventType = "appointment_book"
	EventAppointmentCancel     EventType = "appointment_cancel"
	EventAppointmentReschedule EventType = "appointment_reschedule"
	EventAppointmentView       EventType = "appointment_view"
	EventPatientSearch         EventType = "patient_search"
	EventReportGeneration      EventType = "report_generation"
	EventSystemAccess          EventType = "system_access"
	EventAdminAction           EventType = "admin_action"
	EventBackup                EventType = "backup"
	EventRestore               EventType = "restore"
	EventBulkOperation         EventType = "bulk_operation"
)

var validEventTypes = map[EventType]bool{
	EventPHIAccess: true, EventPHICreate: true, EventPHIUpdate: true, EventPHIDelete: true,
	EventPHIExport: true, EventPHIPrint: true, EventLogin: true, EventLogout: true,
	EventFailedLogin: true, EventAppointmentBook: true, EventAppointmentCancel: true,
	EventAppointmentReschedule: true, EventAppointmentView: true, EventPatientSearch: true,
	EventReportGeneration: true, EventSystemAccess: true, EventAdminAction: true,
	EventBackup: true, EventRestore: true, EventBulkOperation: true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return validEventTypes[t]
}

// IsPHI reports whether the event type touches PHI directly.
func (t EventType) IsPHI() bool {
	return strings.HasPrefix(string(t), "phi_")
}

// Outcome is the result of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial, OutcomeDenied, OutcomeError:
		return true
	}
	return false
}

// Failed reports whether the outcome counts against the actor when scoring
// risk.
func (o Outcome) Failed() bool {
	return o == OutcomeFailure || o == OutcomeDenied || o == OutcomeError
}

// RiskLevel is an ordered severity classification.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskLevelNames = [...]string{"low", "medium", "high", "critical"}

func (r RiskLevel) String() string {
	if r < RiskLow || r > RiskCritical {
		return fmt.Sprintf("RiskLevel(%d)", int(r))
	}
	return riskLevelNames[r]
}

// ParseRiskLevel converts a level name back to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	for i, name := range riskLevelNames {
		if name == s {
			return RiskLevel(i), nil
		}
	}
	return RiskLow, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = lvl
	return nil
}

// Event is one audited operation. Once durably stored it is never updated
// or deleted. Metadata holds the decrypted open map and is never persisted;
// the stored form is EncryptedMetadata.
type Event struct {
	ID                uuid.UUID             `json:"id"`
	Timestamp         time.Time             `json:"timestamp"`
	Type              EventType             `json:"event_type"`
	ActorID           string                `json:"actor_id"`
	ActorRole         string                `json:"actor_role"`
	SubjectID         string                `json:"subject_id,omitempty"`
	Outcome           Outcome               `json:"outcome"`
	RiskLevel         RiskLevel             `json:"risk_level"`
	RiskScore         float64               `json:"risk_score"`
	Resource          string                `json:"resource"`
	Origin            string                `json:"origin,omitempty"`
	UserAgent         string                `json:"user_agent,omitempty"`
	SessionID         string                `json:"session_id,omitempty"`
	TenantID          string                `json:"tenant_id,omitempty"`
	Reason            string                `json:"reason,omitempty"`
	PHIElements       []string              `json:"phi_elements,omitempty"`
	RecordCount       int                   `json:"record_count"`
	DurationMS        int64                 `json:"duration_ms"`
	Metadata          map[string]any        `json:"-"`
	EncryptedMetadata *hipaa.EncryptedField `json:"encrypted_metadata,omitempty"`
	Hash              string                `json:"hash"`
}

// hashPayload lists the fields covered by the integrity hash. Metadata is
// covered through a digest of its sealed form, which binds the ciphertext to
// this event.
type hashPayload struct {
	ID          string   `json:"id"`
	Timestamp   string   `json:"timestamp"`
	Type        string   `json:"event_type"`
	ActorID     string   `json:"actor_id"`
	ActorRole   string   `json:"actor_role"`
	SubjectID   string   `json:"subject_id"`
	Outcome     string   `json:"outcome"`
	RiskLevel   string   `json:"risk_level"`
	RiskScore   string   `json:"risk_score"`
	Resource    string   `json:"resource"`
	Origin      string   `json:"origin"`
	UserAgent   string   `json:"user_agent"`
	SessionID   string   `json:"session_id"`
	TenantID    string   `json:"tenant_id"`
	Reason      string   `json:"reason"`
	PHIElements []string `json:"phi_elements"`
	RecordCount int      `json:"record_count"`
	DurationMS  int64    `json:"duration_ms"`
	Metadata    string   `json:"metadata"`
}

// ComputeHash returns the hex SHA-256 of the event's canonical JSON form.
func ComputeHash(e *Event) (string, error) {
	elements := append([]string(nil), e.PHIElements...)
	sort.Strings(elements)
	if elements == nil {
		elements = []string{}
	}

	data, err := json.Marshal(hashPayload{
		ID:          e.ID.String(),
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		Type:        string(e.Type),
		ActorID:     e.ActorID,
		ActorRole:   e.ActorRole,
		SubjectID:   e.SubjectID,
		Outcome:     string(e.Outcome),
		RiskLevel:   e.RiskLevel.String(),
		RiskScore:   strconv.FormatFloat(e.RiskScore, 'g', -1, 64),
		Resource:    e.Resource,
		Origin:      e.Origin,
		UserAgent:   e.UserAgent,
		SessionID:   e.SessionID,
		TenantID:    e.TenantID,
		Reason:      e.Reason,
		PHIElements: elements,
		RecordCount: e.RecordCount,
		DurationMS:  e.DurationMS,
		Metadata:    metadataDigest(e.EncryptedMetadata),
	})
	if err != nil {
		return "", fmt.Errorf("audit: marshal event for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// metadataDigest is the hex SHA-256 of the sealed metadata's ciphertext,
// key and checksums, or empty when the event has no metadata.
func metadataDigest(f *hipaa.EncryptedField) string {
	if f == nil {
		return ""
	}
	h := sha256.New()
	for _, part := range []string{
		f.Ciphertext, string(f.Tier), string(f.PHIType), f.KeyID,
		f.Algorithm, f.Checksum, f.IntegrityTag, f.KeyHint,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHash reports whether the stored hash matches a fresh computation.
func VerifyHash(e *Event) bool {
	h, err := ComputeHash(e)
	if err != nil {
		return false
	}
	return h == e.Hash
}

// Clone returns a copy that shares no mutable state with e.
func (e *Event) Clone() *Event {
	c := *e
	c.PHIElements = append([]string(nil), e.PHIElements...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.EncryptedMetadata != nil {
		m := *e.EncryptedMetadata
		c.EncryptedMetadata = &m
	}
	return &c
}

// ViolationCategory classifies a compliance violation.
type ViolationCategory string

const (
	ViolationUnauthorizedAccess ViolationCategory = "unauthorized_access_attempt"
	ViolationUnjustifiedBulk    ViolationCategory = "unjustified_bulk_operation"
)

// ViolationStatus tracks review state.
type ViolationStatus string

const (
	ViolationOpen   ViolationStatus = "open"
	ViolationClosed ViolationStatus = "closed"
)

// Violation is a derived record flagging a suspicious event. It is only
// created after the referenced event has been durably stored.
type Violation struct {
	ID          uuid.UUID         `json:"id"`
	EventID     uuid.UUID         `json:"event_id"`
	Category    ViolationCategory `json:"category"`
	Severity    RiskLevel         `json:"severity"`
	Description string            `json:"description"`
	Status      ViolationStatus   `json:"status"`
	TenantID    string            `json:"tenant_id,omitempty"`
	DetectedAt  time.Time         `json:"detected_at"`
}
