package retention

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Risk is the purge risk assessment of a candidate.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

func (r Risk) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	}
	// High, and anything unrecognised.
	return 2
}

// RiskSignals records which of the independent risk signals fired.
type RiskSignals struct {
	RecentAccess       bool `json:"recent_access"`
	UnresolvedBalance  bool `json:"unresolved_balance"`
	FutureRelationship bool `json:"future_relationship"`
}

func (s RiskSignals) count() int {
	n := 0
	for _, b := range []bool{s.RecentAccess, s.UnresolvedBalance, s.FutureRelationship} {
		if b {
			n++
		}
	}
	return n
}

// Assess maps the number of signals to a risk: none is low, one is medium,
// two or more is high.
func (s RiskSignals) Assess() Risk {
	switch s.count() {
	case 0:
		return RiskLow
	case 1:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// PurgeCandidate is a record eligible under a rule.
type PurgeCandidate struct {
	Collection     string         `json:"collection"`
	RecordID       string         `json:"record_id"`
	SubjectID      string         `json:"subject_id,omitempty"`
	Classification Classification `json:"classification"`
	RuleName       string         `json:"rule_name"`
	Method         PurgeMethod    `json:"method"`
	LastActivity   time.Time      `json:"last_activity"`
	EligibleAt     time.Time      `json:"eligible_at"`
	Risk           Risk           `json:"risk"`
	Signals        RiskSignals    `json:"signals"`
	EstimatedSize  int64          `json:"estimated_size"`
}

func (c PurgeCandidate) key() string {
	return c.Collection + "/" + c.RecordID
}

// SkipReason explains why a candidate was not purged.
type SkipReason string

const (
	SkipLegalHold        SkipReason = "legal_hold"
	SkipHighRisk         SkipReason = "high_risk"
	SkipApprovalRequired SkipReason = "approval_required"
	SkipUnknownRule      SkipReason = "unknown_rule"
	SkipRuleMismatch     SkipReason = "rule_mismatch"
	SkipNotEligible      SkipReason = "not_eligible"
	SkipNotPHI           SkipReason = "crypto_destroy_requires_phi"
)

// SkippedCandidate pairs a candidate with the reason it was skipped.
type SkippedCandidate struct {
	Candidate PurgeCandidate `json:"candidate"`
	Reason    SkipReason     `json:"reason"`
}

// FailedCandidate is a candidate whose purge was attempted and failed.
type FailedCandidate struct {
	Candidate PurgeCandidate `json:"candidate"`
	Error     string         `json:"error"`
}

// OperationStatus is the lifecycle state of a purge operation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// MethodMixed labels an operation whose candidates used more than one method.
const MethodMixed PurgeMethod = "mixed"

// PurgeOperation is the persisted record of one ExecutePurge call.
type PurgeOperation struct {
	ID               uuid.UUID       `json:"id"`
	InitiatedBy      string          `json:"initiated_by"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      time.Time       `json:"completed_at"`
	Status           OperationStatus `json:"status"`
	Method           PurgeMethod     `json:"method"`
	Processed        int             `json:"processed"`
	Purged           int             `json:"purged"`
	Failed           int             `json:"failed"`
	Skipped          int             `json:"skipped"`
	TotalSize        int64           `json:"total_size"`
	Approvers        []string        `json:"approvers"`
	VerificationHash string          `json:"verification_hash"`
}

// ComputeVerificationHash returns the hex SHA-256 of
// "id|initiator|purged|completed_at".
func ComputeVerificationHash(op *PurgeOperation) string {
	payload := strings.Join([]string{
		op.ID.String(),
		op.InitiatedBy,
		strconv.Itoa(op.Purged),
		op.CompletedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the operation still matches its seal.
func (op *PurgeOperation) Verify() bool {
	return op.VerificationHash != "" && op.VerificationHash == ComputeVerificationHash(op)
}

// PurgeResult is what ExecutePurge returns.
type PurgeResult struct {
	Operation *PurgeOperation    `json:"operation"`
	Skipped   []SkippedCandidate `json:"skipped"`
	Failures  []FailedCandidate  `json:"failures,omitempty"`
}
