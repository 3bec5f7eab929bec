package retention

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/audit"
	"github.com/ehr/compliance/internal/platform/hipaa"
)

const day = 24 * time.Hour

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var officer = Actor{ID: "officer-1", Role: "compliance_officer"}

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.EventInput
}

func (a *recordingAuditor) LogEvent(_ context.Context, in audit.EventInput) (uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, in)
	return uuid.New(), nil
}

func (a *recordingAuditor) ofType(t audit.EventType) []audit.EventInput {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.EventInput
	for _, e := range a.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// cancellingAuditor cancels the purge context after the first audited purge.
type cancellingAuditor struct {
	recordingAuditor
	cancel context.CancelFunc
}

func (a *cancellingAuditor) LogEvent(ctx context.Context, in audit.EventInput) (uuid.UUID, error) {
	id, err := a.recordingAuditor.LogEvent(ctx, in)
	a.cancel()
	return id, err
}

type stubSignals struct {
	access  map[string]bool
	balance map[string]bool
	future  map[string]bool
	err     error
}

func newStubSignals() *stubSignals {
	return &stubSignals{access: map[string]bool{}, balance: map[string]bool{}, future: map[string]bool{}}
}

func (s *stubSignals) RecentlyAccessed(_ context.Context, subjectID string, _ time.Time) (bool, error) {
	return s.access[subjectID], s.err
}

func (s *stubSignals) HasUnresolvedBalance(_ context.Context, subjectID string) (bool, error) {
	return s.balance[subjectID], s.err
}

func (s *stubSignals) HasFutureRelationship(_ context.Context, subjectID string, _ time.Time) (bool, error) {
	return s.future[subjectID], s.err
}

type fixture struct {
	svc     *Service
	records *MemoryRecordStore
	holds   *MemoryHoldStore
	ops     *MemoryOperationStore
	signals *stubSignals
	auditor *recordingAuditor
}

func newFixture(t *testing.T, rules ...Rule) *fixture {
	t.Helper()
	a := &recordingAuditor{}
	f := buildFixture(t, a, nil, rules...)
	f.auditor = a
	return f
}

func buildFixture(t *testing.T, auditor Auditor, m *Metrics, rules ...Rule) *fixture {
	t.Helper()
	f := &fixture{
		records: NewMemoryRecordStore(),
		holds:   NewMemoryHoldStore(),
		ops:     NewMemoryOperationStore(),
		signals: newStubSignals(),
	}
	reg := NewHoldRegistry(f.holds)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	opts := []Option{WithClock(func() time.Time { return testNow })}
	if m != nil {
		opts = append(opts, WithMetrics(m))
	}
	svc, err := NewService(rules, f.records, f.signals, reg, f.ops, auditor, testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) putNote(id, subject string, age time.Duration) {
	f.records.Put("notes", id, Row{
		"patient_id": subject,
		"created_at": testNow.Add(-age),
		"first_name": "Ada",
		"body":       "follow-up in two weeks",
	})
}

// shortRule makes records in "notes" eligible 30 days after creation.
func shortRule(name string, method PurgeMethod) Rule {
	class := ClassTemporary
	if method == MethodCryptoDestroy {
		class = ClassPHI
	}
	return Rule{
		Name:           name,
		Classification: class,
		GraceDays:      30,
		Method:         method,
		Collection:     "notes",
		DateColumn:     "created_at",
	}
}

func TestNewService_Validation(t *testing.T) {
	mem := NewMemoryRecordStore()
	reg := NewHoldRegistry(NewMemoryHoldStore())
	ops := NewMemoryOperationStore()
	a := &recordingAuditor{}

	if _, err := NewService(nil, nil, newStubSignals(), reg, ops, a, testLogger()); err == nil {
		t.Error("expected error for missing record store")
	}
	if _, err := NewService(nil, mem, newStubSignals(), reg, ops, nil, testLogger()); err == nil {
		t.Error("expected error for missing auditor")
	}
	dup := []Rule{shortRule("a", MethodHardDelete), shortRule("a", MethodArchive)}
	if _, err := NewService(dup, mem, newStubSignals(), reg, ops, a, testLogger()); err == nil {
		t.Error("expected error for duplicate rule names")
	}
	bad := shortRule("bad", MethodHardDelete)
	bad.Collection = "notes; drop table x"
	if _, err := NewService([]Rule{bad}, mem, newStubSignals(), reg, ops, a, testLogger()); err == nil {
		t.Error("expected error for invalid collection")
	}
	if _, err := NewService(DefaultRules(), mem, newStubSignals(), reg, ops, a, testLogger()); err != nil {
		t.Errorf("default rules rejected: %v", err)
	}
}

func TestPurge_EachMethod(t *testing.T) {
	ctx := context.Background()
	methods := []PurgeMethod{MethodSoftDelete, MethodHardDelete, MethodArchive, MethodCryptoDestroy, MethodAnonymize}

	for _, m := range methods {
		t.Run(string(m), func(t *testing.T) {
			f := newFixture(t, shortRule("short", m))
			f.putNote("n1", "p1", 40*day)
			f.putNote("n2", "p2", 10*day)
			if err := f.records.PutRecordKey(ctx, "notes", "n1", hipaa.WrappedKey{KeyID: "record_key-v1", Wrapped: "x"}); err != nil {
				t.Fatal(err)
			}

			cands, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
			if err != nil {
				t.Fatal(err)
			}
			if len(cands) != 1 || cands[0].RecordID != "n1" {
				t.Fatalf("expected only n1 eligible, got %+v", cands)
			}
			c := cands[0]
			if c.Risk != RiskLow {
				t.Errorf("expected low risk, got %s", c.Risk)
			}
			if want := testNow.Add(-10 * day); !c.EligibleAt.Equal(want) {
				t.Errorf("eligible at %v, want %v", c.EligibleAt, want)
			}
			if c.EstimatedSize <= 0 {
				t.Errorf("expected a size estimate, got %d", c.EstimatedSize)
			}

			res, err := f.svc.ExecutePurge(ctx, PurgeRequest{Candidates: cands, Initiator: officer})
			if err != nil {
				t.Fatal(err)
			}
			op := res.Operation
			if op.Status != StatusCompleted || op.Processed != 1 || op.Purged != 1 || op.Failed != 0 {
				t.Fatalf("unexpected operation %+v", op)
			}
			if op.Method != m {
				t.Errorf("method %s, want %s", op.Method, m)
			}
			if !op.Verify() {
				t.Error("operation seal does not verify")
			}

			again, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
			if err != nil {
				t.Fatal(err)
			}
			if len(again) != 0 {
				t.Errorf("purged record still eligible: %+v", again)
			}

			row, exists := f.records.Get("notes", "n1")
			switch m {
			case MethodSoftDelete:
				if !exists || row["deleted_at"] != testNow || row["first_name"] != "Ada" {
					t.Errorf("soft delete should keep content and mark deleted_at, got %v", row)
				}
			case MethodHardDelete:
				if exists {
					t.Error("hard delete left the row")
				}
			case MethodArchive:
				if exists {
					t.Error("archive left the original row")
				}
				arch := f.records.Archived()
				if len(arch) != 1 || arch[0].Info.OperationID != op.ID.String() || arch[0].Info.RuleName != "short" {
					t.Fatalf("unexpected archive %+v", arch)
				}
				if arch[0].Data["first_name"] != "Ada" {
					t.Error("archive should copy the record content")
				}
			case MethodCryptoDestroy:
				if exists {
					t.Error("crypto destroy left the row")
				}
				if f.records.HasKey("notes", "n1") {
					t.Error("crypto destroy left the key material")
				}
			case MethodAnonymize:
				if !exists {
					t.Fatal("anonymize removed the row")
				}
				if row["first_name"] != hipaa.RedactionMarker(hipaa.PHITypeName) {
					t.Errorf("first_name = %v, want redaction marker", row["first_name"])
				}
				if row["body"] != "follow-up in two weeks" {
					t.Error("anonymize should leave non-PHI fields intact")
				}
			}

			if _, ok := f.records.Get("notes", "n2"); !ok {
				t.Error("ineligible record was touched")
			}

			deletes := f.auditor.ofType(audit.EventPHIDelete)
			if len(deletes) != 1 {
				t.Fatalf("expected 1 audited purge, got %d", len(deletes))
			}
			ev := deletes[0]
			if ev.Metadata["operation_id"] != op.ID.String() {
				t.Errorf("audit metadata operation_id = %v", ev.Metadata["operation_id"])
			}
			if ev.ActorID != officer.ID || ev.ActorRole != officer.Role || ev.SubjectID != "p1" {
				t.Errorf("unexpected audit identity %+v", ev)
			}
			if ev.Outcome != audit.OutcomeSuccess || ev.Reason != "retention rule short" {
				t.Errorf("unexpected audit outcome %s reason %q", ev.Outcome, ev.Reason)
			}

			stored, err := f.ops.ListOperations(ctx, testNow.Add(-time.Hour), testNow.Add(time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			if len(stored) != 1 || stored[0].ID != op.ID || !stored[0].Verify() {
				t.Fatalf("operation not persisted intact: %+v", stored)
			}
		})
	}
}

func testEngine(t *testing.T) *hipaa.Engine {
	t.Helper()
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		t.Fatal(err)
	}
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	e, err := hipaa.NewEngine(&hipaa.KeyMaterial{MasterKey: master, PrivateKey: priv}, testLogger(), hipaa.WithKDFIterations(1000))
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestCryptoDestroy_LeavesCopiesUnrecoverable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shortRule("destroy", MethodCryptoDestroy))
	engine := testEngine(t)

	row := Row{"patient_id": "p1", "created_at": testNow.Add(-40 * day), "first_name": "Ada", "ssn": "123-45-6789"}
	sealed, err := engine.SealRecord(ctx, f.records, "notes", "n1", row, map[string]hipaa.PHIType{
		"first_name": hipaa.PHITypeName,
		"ssn":        hipaa.PHITypeSSN,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.records.Put("notes", "n1", sealed)
	// A backup taken before the purge.
	backup := copyRow(sealed)

	if _, err := engine.OpenRecord(ctx, f.records, "notes", "n1", backup); err != nil {
		t.Fatalf("backup should open while the key exists: %v", err)
	}

	cands, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.ExecutePurge(ctx, PurgeRequest{Candidates: cands, Initiator: officer, Approvers: []string{"privacy-officer"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Operation.Purged != 1 {
		t.Fatalf("expected crypto destroy, got %+v", res.Operation)
	}
	if f.records.HasKey("notes", "n1") {
		t.Fatal("record key survived crypto destroy")
	}
	if _, err := engine.OpenRecord(ctx, f.records, "notes", "n1", backup); !errors.Is(err, hipaa.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey for the backup copy, got %v", err)
	}
	if _, err := engine.DecryptRecord(backup); !errors.Is(err, hipaa.ErrUnknownKey) {
		t.Fatalf("type-wide keys must not open a destroyed record, got %v", err)
	}
}

func TestScan_LegalHoldExcludesUntilReleased(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	a := &recordingAuditor{}
	f := buildFixture(t, a, m, shortRule("short", MethodHardDelete))
	f.putNote("n1", "patient-x", 40*day)
	f.putNote("n2", "patient-y", 40*day)

	if _, err := f.svc.PlaceHold(ctx, "patient-x", "litigation 2026-114", officer); err != nil {
		t.Fatal(err)
	}
	cands, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].SubjectID != "patient-y" {
		t.Fatalf("held subject should be excluded, got %+v", cands)
	}
	if got := testutil.ToFloat64(m.HeldExclusions); got != 1 {
		t.Errorf("held exclusions = %v, want 1", got)
	}

	if err := f.svc.ReleaseHold(ctx, "patient-x", "case closed", officer); err != nil {
		t.Fatal(err)
	}
	cands, err = f.svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("released subject should be eligible again, got %+v", cands)
	}
	if got := testutil.ToFloat64(m.Scans); got != 2 {
		t.Errorf("scans = %v, want 2", got)
	}

	admin := a.ofType(audit.EventAdminAction)
	if len(admin) != 2 {
		t.Fatalf("expected 2 audited hold changes, got %d", len(admin))
	}
	if admin[0].Metadata["action"] != "legal_hold_place" || admin[1].Metadata["action"] != "legal_hold_release" {
		t.Errorf("unexpected hold audit actions %v, %v", admin[0].Metadata, admin[1].Metadata)
	}
	if admin[1].Reason != "case closed" {
		t.Errorf("release reason = %q", admin[1].Reason)
	}
}

func TestScan_HoldExemptRuleIgnoresHolds(t *testing.T) {
	ctx := context.Background()
	r := shortRule("short", MethodArchive)
	r.HoldExempt = true
	f := newFixture(t, r)
	f.putNote("n1", "p1", 40*day)
	if _, err := f.svc.PlaceHold(ctx, "p1", "litigation", officer); err != nil {
		t.Fatal(err)
	}

	cands, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 {
		t.Fatalf("hold-exempt rule should include held subject, got %d", len(cands))
	}
	res, err := f.svc.ExecutePurge(ctx, PurgeRequest{Candidates: cands, Initiator: officer})
	if err != nil {
		t.Fatal(err)
	}
	if res.Operation.Purged != 1 {
		t.Errorf("expected purge of hold-exempt record, got %+v", res.Operation)
	}
}

func TestExecutePurge_HoldBlocksEvenWithForce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shortRule("short", MethodHardDelete))
	f.putNote("n1", "p1", 40*day)

	cands, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	// The hold arrives between scan and purge.
	if _, err := f.svc.PlaceHold(ctx, "p1", "subpoena", officer); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.ExecutePurge(ctx, PurgeRequest{Candidates: cands, Initiator: officer, Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Operation.Processed != 0 || res.Operation.Skipped != 1 {
		t.Fatalf("unexpected operation %+v", res.Operation)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipLegalHold {
		t.Fatalf("expected legal hold skip, got %+v", res.Skipped)
	}
	if _, ok := f.records.Get("notes", "n1"); !ok {
		t.Error("held record was purged")
	}
	if n := len(f.auditor.ofType(audit.EventPHIDelete)); n != 0 {
		t.Errorf("skipped candidates must not be audited as purges, got %d", n)
	}
}

func TestRiskSignals_Assess(t *testing.T) {
	tests := []struct {
		name string
		sig  RiskSignals
		want Risk
	}{
		{"none", RiskSignals{}, RiskLow},
		{"recent access", RiskSignals{RecentAccess: true}, RiskMedium},
		{"balance", RiskSignals{UnresolvedBalance: true}, RiskMedium},
		{"appointment", RiskSignals{FutureRelationship: true}, RiskMedium},
		{"two", RiskSignals{RecentAccess: true, FutureRelationship: true}, RiskHigh},
		{"all", RiskSignals{true, true, true}, RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sig.Assess(); got != tt.want {
				t.Errorf("Assess() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExecutePurge_HighRiskNeedsForce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shortRule("short", MethodHardDelete))
	f.putNote("n1", "p1", 40*day)
	f.signals.access["p1"] = true
	f.signals.balance["p1"] = true

	cands, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].Risk != RiskHigh {
		t.Fatalf("expected one high risk candidate, got %+v", cands)
	}
	if !cands[0].Signals.RecentAccess || !cands[0].Signals.UnresolvedBalance || cands[0].Signals.FutureRelationship {
		t.Errorf("unexpected signals %+v", cands[0].Signals)
	}

	res, err := f.svc.ExecutePurge(ctx, PurgeRequest{Candidates: cands, Initiator: officer})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipHighRisk {
		t.Fatalf("expected high risk skip, got %+v", res.Skipped)
	}

	res, err = f.svc.ExecutePurge(ctx, PurgeRequest{Candidates: cands, Initiator: officer, Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Operation.Purged != 1 {
		t.Fatalf("forced purge should proceed, got %+v", res.Operation)
	}
}

func TestExecutePurge_ReassessesClientRisk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shortRule("short", MethodHardDelete))
	f.putNote("n1", "p1", 40*day)

	cands, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	// The subject books an appointment and is seen after the scan.
	f.signals.access["p1"] = true
	f.signals.future["p1"] = true

	res, err := f.svc.ExecutePurge(ctx, PurgeRequest{Candidates: cands, Initiator: officer})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipHighRisk {
		t.Fatalf("expected stale low risk to be raised and skipped, got %+v", res.Skipped)
	}
	if res.Skipped[0].Candidate.Risk != RiskHigh {
		t.Errorf("skipped candidate risk = %s, want high", res.Skipped[0].Candidate.Risk)
	}
}

func TestScan_SignalErrorCountsAsPresent(t *testing.T) {
	f := newFixture(t, shortRule("short", MethodHardDelete))
	f.putNote("n1", "p1", 40*day)
	f.signals.err = errors.New("billing database unavailable")

	cands, err := f.svc.Scan(context.Background(), ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].Risk != RiskHigh {
		t.Fatalf("unavailable signals should assess high, got %+v", cands)
	}
}

func TestExecutePurge_ApprovalRequired(t *testing.T) {
	ctx := context.Background()
	r := shortRule("short", MethodCryptoDestroy)
	r.RequiresApproval = true
	f := newFixture(t, r)
	f.putNote("n1", "p1", 40*day)

	cands, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.ExecutePurge(ctx, PurgeRequest{Candidates: cands, Initiator: officer, Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipApprovalRequired {
		t.Fatalf("expected approval skip, got %+v", res.Skipped)
	}

	res, err = f.svc.ExecutePurge(ctx, PurgeRequest{
		Candidates: cands,
		Initiator:  officer,
		Approvers:  []string{"privacy-officer"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Operation.Purged != 1 {
		t.Fatalf("approved purge should proceed, got %+v", res.Operation)
	}
	if !reflect.DeepEqual(res.Operation.Approvers, []string{"privacy-officer"}) {
		t.Errorf("approvers = %v", res.Operation.Approvers)
	}
	deletes := f.auditor.ofType(audit.EventPHIDelete)
	if len(deletes) != 1 || deletes[0].Metadata["approvers"] == nil {
		t.Errorf("approvers missing from audit metadata: %+v", deletes)
	}
}

func TestExecutePurge_RejectsMismatchedCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shortRule("short", MethodHardDelete), shortRule("destroy", MethodCryptoDestroy))
	f.putNote("n1", "p1", 40*day)
	f.putNote("young", "p1", 2*day)

	base := PurgeCandidate{Collection: "notes", RecordID: "n1", SubjectID: "p1", Classification: ClassTemporary, Risk: RiskLow}

	unknown := base
	unknown.RuleName = "nope"
	moved := base
	moved.RuleName = "short"
	moved.Collection = "patients"
	notPHI := base
	notPHI.RuleName = "destroy"
	notPHI.Classification = ClassMedical
	young := base
	young.RuleName = "short"
	young.RecordID = "young"
	gone := base
	gone.RuleName = "short"
	gone.RecordID = "gone"

	res, err := f.svc.ExecutePurge(ctx, PurgeRequest{
		Candidates: []PurgeCandidate{unknown, moved, notPHI, young, gone},
		Initiator:  officer,
		Force:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []SkipReason{SkipUnknownRule, SkipRuleMismatch, SkipRuleMismatch, SkipNotEligible, SkipNotEligible}
	if len(res.Skipped) != len(want) {
		t.Fatalf("expected %d skips, got %+v", len(want), res.Skipped)
	}
	for i, r := range want {
		if res.Skipped[i].Reason != r {
			t.Errorf("skip %d reason = %s, want %s", i, res.Skipped[i].Reason, r)
		}
	}
	if res.Operation.Processed != 0 {
		t.Errorf("skipped candidates counted as processed: %+v", res.Operation)
	}
	for _, id := range []string{"n1", "young"} {
		if _, ok := f.records.Get("notes", id); !ok {
			t.Errorf("record %s purged through a mismatched candidate", id)
		}
	}
}

func TestExecutePurge_TakesSubjectFromStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shortRule("short", MethodHardDelete))
	f.putNote("n1", "p1", 40*day)
	f.putNote("n2", "p2", 40*day)
	f.signals.access["p2"] = true
	f.signals.balance["p2"] = true
	if _, err := f.svc.PlaceHold(ctx, "p1", "litigation", officer); err != nil {
		t.Fatal(err)
	}

	// A client leaves the subject out and claims low risk.
	submitted := []PurgeCandidate{
		{Collection: "notes", RecordID: "n1", RuleName: "short", Classification: ClassTemporary, Risk: RiskLow},
		{Collection: "notes", RecordID: "n2", RuleName: "short", Classification: ClassTemporary, Risk: RiskLow},
	}
	res, err := f.svc.ExecutePurge(ctx, PurgeRequest{Candidates: submitted, Initiator: officer})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 2 {
		t.Fatalf("expected both candidates skipped, got %+v", res.Skipped)
	}
	if res.Skipped[0].Reason != SkipLegalHold || res.Skipped[0].Candidate.SubjectID != "p1" {
		t.Errorf("n1: got %s for subject %q, want legal hold on p1", res.Skipped[0].Reason, res.Skipped[0].Candidate.SubjectID)
	}
	if res.Skipped[1].Reason != SkipHighRisk || res.Skipped[1].Candidate.Risk != RiskHigh {
		t.Errorf("n2: got %s at risk %s, want high risk skip", res.Skipped[1].Reason, res.Skipped[1].Candidate.Risk)
	}
	if res.Operation.Purged != 0 {
		t.Fatalf("nothing should be purged, got %+v", res.Operation)
	}
	for _, id := range []string{"n1", "n2"} {
		if _, ok := f.records.Get("notes", id); !ok {
			t.Errorf("record %s was purged", id)
		}
	}
}

// failingDeletes is a record store whose hard deletes always fail.
type failingDeletes struct {
	*MemoryRecordStore
}

func (failingDeletes) HardDelete(context.Context, string, string) error {
	return errors.New("disk full")
}

func TestExecutePurge_FailureIsAuditedAndCounted(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryRecordStore()
	mem.Put("notes", "n1", Row{"patient_id": "p1", "created_at": testNow.Add(-40 * day)})
	reg := NewHoldRegistry(NewMemoryHoldStore())
	a := &recordingAuditor{}
	svc, err := NewService([]Rule{shortRule("short", MethodHardDelete)}, failingDeletes{mem}, newStubSignals(), reg,
		NewMemoryOperationStore(), a, testLogger(), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatal(err)
	}

	cands, err := svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.ExecutePurge(ctx, PurgeRequest{Candidates: cands, Initiator: officer})
	if err != nil {
		t.Fatal(err)
	}
	op := res.Operation
	if op.Status != StatusFailed || op.Processed != 1 || op.Failed != 1 || op.Purged != 0 {
		t.Fatalf("unexpected operation %+v", op)
	}
	if len(res.Failures) != 1 || res.Failures[0].Error != "disk full" {
		t.Fatalf("expected one failure, got %+v", res.Failures)
	}
	deletes := a.ofType(audit.EventPHIDelete)
	if len(deletes) != 1 || deletes[0].Outcome != audit.OutcomeError || deletes[0].Metadata["error"] == nil {
		t.Fatalf("failed purge not audited as error: %+v", deletes)
	}
}

func TestExecutePurge_CancellationSealsOperation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := &cancellingAuditor{cancel: cancel}
	f := buildFixture(t, a, nil, shortRule("short", MethodHardDelete))
	f.putNote("n1", "p1", 40*day)
	f.putNote("n2", "p2", 40*day)

	cands, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.ExecutePurge(ctx, PurgeRequest{Candidates: cands, Initiator: officer})
	if err != nil {
		t.Fatal(err)
	}
	op := res.Operation
	if op.Status != StatusCancelled || op.Purged != 1 {
		t.Fatalf("unexpected operation %+v", op)
	}
	if _, ok := f.records.Get("notes", "n2"); !ok {
		t.Error("candidate after cancellation was purged")
	}
	stored, err := f.ops.ListOperations(context.Background(), testNow.Add(-time.Hour), testNow.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Status != StatusCancelled || !stored[0].Verify() {
		t.Fatalf("cancelled operation not persisted: %+v", stored)
	}
}

func TestExecutePurge_RequiresInitiator(t *testing.T) {
	f := newFixture(t, shortRule("short", MethodHardDelete))
	if _, err := f.svc.ExecutePurge(context.Background(), PurgeRequest{}); err == nil {
		t.Fatal("expected error without initiator")
	}
}

func TestVerificationHash(t *testing.T) {
	op := &PurgeOperation{
		ID:          uuid.New(),
		InitiatedBy: "officer-1",
		Purged:      12,
		CompletedAt: testNow,
	}
	op.VerificationHash = ComputeVerificationHash(op)
	if len(op.VerificationHash) != 64 {
		t.Fatalf("expected hex sha-256, got %q", op.VerificationHash)
	}
	if !op.Verify() {
		t.Fatal("fresh seal should verify")
	}

	// Fields outside the seal do not affect it.
	op.Failed = 3
	if !op.Verify() {
		t.Error("failed count is not part of the seal")
	}

	for name, tamper := range map[string]func(*PurgeOperation){
		"purged":    func(o *PurgeOperation) { o.Purged++ },
		"initiator": func(o *PurgeOperation) { o.InitiatedBy = "someone-else" },
		"completed": func(o *PurgeOperation) { o.CompletedAt = o.CompletedAt.Add(time.Microsecond) },
	} {
		t.Run(name, func(t *testing.T) {
			c := *op
			tamper(&c)
			if c.Verify() {
				t.Error("tampered operation still verifies")
			}
		})
	}
	if (&PurgeOperation{}).Verify() {
		t.Error("unsealed operation should not verify")
	}
}

func TestScan_DryRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shortRule("short", MethodHardDelete))
	f.putNote("n1", "p1", 40*day)
	f.putNote("n2", "p2", 50*day)
	f.signals.balance["p2"] = true

	first, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("dry runs differ:\n%+v\n%+v", first, second)
	}
	if pending, at := f.svc.Pending(); len(pending) != 0 || !at.IsZero() {
		t.Errorf("dry run changed the pending set: %v at %v", pending, at)
	}
	if _, ok := f.records.Get("notes", "n1"); !ok {
		t.Error("dry run modified records")
	}
}

func TestScan_UnknownRule(t *testing.T) {
	f := newFixture(t, shortRule("short", MethodHardDelete))
	_, err := f.svc.Scan(context.Background(), ScanOptions{Rules: []string{"short", "missing"}})
	if !errors.Is(err, ErrUnknownRule) {
		t.Fatalf("expected ErrUnknownRule, got %v", err)
	}
}

func TestScan_RuleFilterAndOrdering(t *testing.T) {
	ctx := context.Background()
	drafts := shortRule("drafts", MethodHardDelete)
	drafts.Collection = "drafts"
	f := newFixture(t, shortRule("short", MethodHardDelete), drafts)
	f.putNote("n2", "p1", 40*day)
	f.putNote("n1", "p1", 40*day)
	f.records.Put("drafts", "d1", Row{"patient_id": "p3", "created_at": testNow.Add(-60 * day)})

	all, err := f.svc.Scan(ctx, ScanOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, c := range all {
		got = append(got, c.RuleName+":"+c.RecordID)
	}
	if want := []string{"drafts:d1", "short:n1", "short:n2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("scan order = %v, want %v", got, want)
	}

	only, err := f.svc.Scan(ctx, ScanOptions{Rules: []string{"drafts"}, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(only) != 1 || only[0].RecordID != "d1" {
		t.Errorf("rule filter not applied: %+v", only)
	}
}

func TestGenerateReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, shortRule("short", MethodHardDelete))
	f.putNote("n1", "p1", 40*day)
	f.putNote("n2", "p2", 40*day)
	f.signals.future["p2"] = true
	if _, err := f.svc.PlaceHold(ctx, "p9", "audit request", officer); err != nil {
		t.Fatal(err)
	}

	cands, err := f.svc.Scan(ctx, ScanOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if pending, _ := f.svc.Pending(); len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if _, err := f.svc.ExecutePurge(ctx, PurgeRequest{Candidates: cands[:1], Initiator: officer}); err != nil {
		t.Fatal(err)
	}

	tampered := &PurgeOperation{
		ID:          uuid.New(),
		InitiatedBy: "officer-2",
		Status:      StatusCompleted,
		Purged:      3,
		CompletedAt: testNow.Add(-48 * time.Hour),
	}
	tampered.VerificationHash = ComputeVerificationHash(tampered)
	tampered.Purged = 30
	if err := f.ops.InsertOperation(ctx, tampered); err != nil {
		t.Fatal(err)
	}

	r, err := f.svc.GenerateReport(ctx, "30d")
	if err != nil {
		t.Fatal(err)
	}
	if r.Operations.Total != 2 || r.Operations.ByMethod[MethodHardDelete] != 1 {
		t.Errorf("unexpected operation summary %+v", r.Operations)
	}
	if r.Operations.ByStatus[string(StatusCompleted)] != 2 {
		t.Errorf("by status = %v", r.Operations.ByStatus)
	}
	if len(r.Operations.Unverified) != 1 || r.Operations.Unverified[0] != tampered.ID {
		t.Errorf("tampered operation not flagged: %v", r.Operations.Unverified)
	}
	if r.Pending.Total != 1 || r.Pending.ByRisk[RiskMedium] != 1 || r.Pending.ByRule["short"] != 1 {
		t.Errorf("unexpected pending summary %+v", r.Pending)
	}
	if _, ok := r.Pending.ByRisk[RiskHigh]; !ok {
		t.Error("risk buckets should always be present")
	}
	if r.Pending.ScannedAt == nil || !r.Pending.ScannedAt.Equal(testNow) {
		t.Errorf("scanned at = %v", r.Pending.ScannedAt)
	}
	if len(r.LegalHolds) != 1 || r.LegalHolds[0].SubjectID != "p9" {
		t.Errorf("legal holds = %+v", r.LegalHolds)
	}
	if r.Rules != 1 || !r.Until.Equal(testNow) || !r.Since.Equal(testNow.Add(-30*day)) {
		t.Errorf("unexpected report window %+v", r)
	}

	short, err := f.svc.GenerateReport(ctx, "7d")
	if err != nil {
		t.Fatal(err)
	}
	if short.Operations.Total != 2 {
		t.Errorf("7d report should include both operations, got %d", short.Operations.Total)
	}

	if _, err := f.svc.GenerateReport(ctx, "2w"); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("expected ErrInvalidPeriod, got %v", err)
	}
}

func TestRunAutomated_OnlyLowRiskWithoutApproval(t *testing.T) {
	ctx := context.Background()
	gated := shortRule("gated", MethodArchive)
	gated.Collection = "drafts"
	gated.RequiresApproval = true
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	a := &recordingAuditor{}
	f := buildFixture(t, a, m, shortRule("short", MethodHardDelete), gated)

	f.putNote("n1", "p1", 40*day)
	f.putNote("n2", "p2", 40*day)
	f.signals.balance["p2"] = true
	f.records.Put("drafts", "d1", Row{"patient_id": "p3", "created_at": testNow.Add(-40 * day)})

	res, err := f.svc.RunAutomated(ctx)
	if err != nil {
		t.Fatal(err)
	}
	op := res.Operation
	if op == nil || op.Purged != 1 || op.InitiatedBy != SystemActor.ID {
		t.Fatalf("unexpected automated operation %+v", op)
	}
	if _, ok := f.records.Get("notes", "n1"); ok {
		t.Error("low risk record was not purged")
	}
	if _, ok := f.records.Get("notes", "n2"); !ok {
		t.Error("medium risk record was purged automatically")
	}
	if _, ok := f.records.Get("drafts", "d1"); !ok {
		t.Error("record needing approval was purged automatically")
	}
	if deletes := a.ofType(audit.EventPHIDelete); len(deletes) != 1 || deletes[0].ActorRole != SystemActor.Role {
		t.Errorf("automated purge audit = %+v", deletes)
	}

	pending, _ := f.svc.Pending()
	if len(pending) != 2 {
		t.Errorf("expected the two manual candidates to stay pending, got %+v", pending)
	}
	if got := testutil.ToFloat64(m.Purged.WithLabelValues(string(MethodHardDelete))); got != 1 {
		t.Errorf("purged metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Operations.WithLabelValues(string(StatusCompleted))); got != 1 {
		t.Errorf("operations metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PendingCandidates.WithLabelValues(string(RiskMedium))); got != 1 {
		t.Errorf("pending medium gauge = %v, want 1", got)
	}

	res, err = f.svc.RunAutomated(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Operation != nil {
		t.Errorf("second pass should find nothing to purge, got %+v", res.Operation)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, shortRule("short", MethodHardDelete))
	f.putNote("n1", "p1", 40*day)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx, 5*time.Millisecond) }()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := f.records.Get("notes", "n1"); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scheduled pass never purged the record")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestHolds_ReleaseUnknown(t *testing.T) {
	f := newFixture(t)
	err := f.svc.ReleaseHold(context.Background(), "nobody", "", officer)
	if !errors.Is(err, ErrHoldNotFound) {
		t.Fatalf("expected ErrHoldNotFound, got %v", err)
	}
	admin := f.auditor.ofType(audit.EventAdminAction)
	if len(admin) != 1 || admin[0].Outcome != audit.OutcomeFailure {
		t.Errorf("failed release should be audited as failure: %+v", admin)
	}
}

func TestHoldRegistry_LoadAndReplace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryHoldStore()
	if err := store.InsertHold(ctx, LegalHold{SubjectID: "p1", Reason: "first"}); err != nil {
		t.Fatal(err)
	}
	reg := NewHoldRegistry(store)
	if err := reg.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if !reg.IsHeld("p1") || reg.IsHeld("p2") || reg.IsHeld("") {
		t.Fatal("registry does not reflect the store")
	}
	if err := reg.Place(ctx, LegalHold{SubjectID: "p1", Reason: "second"}); err != nil {
		t.Fatal(err)
	}
	if active := reg.Active(); len(active) != 1 || active[0].Reason != "second" {
		t.Errorf("re-placing should replace the reason, got %+v", active)
	}
	if err := reg.Place(ctx, LegalHold{}); err == nil {
		t.Error("expected error for empty subject")
	}
	if _, err := reg.Release(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	holds, _ := store.ListHolds(ctx)
	if len(holds) != 0 || reg.IsHeld("p1") {
		t.Error("release did not reach the store")
	}
}

func TestSignals_RecentAccessFromAuditTrail(t *testing.T) {
	ctx := context.Background()
	events := audit.NewMemoryStore()
	err := events.InsertEvents(ctx, []*audit.Event{
		{ID: uuid.New(), Timestamp: testNow.Add(-5 * day), Type: audit.EventPHIAccess, SubjectID: "recent"},
		{ID: uuid.New(), Timestamp: testNow.Add(-40 * day), Type: audit.EventPHIAccess, SubjectID: "stale"},
		{ID: uuid.New(), Timestamp: testNow.Add(-1 * day), Type: audit.EventLogin, SubjectID: "login-only"},
	})
	if err != nil {
		t.Fatal(err)
	}
	business := NewMemoryRecordStore()
	business.SetUnresolvedBalance("recent", true)
	business.AddAppointment("stale", testNow.Add(7*day))
	business.AddAppointment("login-only", testNow.Add(-7*day))
	sig := NewSignals(events, business)

	since := testNow.Add(-recentAccessWindow)
	tests := []struct {
		subject                string
		access, owed, upcoming bool
	}{
		{"recent", true, true, false},
		{"stale", false, false, true},
		{"login-only", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, err := sig.RecentlyAccessed(ctx, tt.subject, since)
			if err != nil || got != tt.access {
				t.Errorf("RecentlyAccessed = %v, %v; want %v", got, err, tt.access)
			}
			got, err = sig.HasUnresolvedBalance(ctx, tt.subject)
			if err != nil || got != tt.owed {
				t.Errorf("HasUnresolvedBalance = %v, %v; want %v", got, err, tt.owed)
			}
			got, err = sig.HasFutureRelationship(ctx, tt.subject, testNow)
			if err != nil || got != tt.upcoming {
				t.Errorf("HasFutureRelationship = %v, %v; want %v", got, err, tt.upcoming)
			}
		})
	}
}
