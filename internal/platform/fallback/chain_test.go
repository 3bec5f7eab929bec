package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/audit"
	"github.com/ehr/compliance/internal/platform/hipaa"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// flakyStore is an audit.Store whose writes can be switched off.
type flakyStore struct {
	*audit.MemoryStore
	mu   sync.Mutex
	fail bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: audit.NewMemoryStore()}
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *flakyStore) InsertEvents(ctx context.Context, events []*audit.Event) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return s.MemoryStore.InsertEvents(ctx, events)
}

type recordedAlert struct {
	level AlertLevel
	depth int64
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (a *recordingAlerter) Alert(_ context.Context, level AlertLevel, depth int64, _ string) {
	a.mu.Lock()
	a.alerts = append(a.alerts, recordedAlert{level: level, depth: depth})
	a.mu.Unlock()
}

func (a *recordingAlerter) snapshot() []recordedAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]recordedAlert(nil), a.alerts...)
}

func newEvent(t *testing.T, actor string) *audit.Event {
	t.Helper()
	e := &audit.Event{
		ID:          uuid.New(),
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Type:        audit.EventPHIAccess,
		ActorID:     actor,
		ActorRole:   "nurse",
		SubjectID:   "patient-1",
		Outcome:     audit.OutcomeSuccess,
		RiskLevel:   audit.RiskMedium,
		RiskScore:   0.35,
		Resource:    "Patient/patient-1",
		PHIElements: []string{"mrn"},
		RecordCount: 1,
	}
	h, err := audit.ComputeHash(e)
	if err != nil {
		t.Fatal(err)
	}
	e.Hash = h
	return e
}

// deniedEvent is a PHI access the actor was refused, which always yields an
// unauthorized access violation.
func deniedEvent(t *testing.T, actor string) *audit.Event {
	t.Helper()
	e := newEvent(t, actor)
	e.Outcome = audit.OutcomeDenied
	e.RiskLevel = audit.RiskHigh
	e.RiskScore = 0.6
	h, err := audit.ComputeHash(e)
	if err != nil {
		t.Fatal(err)
	}
	e.Hash = h
	return e
}

func violationsFor(t *testing.T, s audit.Store, id uuid.UUID) []*audit.Violation {
	t.Helper()
	all, err := s.ListViolations(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	var out []*audit.Violation
	for _, v := range all {
		if v.EventID == id {
			out = append(out, v)
		}
	}
	return out
}

type chainFixture struct {
	chain   *Chain
	redis   *miniredis.Miniredis
	queue   *RedisQueue
	store   *flakyStore
	file    *FileSink
	alerter *recordingAlerter
	metrics *Metrics
}

func newChainFixture(t *testing.T, cfg Config) *chainFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &chainFixture{
		redis:   mr,
		queue:   NewRedisQueueFromClient(client, "audit:fallback"),
		store:   newFlakyStore(),
		file:    NewFileSink(filepath.Join(t.TempDir(), "audit-fallback.jsonl")),
		alerter: &recordingAlerter{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	c, err := NewChain(f.queue, f.file, f.store, cfg, testLogger(), WithAlerter(f.alerter), WithMetrics(f.metrics))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	f.chain = c
	return f
}

func TestNewChain_Validation(t *testing.T) {
	file := NewFileSink(filepath.Join(t.TempDir(), "f.jsonl"))
	store := audit.NewMemoryStore()

	tests := []struct {
		name  string
		file  *FileSink
		store audit.Store
		cfg   Config
	}{
		{"missing file", nil, store, DefaultConfig()},
		{"missing store", file, nil, DefaultConfig()},
		{"zero warn", file, store, Config{WarnDepth: 0, CriticalDepth: 10}},
		{"critical below warn", file, store, Config{WarnDepth: 10, CriticalDepth: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewChain(nil, tt.file, tt.store, tt.cfg, testLogger()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEnqueue_UsesQueueFirst(t *testing.T) {
	f := newChainFixture(t, DefaultConfig())
	ctx := context.Background()

	e := newEvent(t, "u1")
	if !f.chain.Enqueue(ctx, e) {
		t.Fatal("expected Enqueue to succeed")
	}

	depth, err := f.chain.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
	if ok, _ := fileExists(f.file.Path()); ok {
		t.Error("file sink should not be touched while the queue is up")
	}
	if got := testutil.ToFloat64(f.metrics.Enqueued.WithLabelValues("queue")); got != 1 {
		t.Errorf("enqueued{queue} = %v, want 1", got)
	}
}

func TestEnqueue_QueueDownFallsBackToFile(t *testing.T) {
	f := newChainFixture(t, DefaultConfig())
	ctx := context.Background()
	f.redis.Close()

	e := newEvent(t, "u1")
	if !f.chain.Enqueue(ctx, e) {
		t.Fatal("expected the file tier to accept the event")
	}

	events, skipped, err := ReadEvents(f.file.Path())
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if skipped != 0 {
		t.Errorf("skipped = %d, want 0", skipped)
	}
	if len(events) != 1 || events[0].ID != e.ID {
		t.Fatalf("file events = %+v, want the enqueued event", events)
	}
	if !audit.VerifyHash(events[0]) {
		t.Error("event read back from file should keep a valid hash")
	}

	info, err := os.Stat(f.file.Path())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestEnqueue_NoQueueWritesFile(t *testing.T) {
	store := audit.NewMemoryStore()
	file := NewFileSink(filepath.Join(t.TempDir(), "f.jsonl"))
	c, err := NewChain(nil, file, store, DefaultConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if !c.Enqueue(context.Background(), newEvent(t, "u1")) {
		t.Fatal("expected file tier to accept event")
	}
	events, _, err := ReadEvents(file.Path())
	if err != nil || len(events) != 1 {
		t.Fatalf("ReadEvents = %d events, err %v", len(events), err)
	}
}

func TestEnqueue_AllTiersDownLogsEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	// A path under a missing directory cannot be created.
	file := NewFileSink(filepath.Join(t.TempDir(), "missing", "dir", "f.jsonl"))
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c, err := NewChain(NewRedisQueueFromClient(client, "q"), file, audit.NewMemoryStore(), DefaultConfig(), logger, WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}

	e := newEvent(t, "u-last-resort")
	if c.Enqueue(context.Background(), e) {
		t.Fatal("Enqueue should report failure when no durable tier is available")
	}

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["severity"] != "critical" {
			continue
		}
		ev, ok := entry["event"].(map[string]any)
		if !ok {
			t.Fatalf("critical log entry has no structured event: %s", line)
		}
		if ev["id"] != e.ID.String() || ev["actor_id"] != "u-last-resort" {
			t.Errorf("logged event = %v, want id %s", ev, e.ID)
		}
		found = true
	}
	if !found {
		t.Fatalf("no critical log entry carrying the event; log:\n%s", buf.String())
	}
	if got := testutil.ToFloat64(metrics.Enqueued.WithLabelValues("log")); got != 1 {
		t.Errorf("enqueued{log} = %v, want 1", got)
	}
}

func TestEnqueue_DepthAlertsOnTransition(t *testing.T) {
	f := newChainFixture(t, Config{WarnDepth: 3, CriticalDepth: 5})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if !f.chain.Enqueue(ctx, newEvent(t, "u")) {
			t.Fatalf("enqueue %d failed", i)
		}
	}

	alerts := f.alerter.snapshot()
	want := []recordedAlert{{AlertWarning, 3}, {AlertCritical, 5}}
	if len(alerts) != len(want) {
		t.Fatalf("alerts = %+v, want %+v", alerts, want)
	}
	for i := range want {
		if alerts[i] != want[i] {
			t.Errorf("alert[%d] = %+v, want %+v", i, alerts[i], want[i])
		}
	}

	// Draining re-arms the alert.
	if _, err := f.chain.RetryPending(ctx, 10); err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	for i := 0; i < 3; i++ {
		f.chain.Enqueue(ctx, newEvent(t, "u"))
	}
	alerts = f.alerter.snapshot()
	if len(alerts) != 3 || alerts[2].level != AlertWarning {
		t.Errorf("alerts after drain = %+v, want a fresh warning", alerts)
	}
}

func TestRetryPending_MovesEventsToPrimary(t *testing.T) {
	f := newChainFixture(t, DefaultConfig())
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		e := newEvent(t, "u")
		ids = append(ids, e.ID)
		f.chain.Enqueue(ctx, e)
	}

	res, err := f.chain.RetryPending(ctx, 10)
	if err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	if res.Attempted != 3 || res.Stored != 3 || res.Requeued != 0 || res.DeadLettered != 0 {
		t.Errorf("result = %+v", res)
	}
	for _, id := range ids {
		if _, err := f.store.GetEvent(ctx, id); err != nil {
			t.Errorf("event %s not in primary store: %v", id, err)
		}
	}
	if depth, _ := f.chain.Depth(ctx); depth != 0 {
		t.Errorf("depth after drain = %d, want 0", depth)
	}
	if got := testutil.ToFloat64(f.metrics.Retried); got != 3 {
		t.Errorf("retried = %v, want 3", got)
	}
}

func TestRetryPending_DetectsViolations(t *testing.T) {
	f := newChainFixture(t, DefaultConfig())
	ctx := context.Background()

	denied := deniedEvent(t, "intruder")
	allowed := newEvent(t, "nurse-1")
	f.chain.Enqueue(ctx, denied)
	f.chain.Enqueue(ctx, allowed)

	if _, err := f.chain.RetryPending(ctx, 10); err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	got := violationsFor(t, f.store, denied.ID)
	if len(got) != 1 || got[0].Category != audit.ViolationUnauthorizedAccess {
		t.Fatalf("violations for denied event = %+v, want one unauthorized access", got)
	}
	if extra := violationsFor(t, f.store, allowed.ID); len(extra) != 0 {
		t.Errorf("allowed event produced violations: %+v", extra)
	}

	// Redelivery of the same event does not report it twice.
	f.chain.Enqueue(ctx, denied)
	if _, err := f.chain.RetryPending(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if got := violationsFor(t, f.store, denied.ID); len(got) != 1 {
		t.Errorf("violations after redelivery = %d, want 1", len(got))
	}
}

func TestRetryPending_RespectsMax(t *testing.T) {
	f := newChainFixture(t, DefaultConfig())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.chain.Enqueue(ctx, newEvent(t, "u"))
	}

	res, err := f.chain.RetryPending(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stored != 2 {
		t.Errorf("stored = %d, want 2", res.Stored)
	}
	if depth, _ := f.chain.Depth(ctx); depth != 3 {
		t.Errorf("depth = %d, want 3", depth)
	}
}

func TestRetryPending_PrimaryDownRequeuesAtHead(t *testing.T) {
	f := newChainFixture(t, DefaultConfig())
	ctx := context.Background()

	first := newEvent(t, "first")
	second := newEvent(t, "second")
	f.chain.Enqueue(ctx, first)
	f.chain.Enqueue(ctx, second)

	f.store.setFail(true)
	res, err := f.chain.RetryPending(ctx, 10)
	if err == nil {
		t.Fatal("expected error while primary store is down")
	}
	if res.Attempted != 1 || res.Requeued != 1 || res.Stored != 0 {
		t.Errorf("result = %+v, want one requeued attempt", res)
	}
	if depth, _ := f.chain.Depth(ctx); depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}

	// Order is preserved: the requeued entry is retried first.
	raw, err := f.queue.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var head audit.Event
	if err := json.Unmarshal(raw, &head); err != nil {
		t.Fatal(err)
	}
	if head.ID != first.ID {
		t.Errorf("head = %s, want requeued %s", head.ID, first.ID)
	}
	if got := testutil.ToFloat64(f.metrics.Requeued); got != 1 {
		t.Errorf("requeued = %v, want 1", got)
	}
}

func TestRetryPending_DeadLettersBadEntries(t *testing.T) {
	f := newChainFixture(t, DefaultConfig())
	ctx := context.Background()

	tampered := newEvent(t, "u")
	tampered.ActorID = "someone-else"
	tamperedRaw, err := json.Marshal(tampered)
	if err != nil {
		t.Fatal(err)
	}
	good := newEvent(t, "u")

	if _, err := f.queue.Push(ctx, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Push(ctx, tamperedRaw); err != nil {
		t.Fatal(err)
	}
	f.chain.Enqueue(ctx, good)

	res, err := f.chain.RetryPending(ctx, 10)
	if err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	if res.Attempted != 3 || res.Stored != 1 || res.DeadLettered != 2 {
		t.Errorf("result = %+v", res)
	}
	if _, err := f.store.GetEvent(ctx, tampered.ID); !errors.Is(err, audit.ErrEventNotFound) {
		t.Errorf("tampered event reached primary store: %v", err)
	}

	data, err := os.ReadFile(f.file.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("dead letter lines = %d, want 2", len(lines))
	}
	for _, line := range lines {
		var rec fileRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("dead letter line is not JSON: %v", err)
		}
		if rec.Marker != MarkerDeadLetter || rec.Reason == "" || len(rec.Raw) == 0 {
			t.Errorf("dead letter record = %+v", rec)
		}
	}

	// Dead letters are never replayed.
	events, skipped, err := ReadEvents(f.file.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 || skipped != 2 {
		t.Errorf("ReadEvents = %d events, %d skipped; want 0, 2", len(events), skipped)
	}
}

func TestReplayFile(t *testing.T) {
	f := newChainFixture(t, DefaultConfig())
	ctx := context.Background()
	f.chain.now = func() time.Time { return time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC) }

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		e := newEvent(t, "u")
		ids = append(ids, e.ID)
		if err := f.file.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.file.DeadLetter([]byte("garbage"), "undecodable"); err != nil {
		t.Fatal(err)
	}

	res, err := f.chain.ReplayFile(ctx, "")
	if err != nil {
		t.Fatalf("ReplayFile: %v", err)
	}
	if res.Read != 3 || res.Stored != 3 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}
	want := f.file.Path() + ".replayed-20260302T083000Z"
	if res.ArchivedAs != want {
		t.Errorf("archived as %q, want %q", res.ArchivedAs, want)
	}
	if ok, _ := fileExists(f.file.Path()); ok {
		t.Error("original file should be renamed after replay")
	}
	if ok, _ := fileExists(want); !ok {
		t.Error("archived file missing")
	}
	for _, id := range ids {
		if _, err := f.store.GetEvent(ctx, id); err != nil {
			t.Errorf("event %s not replayed: %v", id, err)
		}
	}

	// Nothing left to replay.
	res, err = f.chain.ReplayFile(ctx, "")
	if err != nil || res.Read != 0 {
		t.Errorf("second replay = %+v, %v; want empty result", res, err)
	}
}

func TestReplayFile_DetectsViolations(t *testing.T) {
	f := newChainFixture(t, DefaultConfig())
	ctx := context.Background()

	denied := deniedEvent(t, "intruder")
	if err := f.file.Append(denied); err != nil {
		t.Fatal(err)
	}
	if err := f.file.Append(newEvent(t, "nurse-1")); err != nil {
		t.Fatal(err)
	}

	res, err := f.chain.ReplayFile(ctx, "")
	if err != nil {
		t.Fatalf("ReplayFile: %v", err)
	}
	if res.Stored != 2 {
		t.Fatalf("stored = %d, want 2", res.Stored)
	}
	all, err := f.store.ListViolations(ctx, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].EventID != denied.ID || all[0].Category != audit.ViolationUnauthorizedAccess {
		t.Errorf("violations = %+v, want one unauthorized access for %s", all, denied.ID)
	}
}

func TestReplayFile_PrimaryDownKeepsFile(t *testing.T) {
	f := newChainFixture(t, DefaultConfig())
	ctx := context.Background()
	if err := f.file.Append(newEvent(t, "u")); err != nil {
		t.Fatal(err)
	}

	f.store.setFail(true)
	if _, err := f.chain.ReplayFile(ctx, ""); err == nil {
		t.Fatal("expected replay to fail while the primary store is down")
	}
	if ok, _ := fileExists(f.file.Path()); !ok {
		t.Error("file must stay in place when replay fails")
	}
}

// The whole path: primary store down, the audit service hands off to the
// chain, the store recovers and the drain loop moves the event across.
func TestChain_WithAuditService(t *testing.T) {
	f := newChainFixture(t, DefaultConfig())
	ctx := context.Background()

	enc := &plainEncrypter{}
	cfg := audit.DefaultConfig()
	cfg.FlushInterval = time.Hour
	svc, err := audit.NewService(f.store, enc, cfg, testLogger(), audit.WithFallback(f.chain))
	if err != nil {
		t.Fatal(err)
	}

	f.store.setFail(true)
	id, err := svc.LogEvent(ctx, audit.EventInput{
		Type:        audit.EventPHIExport,
		ActorID:     "dr-1",
		ActorRole:   "physician",
		Resource:    "Patient",
		RecordCount: 5000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if depth, _ := f.chain.Depth(ctx); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}

	f.store.setFail(false)
	res, err := f.chain.RetryPending(ctx, 10)
	if err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	if res.Stored != 1 {
		t.Fatalf("stored = %d, want 1", res.Stored)
	}
	stored, err := f.store.GetEvent(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !audit.VerifyHash(stored) {
		t.Error("event drained from the queue failed hash verification")
	}
	if got := violationsFor(t, f.store, id); len(got) != 1 || got[0].Category != audit.ViolationUnjustifiedBulk {
		t.Errorf("violations after drain = %+v, want one unjustified bulk export", got)
	}

	// The service still holds the event and writes it again on its next
	// flush; the store keeps a single copy.
	if err := svc.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.store.Len(); n != 1 {
		t.Errorf("primary store holds %d events, want 1", n)
	}
	if got := violationsFor(t, f.store, id); len(got) != 1 {
		t.Errorf("violations after the service flush = %d, want 1", len(got))
	}
}

func TestRun_DrainsUntilCancelled(t *testing.T) {
	f := newChainFixture(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	f.chain.Enqueue(ctx, newEvent(t, "u"))

	done := make(chan error, 1)
	go func() { done <- f.chain.Run(ctx, 10*time.Millisecond, 10) }()

	deadline := time.After(2 * time.Second)
	for f.store.Len() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("Run did not drain the queue")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

// plainEncrypter satisfies audit.FieldEncrypter without real keys; the
// events in these tests carry no metadata.
type plainEncrypter struct{}

func (plainEncrypter) EncryptField(value string, t hipaa.PHIType) (*hipaa.EncryptedField, error) {
	return &hipaa.EncryptedField{Ciphertext: value, Tier: hipaa.TierFor(t), PHIType: t}, nil
}

func (plainEncrypter) DecryptField(f *hipaa.EncryptedField) (string, error) {
	return f.Ciphertext, nil
}
