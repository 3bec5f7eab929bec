package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/hipaa"
)

// FieldEncrypter seals and opens event metadata. *hipaa.Engine satisfies it.
type FieldEncrypter interface {
	EncryptField(value string, t hipaa.PHIType) (*hipaa.EncryptedField, error)
	DecryptField(f *hipaa.EncryptedField) (string, error)
}

// Fallback receives events the primary store could not accept. Enqueue
// reports whether the event reached a durable secondary sink.
type Fallback interface {
	Enqueue(ctx context.Context, e *Event) bool
}

// Config controls buffering and scoring.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	Thresholds    RiskThresholds
}

// DefaultConfig returns the stock buffering and scoring settings.
func DefaultConfig() Config {
	return Config{
		BufferSize:    100,
		FlushInterval: 30 * time.Second,
		Thresholds:    DefaultRiskThresholds(),
	}
}

// EventInput is what callers supply for one audited operation.
type EventInput struct {
	Type        EventType
	ActorID     string
	ActorRole   string
	SubjectID   string
	Outcome     Outcome
	Resource    string
	Origin      string
	UserAgent   string
	SessionID   string
	TenantID    string
	Reason      string
	PHIElements []string
	RecordCount int
	Duration    time.Duration
	Metadata    map[string]any
}

// Service buffers, scores and durably records audit events.
type Service struct {
	store     Store
	encrypter FieldEncrypter
	fallback  Fallback
	scorer    RiskScorer
	cfg       Config
	metrics   *Metrics
	now       func() time.Time
	logger    zerolog.Logger

	// mu guards buffer and handedOff.
	mu        sync.Mutex
	buffer    []*Event
	handedOff map[uuid.UUID]struct{}

	// flushMu serializes every write to the store, periodic and immediate.
	flushMu sync.Mutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithFallback sets the chain used when the primary store write fails.
func WithFallback(f Fallback) ServiceOption {
	return func(s *Service) { s.fallback = f }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates an audit Service. The encrypter is mandatory: events
// carrying metadata are refused rather than stored in clear.
func NewService(store Store, encrypter FieldEncrypter, cfg Config, logger zerolog.Logger, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	if encrypter == nil {
		return nil, errors.New("audit: metadata encrypter is required")
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("audit: buffer size must be positive, got %d", cfg.BufferSize)
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("audit: flush interval must be positive, got %s", cfg.FlushInterval)
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	s := &Service{
		store:     store,
		encrypter: encrypter,
		scorer:    NewRiskScorer(cfg.Thresholds),
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With().Str("component", "audit").Logger(),
		handedOff: make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LogEvent records one operation and returns its id. High and critical risk
// events are written before LogEvent returns. An error means the event could
// not be constructed; callers must treat it as fail-closed.
func (s *Service) LogEvent(ctx context.Context, in EventInput) (uuid.UUID, error) {
	e, err := s.newEvent(in)
	if err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, e)
	depth := len(s.buffer)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.EventsLogged.WithLabelValues(string(e.Type), e.RiskLevel.String()).Inc()
		s.metrics.BufferDepth.Set(float64(depth))
	}

	switch {
	case e.RiskLevel >= RiskHigh:
		if s.metrics != nil {
			s.metrics.ImmediateFlushes.Inc()
		}
		s.logger.Warn().
			Str("event_id", e.ID.String()).
			Str("event_type", string(e.Type)).
			Str("risk_level", e.RiskLevel.String()).
			Str("actor_id", e.ActorID).
			Msg("high-risk audit event, flushing immediately")
		if err := s.flushBatch(ctx, []*Event{e}); err != nil {
			s.logger.Error().Err(err).Str("event_id", e.ID.String()).Msg("immediate audit flush failed")
		}
	case depth >= s.cfg.BufferSize:
		if err := s.Flush(ctx); err != nil {
			s.logger.Error().Err(err).Msg("size-triggered audit flush failed")
		}
	}

	return e.ID, nil
}

func (s *Service) newEvent(in EventInput) (*Event, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("audit: unknown event type %q", in.Type)
	}
	if in.Outcome == "" {
		in.Outcome = OutcomeSuccess
	}
	if !in.Outcome.Valid() {
		return nil, fmt.Errorf("audit: unknown outcome %q", in.Outcome)
	}
	if in.ActorID == "" {
		return nil, errors.New("audit: actor id is required")
	}

	elements := append([]string(nil), in.PHIElements...)
	sort.Strings(elements)

	e := &Event{
		ID: uuid.New(),
		// Storage keeps microseconds; truncating here keeps the hash stable
		// across a database round trip.
		Timestamp:   s.now().UTC().Truncate(time.Microsecond),
		Type:        in.Type,
		ActorID:     in.ActorID,
		ActorRole:   in.ActorRole,
		SubjectID:   in.SubjectID,
		Outcome:     in.Outcome,
		Resource:    in.Resource,
		Origin:      in.Origin,
		UserAgent:   in.UserAgent,
		SessionID:   in.SessionID,
		TenantID:    in.TenantID,
		Reason:      in.Reason,
		PHIElements: elements,
		RecordCount: in.RecordCount,
		DurationMS:  in.Duration.Milliseconds(),
	}
	if len(elements) == 0 {
		e.PHIElements = nil
	}

	e.RiskScore, e.RiskLevel = s.scorer.Score(RiskInput{
		Type:        e.Type,
		ActorRole:   e.ActorRole,
		Outcome:     e.Outcome,
		PHIElements: e.PHIElements,
		RecordCount: e.RecordCount,
	})

	if len(in.Metadata) > 0 {
		raw, err := json.Marshal(in.Metadata)
		if err != nil {
			return nil, fmt.Errorf("audit: encode metadata: %w", err)
		}
		sealed, err := s.encrypter.EncryptField(string(raw), hipaa.PHITypeAuditMetadata)
		if err != nil {
			return nil, fmt.Errorf("audit: encrypt metadata: %w", err)
		}
		e.EncryptedMetadata = sealed
	}

	h, err := ComputeHash(e)
	if err != nil {
		return nil, err
	}
	e.Hash = h
	return e, nil
}

// Flush writes every buffered event to the primary store.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := append([]*Event(nil), s.buffer...)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return s.flushBatch(ctx, batch)
}

// flushBatch writes the members of batch still present in the buffer. It
// holds flushMu for the whole write so concurrent flushers never write the
// same event twice, and removes events only after the write succeeded.
func (s *Service) flushBatch(ctx context.Context, batch []*Event) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	pending := s.stillBuffered(batch)
	if len(pending) == 0 {
		return nil
	}

	if err := s.store.InsertEvents(ctx, pending); err != nil {
		if s.metrics != nil {
			s.metrics.FlushFailures.Inc()
		}
		s.logger.Error().Err(err).Int("events", len(pending)).Msg("primary audit store write failed")
		s.handOff(ctx, pending)
		return fmt.Errorf("audit: flush %d events: %w", len(pending), err)
	}

	depth := s.remove(pending)
	if s.metrics != nil {
		s.metrics.EventsFlushed.Add(float64(len(pending)))
		s.metrics.BufferDepth.Set(float64(depth))
	}
	s.logger.Debug().Int("events", len(pending)).Msg("audit batch flushed")

	s.recordViolations(ctx, pending)
	return nil
}

func (s *Service) stillBuffered(batch []*Event) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	present := make(map[uuid.UUID]struct{}, len(s.buffer))
	for _, e := range s.buffer {
		present[e.ID] = struct{}{}
	}
	var out []*Event
	for _, e := range batch {
		if _, ok := present[e.ID]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *Service) remove(written []*Event) int {
	done := make(map[uuid.UUID]struct{}, len(written))
	for _, e := range written {
		done[e.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.buffer[:0]
	for _, e := range s.buffer {
		if _, ok := done[e.ID]; ok {
			delete(s.handedOff, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.buffer); i++ {
		s.buffer[i] = nil
	}
	s.buffer = kept
	return len(kept)
}

// handOff gives each event to the fallback chain once. Events stay in the
// buffer so a later flush can still write them to the primary store; the
// store deduplicates by id.
func (s *Service) handOff(ctx context.Context, events []*Event) {
	s.mu.Lock()
	var fresh []*Event
	for _, e := range events {
		if _, done := s.handedOff[e.ID]; !done {
			s.handedOff[e.ID] = struct{}{}
			fresh = append(fresh, e)
		}
	}
	s.mu.Unlock()

	if s.fallback == nil {
		if len(fresh) > 0 {
			s.logger.Error().Int("events", len(fresh)).Msg("no fallback configured, events retained in buffer only")
		}
		return
	}
	for _, e := range fresh {
		if s.metrics != nil {
			s.metrics.FallbackHandoffs.Inc()
		}
		if !s.fallback.Enqueue(ctx, e) {
			s.logger.Error().Str("event_id", e.ID.String()).Msg("fallback chain could not persist audit event")
		}
	}
}

func (s *Service) recordViolations(ctx context.Context, batch []*Event) {
	violations := DetectViolations(batch, s.now().UTC())
	if len(violations) == 0 {
		return
	}
	if err := s.store.InsertViolations(ctx, violations); err != nil {
		s.logger.Error().Err(err).Int("violations", len(violations)).Msg("failed to record compliance violations")
		return
	}
	for _, v := range violations {
		if s.metrics != nil {
			s.metrics.Violations.WithLabelValues(string(v.Category)).Inc()
		}
		s.logger.Warn().
			Str("violation_id", v.ID.String()).
			Str("event_id", v.EventID.String()).
			Str("category", string(v.Category)).
			Str("severity", v.Severity.String()).
			Msg("compliance violation detected")
	}
}

// Pending returns the number of buffered events not yet durably stored.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Run flushes on FlushInterval until ctx is cancelled, then performs a final
// flush bounded by a fresh timeout.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Flush(flushCtx); err != nil {
				s.logger.Error().Err(err).Int("pending", s.Pending()).Msg("final audit flush failed")
			}
			return nil
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Error().Err(err).Msg("periodic audit flush failed")
			}
		}
	}
}

// GetEvent loads a stored event and decrypts its metadata.
func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.EncryptedMetadata != nil {
		raw, err := s.encrypter.DecryptField(e.EncryptedMetadata)
		if err != nil {
			return nil, fmt.Errorf("audit: decrypt metadata for %s: %w", id, err)
		}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decode metadata for %s: %w", id, err)
			}
		}
	}
	return e, nil
}

// ListEvents returns stored events matching f without decrypting metadata.
func (s *Service) ListEvents(ctx context.Context, f Filter) ([]*Event, error) {
	return s.store.ListEvents(ctx, f)
}

// ListViolations returns recorded violations matching f.
func (s *Service) ListViolations(ctx context.Context, f Filter) ([]*Violation, error) {
	return s.store.ListViolations(ctx, f)
}

// VerifyIntegrity recomputes the stored event's hash and checks its metadata
// still authenticates. A false result with a nil error means tampering or
// corruption.
func (s *Service) VerifyIntegrity(ctx context.Context, id uuid.UUID) (bool, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return false, err
	}
	if !VerifyHash(e) {
		s.logger.Error().Str("event_id", id.String()).Msg("audit event hash mismatch")
		return false, nil
	}
	if e.EncryptedMetadata != nil {
		if _, err := s.encrypter.DecryptField(e.EncryptedMetadata); err != nil {
			if errors.Is(err, hipaa.ErrIntegrity) {
				s.logger.Error().Str("event_id", id.String()).Msg("audit metadata failed authentication")
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}
