package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/audit"
	"github.com/ehr/compliance/internal/platform/hipaa"
)

// recentAccessWindow is how far back an access counts as a risk signal.
const recentAccessWindow = 30 * 24 * time.Hour

// Auditor records purge and legal hold actions. *audit.Service satisfies it.
type Auditor interface {
	LogEvent(ctx context.Context, in audit.EventInput) (uuid.UUID, error)
}

// Actor identifies who performs an administrative action.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// SystemActor is the initiator used by the scheduled pass.
var SystemActor = Actor{ID: "retention-scheduler", Role: "system"}

// ScanOptions narrows a scan. An empty Rules slice means every rule.
type ScanOptions struct {
	Rules  []string
	DryRun bool
}

// PurgeRequest is the input to ExecutePurge.
type PurgeRequest struct {
	Candidates []PurgeCandidate
	Initiator  Actor
	Approvers  []string
	Force      bool
}

// Service is the retention policy engine.
type Service struct {
	rules   []Rule
	byName  map[string]Rule
	records RecordStore
	signals SignalSource
	holds   *HoldRegistry
	ops     OperationStore
	auditor Auditor
	metrics *Metrics
	now     func() time.Time
	logger  zerolog.Logger

	// pendingMu guards the candidate set of the last non-dry-run scan.
	pendingMu sync.Mutex
	pending   map[string]PurgeCandidate
	pendingAt time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService validates rules and wires the engine. The hold registry should
// already be loaded.
func NewService(rules []Rule, records RecordStore, signals SignalSource, holds *HoldRegistry, ops OperationStore, auditor Auditor, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if records == nil || signals == nil || holds == nil || ops == nil || auditor == nil {
		return nil, errors.New("retention: record store, signals, holds, operation store and auditor are required")
	}
	byName := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[r.Name]; dup {
			return nil, fmt.Errorf("retention: duplicate rule %q", r.Name)
		}
		byName[r.Name] = r
	}
	s := &Service{
		rules:   append([]Rule(nil), rules...),
		byName:  byName,
		records: records,
		signals: signals,
		holds:   holds,
		ops:     ops,
		auditor: auditor,
		now:     time.Now,
		logger:  logger.With().Str("component", "retention").Logger(),
		pending: make(map[string]PurgeCandidate),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Rules returns the loaded rules in configuration order.
func (s *Service) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Holds returns the legal hold registry.
func (s *Service) Holds() *HoldRegistry {
	return s.holds
}

// Scan finds purge candidates. Records of held subjects are left out unless
// the rule is hold-exempt. A non-dry-run scan replaces the pending set shown
// in the retention report.
func (s *Service) Scan(ctx context.Context, opts ScanOptions) ([]PurgeCandidate, error) {
	rules := s.rules
	if len(opts.Rules) > 0 {
		rules = make([]Rule, 0, len(opts.Rules))
		for _, name := range opts.Rules {
			r, ok := s.byName[name]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownRule, name)
			}
			rules = append(rules, r)
		}
	}

	now := s.now().UTC()
	assessed := make(map[string]RiskSignals)
	out := []PurgeCandidate{}
	held := 0

	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cutoff := rule.Cutoff(now)
		records, err := s.records.FindEligible(ctx, rule, cutoff)
		if err != nil {
			return nil, fmt.Errorf("retention: scan rule %s: %w", rule.Name, err)
		}

		for _, rec := range records {
			if !rule.HoldExempt && s.holds.IsHeld(rec.SubjectID) {
				held++
				continue
			}
			sig, ok := assessed[rec.SubjectID]
			if !ok {
				sig = s.assess(ctx, rec.SubjectID, now)
				assessed[rec.SubjectID] = sig
			}
			out = append(out, PurgeCandidate{
				Collection:     rec.Collection,
				RecordID:       rec.ID,
				SubjectID:      rec.SubjectID,
				Classification: rule.Classification,
				RuleName:       rule.Name,
				Method:         rule.Method,
				LastActivity:   rec.LastActivity,
				EligibleAt:     rec.LastActivity.Add(now.Sub(cutoff)),
				Risk:           sig.Assess(),
				Signals:        sig,
				EstimatedSize:  rec.EstimatedSize,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleName != out[j].RuleName {
			return out[i].RuleName < out[j].RuleName
		}
		if out[i].Collection != out[j].Collection {
			return out[i].Collection < out[j].Collection
		}
		return out[i].RecordID < out[j].RecordID
	})

	if !opts.DryRun {
		s.setPending(out, now)
	}
	if s.metrics != nil {
		s.metrics.Scans.Inc()
		s.metrics.HeldExclusions.Add(float64(held))
	}
	s.logger.Info().
		Int("candidates", len(out)).
		Int("held", held).
		Bool("dry_run", opts.DryRun).
		Msg("retention scan completed")
	return out, nil
}

// assess evaluates the three risk signals for a subject. A signal that cannot
// be evaluated counts as present so an outage never lowers the risk.
func (s *Service) assess(ctx context.Context, subjectID string, now time.Time) RiskSignals {
	var sig RiskSignals
	if subjectID == "" {
		return sig
	}
	check := func(name string, fn func() (bool, error)) bool {
		ok, err := fn()
		if err != nil {
			s.logger.Warn().Err(err).Str("signal", name).Str("subject_id", subjectID).
				Msg("risk signal unavailable, assuming present")
			return true
		}
		return ok
	}
	sig.RecentAccess = check("recent_access", func() (bool, error) {
		return s.signals.RecentlyAccessed(ctx, subjectID, now.Add(-recentAccessWindow))
	})
	sig.UnresolvedBalance = check("unresolved_balance", func() (bool, error) {
		return s.signals.HasUnresolvedBalance(ctx, subjectID)
	})
	sig.FutureRelationship = check("future_relationship", func() (bool, error) {
		return s.signals.HasFutureRelationship(ctx, subjectID, now)
	})
	return sig
}

func (s *Service) setPending(candidates []PurgeCandidate, at time.Time) {
	m := make(map[string]PurgeCandidate, len(candidates))
	for _, c := range candidates {
		m[c.key()] = c
	}
	s.pendingMu.Lock()
	s.pending = m
	s.pendingAt = at
	s.pendingMu.Unlock()

	if s.metrics != nil {
		counts := riskCounts(candidates)
		for _, r := range []Risk{RiskLow, RiskMedium, RiskHigh} {
			s.metrics.PendingCandidates.WithLabelValues(string(r)).Set(float64(counts[r]))
		}
	}
}

func (s *Service) clearPending(keys []string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for _, k := range keys {
		delete(s.pending, k)
	}
}

// Pending returns the candidate set of the last non-dry-run scan, minus
// anything purged since, and when that scan ran.
func (s *Service) Pending() ([]PurgeCandidate, time.Time) {
	s.pendingMu.Lock()
	out := make([]PurgeCandidate, 0, len(s.pending))
	for _, c := range s.pending {
		out = append(out, c)
	}
	at := s.pendingAt
	s.pendingMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out, at
}

// ExecutePurge applies each candidate's rule. Candidates are skipped, not
// failed, when they no longer qualify under their rule or when policy blocks
// them.
// Legal holds are checked again here and block a purge even with force.
// Cancellation is observed between candidates; each candidate's purge is
// atomic on its own. The sealed operation is persisted even when cancelled.
func (s *Service) ExecutePurge(ctx context.Context, req PurgeRequest) (*PurgeResult, error) {
	if req.Initiator.ID == "" {
		return nil, errors.New("retention: purge initiator is required")
	}

	op := &PurgeOperation{
		ID:          uuid.New(),
		InitiatedBy: req.Initiator.ID,
		StartedAt:   s.now().UTC().Truncate(time.Microsecond),
		Status:      StatusPending,
		Approvers:   append([]string{}, req.Approvers...),
	}
	res := &PurgeResult{Operation: op, Skipped: []SkippedCandidate{}}
	methods := make(map[PurgeMethod]struct{})
	assessed := make(map[string]RiskSignals)
	now := op.StartedAt
	var purgedKeys []string

	log := s.logger.With().Str("operation_id", op.ID.String()).Str("initiator", op.InitiatedBy).Logger()

	skip := func(cand PurgeCandidate, reason SkipReason) {
		res.Skipped = append(res.Skipped, SkippedCandidate{Candidate: cand, Reason: reason})
		if s.metrics != nil {
			s.metrics.Skipped.WithLabelValues(string(reason)).Inc()
		}
	}
	fail := func(rule Rule, cand PurgeCandidate, err error) {
		op.Failed++
		res.Failures = append(res.Failures, FailedCandidate{Candidate: cand, Error: err.Error()})
		if s.metrics != nil {
			s.metrics.Failed.WithLabelValues(string(rule.Method)).Inc()
		}
		log.Error().Err(err).Str("collection", cand.Collection).Str("record_id", cand.RecordID).
			Str("method", string(rule.Method)).Msg("purge failed")
	}

	for _, cand := range req.Candidates {
		if ctx.Err() != nil {
			op.Status = StatusCancelled
			break
		}

		rule, known := s.byName[cand.RuleName]
		if reason, mismatch := ruleMismatch(rule, known, cand); mismatch {
			skip(cand, reason)
			continue
		}

		// Candidates may come from a client, so subject, eligibility and
		// size are taken from the store, not from the request.
		rec, eligible, err := s.records.Lookup(ctx, rule, cand.RecordID, rule.Cutoff(now))
		if err != nil {
			op.Processed++
			s.auditPurge(ctx, op, req.Initiator, rule, cand, 0, err)
			fail(rule, cand, err)
			continue
		}
		if !eligible {
			skip(cand, SkipNotEligible)
			continue
		}
		cand.SubjectID = rec.SubjectID
		cand.LastActivity = rec.LastActivity
		cand.EstimatedSize = rec.EstimatedSize
		cand.Method = rule.Method

		// Risk is re-evaluated and only ever raised.
		sig, seen := assessed[cand.SubjectID]
		if !seen {
			sig = s.assess(ctx, cand.SubjectID, now)
			assessed[cand.SubjectID] = sig
		}
		if current := sig.Assess(); current.rank() > cand.Risk.rank() {
			cand.Risk = current
			cand.Signals = sig
		}

		if reason, skipped := s.policySkip(rule, cand, req); skipped {
			skip(cand, reason)
			continue
		}

		op.Processed++
		methods[rule.Method] = struct{}{}
		start := time.Now()
		err = s.apply(ctx, rule, cand, op.ID)
		s.auditPurge(ctx, op, req.Initiator, rule, cand, time.Since(start), err)

		if err != nil {
			fail(rule, cand, err)
			continue
		}
		op.Purged++
		op.TotalSize += cand.EstimatedSize
		purgedKeys = append(purgedKeys, cand.key())
		if s.metrics != nil {
			s.metrics.Purged.WithLabelValues(string(rule.Method)).Inc()
		}
	}

	op.Skipped = len(res.Skipped)
	op.Method = operationMethod(methods)
	switch {
	case op.Status == StatusCancelled:
	case op.Processed > 0 && op.Purged == 0:
		op.Status = StatusFailed
	default:
		op.Status = StatusCompleted
	}
	op.CompletedAt = s.now().UTC().Truncate(time.Microsecond)
	op.VerificationHash = ComputeVerificationHash(op)

	s.clearPending(purgedKeys)
	if s.metrics != nil {
		s.metrics.Operations.WithLabelValues(string(op.Status)).Inc()
	}

	// The record of what was purged must be kept even if the caller gave up.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.ops.InsertOperation(persistCtx, op); err != nil {
		log.Error().Err(err).Msg("failed to persist purge operation")
		return res, fmt.Errorf("retention: persist operation %s: %w", op.ID, err)
	}

	log.Info().
		Str("status", string(op.Status)).
		Int("processed", op.Processed).
		Int("purged", op.Purged).
		Int("failed", op.Failed).
		Int("skipped", op.Skipped).
		Int64("total_size", op.TotalSize).
		Msg("purge operation sealed")
	return res, nil
}

// ruleMismatch rejects candidates whose rule is unknown or whose collection
// or classification differ from the rule's.
func ruleMismatch(rule Rule, known bool, cand PurgeCandidate) (SkipReason, bool) {
	switch {
	case !known:
		return SkipUnknownRule, true
	case cand.Collection != rule.Collection, cand.Classification != rule.Classification:
		return SkipRuleMismatch, true
	}
	return "", false
}

func (s *Service) policySkip(rule Rule, cand PurgeCandidate, req PurgeRequest) (SkipReason, bool) {
	switch {
	case !rule.HoldExempt && s.holds.IsHeld(cand.SubjectID):
		return SkipLegalHold, true
	case cand.Risk.rank() >= RiskHigh.rank() && !req.Force:
		return SkipHighRisk, true
	case rule.RequiresApproval && len(req.Approvers) == 0:
		return SkipApprovalRequired, true
	case rule.Method == MethodCryptoDestroy && rule.Classification != ClassPHI:
		return SkipNotPHI, true
	}
	return "", false
}

func (s *Service) apply(ctx context.Context, rule Rule, cand PurgeCandidate, opID uuid.UUID) error {
	switch rule.Method {
	case MethodSoftDelete:
		return s.records.SoftDelete(ctx, cand.Collection, cand.RecordID, s.now().UTC())
	case MethodHardDelete:
		return s.records.HardDelete(ctx, cand.Collection, cand.RecordID)
	case MethodArchive:
		return s.records.Archive(ctx, cand.Collection, cand.RecordID, ArchiveInfo{
			RuleName:    rule.Name,
			OperationID: opID.String(),
			ArchivedAt:  s.now().UTC(),
		})
	case MethodCryptoDestroy:
		return s.records.CryptoDestroy(ctx, cand.Collection, cand.RecordID)
	case MethodAnonymize:
		return s.records.Anonymize(ctx, cand.Collection, cand.RecordID, anonymizeReplacements(rule), s.now().UTC())
	}
	return fmt.Errorf("retention: unsupported purge method %q", rule.Method)
}

// anonymizeReplacements picks the fields to overwrite: the rule's own list,
// else the PHI catalogue entry for its collection, else the generic
// identifier set.
func anonymizeReplacements(rule Rule) map[string]string {
	fields := hipaa.PHIFieldsFor(rule.Collection)
	if fields == nil {
		fields = hipaa.AnonymizationFields()
	}
	out := make(map[string]string)
	if len(rule.AnonymizeFields) > 0 {
		for _, f := range rule.AnonymizeFields {
			t, ok := fields[f]
			if !ok {
				t = hipaa.PHITypeGeneral
			}
			out[f] = hipaa.RedactionMarker(t)
		}
		return out
	}
	for f, t := range fields {
		out[f] = hipaa.RedactionMarker(t)
	}
	return out
}

func operationMethod(methods map[PurgeMethod]struct{}) PurgeMethod {
	if len(methods) == 1 {
		for m := range methods {
			return m
		}
	}
	if len(methods) == 0 {
		return ""
	}
	return MethodMixed
}

func (s *Service) auditPurge(ctx context.Context, op *PurgeOperation, by Actor, rule Rule, cand PurgeCandidate, took time.Duration, purgeErr error) {
	outcome := audit.OutcomeSuccess
	meta := map[string]any{
		"operation_id": op.ID.String(),
		"rule":         rule.Name,
		"method":       string(rule.Method),
		"collection":   cand.Collection,
		"record_id":    cand.RecordID,
		"risk":         string(cand.Risk),
	}
	if purgeErr != nil {
		outcome = audit.OutcomeError
		meta["error"] = purgeErr.Error()
	}
	if len(op.Approvers) > 0 {
		meta["approvers"] = op.Approvers
	}
	_, err := s.auditor.LogEvent(ctx, audit.EventInput{
		Type:        audit.EventPHIDelete,
		ActorID:     by.ID,
		ActorRole:   by.Role,
		SubjectID:   cand.SubjectID,
		Outcome:     outcome,
		Resource:    cand.Collection + "/" + cand.RecordID,
		Reason:      "retention rule " + rule.Name,
		RecordCount: 1,
		Duration:    took,
		Metadata:    meta,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("operation_id", op.ID.String()).Str("record_id", cand.RecordID).
			Msg("failed to audit purge")
	}
}

// PlaceHold puts subjectID under legal hold and audits the action.
func (s *Service) PlaceHold(ctx context.Context, subjectID, reason string, by Actor) (LegalHold, error) {
	if by.ID == "" {
		return LegalHold{}, errors.New("retention: legal hold initiator is required")
	}
	h := LegalHold{
		SubjectID: subjectID,
		Reason:    reason,
		PlacedBy:  by.ID,
		PlacedAt:  s.now().UTC().Truncate(time.Microsecond),
	}
	err := s.holds.Place(ctx, h)
	s.auditHold(ctx, "legal_hold_place", subjectID, reason, by, err)
	if err != nil {
		return LegalHold{}, err
	}
	s.logger.Info().Str("subject_id", subjectID).Str("placed_by", by.ID).Msg("legal hold placed")
	return h, nil
}

// ReleaseHold lifts the legal hold on subjectID and audits the action.
func (s *Service) ReleaseHold(ctx context.Context, subjectID, reason string, by Actor) error {
	if by.ID == "" {
		return errors.New("retention: legal hold initiator is required")
	}
	_, err := s.holds.Release(ctx, subjectID)
	s.auditHold(ctx, "legal_hold_release", subjectID, reason, by, err)
	if err != nil {
		return err
	}
	s.logger.Info().Str("subject_id", subjectID).Str("released_by", by.ID).Msg("legal hold released")
	return nil
}

func (s *Service) auditHold(ctx context.Context, action, subjectID, reason string, by Actor, actionErr error) {
	outcome := audit.OutcomeSuccess
	meta := map[string]any{"action": action}
	if actionErr != nil {
		outcome = audit.OutcomeFailure
		meta["error"] = actionErr.Error()
	}
	_, err := s.auditor.LogEvent(ctx, audit.EventInput{
		Type:      audit.EventAdminAction,
		ActorID:   by.ID,
		ActorRole: by.Role,
		SubjectID: subjectID,
		Outcome:   outcome,
		Resource:  "legal_hold/" + subjectID,
		Reason:    reason,
		Metadata:  meta,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("action", action).Str("subject_id", subjectID).Msg("failed to audit legal hold change")
	}
}

// RunAutomated scans every rule and purges only the candidates that are low
// risk and need no approval. Everything else is left for manual review.
func (s *Service) RunAutomated(ctx context.Context) (*PurgeResult, error) {
	candidates, err := s.Scan(ctx, ScanOptions{})
	if err != nil {
		return nil, err
	}
	var auto []PurgeCandidate
	for _, c := range candidates {
		rule := s.byName[c.RuleName]
		if c.Risk == RiskLow && !rule.RequiresApproval {
			auto = append(auto, c)
		}
	}
	if len(auto) == 0 {
		s.logger.Info().Int("candidates", len(candidates)).Msg("automated retention pass found nothing to purge")
		return &PurgeResult{Skipped: []SkippedCandidate{}}, nil
	}
	return s.ExecutePurge(ctx, PurgeRequest{Candidates: auto, Initiator: SystemActor})
}

// Run executes RunAutomated every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := s.RunAutomated(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Error().Err(err).Msg("automated retention pass failed")
				}
				continue
			}
			if res.Operation != nil {
				s.logger.Info().Str("operation_id", res.Operation.ID.String()).
					Int("purged", res.Operation.Purged).Msg("automated retention pass completed")
			}
		}
	}
}
