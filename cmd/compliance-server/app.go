package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/config"
	"github.com/ehr/compliance/internal/platform/audit"
	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/fallback"
	"github.com/ehr/compliance/internal/platform/hipaa"
	"github.com/ehr/compliance/internal/platform/middleware"
	"github.com/ehr/compliance/internal/platform/retention"
)

// app holds the wired compliance core. pool and queue are nil when the
// components run on in-memory stores.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	queue     *fallback.RedisQueue
	engine    *hipaa.Engine
	keys      hipaa.KeyVersionStore
	audit     *audit.Service
	chain     *fallback.Chain
	alerter   *fallback.WebhookAlerter
	retention *retention.Service
	registry  *prometheus.Registry
	metrics   *middleware.HTTPMetrics
}

// stores groups the persistence backends the core runs on.
type stores struct {
	events  audit.Store
	records interface {
		retention.RecordStore
		retention.BusinessSignals
	}
	holds retention.HoldStore
	ops   retention.OperationStore
	queue fallback.Queue
	keys  hipaa.KeyVersionStore
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	st := stores{
		events: audit.NewPGStore(pool),
		holds:  retention.NewPGHoldStore(pool),
		ops:    retention.NewPGOperationStore(pool),
		keys:   hipaa.NewPGKeyVersionStore(pool),
	}
	st.records = retention.NewPGRecordStore(pool)

	var queue *fallback.RedisQueue
	if cfg.RedisURL != "" {
		queue, err = fallback.NewRedisQueue(ctx, cfg.RedisURL, cfg.FallbackQueueKey)
		if err != nil {
			// Overflow still lands in the file sink.
			logger.Warn().Err(err).Msg("redis unavailable, audit fallback goes straight to file")
		} else {
			st.queue = queue
		}
	}

	a, err := buildApp(ctx, cfg, logger, st)
	if err != nil {
		if queue != nil {
			_ = queue.Close()
		}
		pool.Close()
		return nil, err
	}
	a.pool = pool
	a.queue = queue
	if err := db.RegisterPoolMetrics(a.registry, func() *db.PoolStats { return db.GetPoolStats(pool) }); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// buildApp wires the engine, audit trail, fallback chain and retention
// engine on top of the given stores.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, st stores) (*app, error) {
	rsaPEM, err := cfg.RSAPrivateKeyPEM()
	if err != nil {
		return nil, err
	}
	km, err := hipaa.LoadKeyMaterial(cfg.HIPAAMasterKey, rsaPEM)
	if err != nil {
		return nil, err
	}
	engine, err := hipaa.NewEngine(km, logger, hipaa.WithKDFIterations(cfg.HIPAAKDFIterations))
	if err != nil {
		return nil, err
	}
	rotated, err := engine.RestoreKeyVersions(ctx, st.keys)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	chainOpts := []fallback.Option{fallback.WithMetrics(fallback.NewMetrics(reg))}
	var alerter *fallback.WebhookAlerter
	if cfg.AlertWebhookURL != "" {
		alerter, err = fallback.NewWebhookAlerter(cfg.AlertWebhookURL, cfg.AlertWebhookSecret, logger)
		if err != nil {
			return nil, err
		}
		chainOpts = append(chainOpts, fallback.WithAlerter(alerter))
	}
	chain, err := fallback.NewChain(st.queue, fallback.NewFileSink(cfg.FallbackFile), st.events,
		fallback.Config{WarnDepth: cfg.FallbackWarnDepth, CriticalDepth: cfg.FallbackCriticalDepth},
		logger, chainOpts...)
	if err != nil {
		return nil, err
	}

	auditSvc, err := audit.NewService(st.events, engine, audit.Config{
		BufferSize:    cfg.AuditBufferSize,
		FlushInterval: cfg.AuditFlushInterval,
		Thresholds: audit.RiskThresholds{
			Medium:   cfg.AuditRiskMedium,
			High:     cfg.AuditRiskHigh,
			Critical: cfg.AuditRiskCritical,
		},
	}, logger, audit.WithFallback(chain), audit.WithMetrics(audit.NewMetrics(reg)))
	if err != nil {
		return nil, err
	}

	rules := retention.DefaultRules()
	if cfg.RetentionRulesFile != "" {
		rules, err = retention.LoadRules(cfg.RetentionRulesFile)
		if err != nil {
			return nil, err
		}
	}
	holds := retention.NewHoldRegistry(st.holds)
	if err := holds.Load(ctx); err != nil {
		return nil, err
	}
	retSvc, err := retention.NewService(rules, st.records, retention.NewSignals(st.events, st.records),
		holds, st.ops, auditSvc, logger, retention.WithMetrics(retention.NewMetrics(reg)))
	if err != nil {
		return nil, err
	}

	logger.Info().
		Int("rules", len(rules)).
		Int("rotated_key_types", rotated).
		Int("legal_holds", len(holds.Active())).
		Bool("fallback_queue", st.queue != nil).
		Bool("alert_webhook", alerter != nil).
		Msg("compliance core ready")

	return &app{
		cfg:       cfg,
		logger:    logger,
		engine:    engine,
		keys:      st.keys,
		audit:     auditSvc,
		chain:     chain,
		alerter:   alerter,
		retention: retSvc,
		registry:  reg,
		metrics:   middleware.NewHTTPMetrics(reg),
	}, nil
}

// rotateKey moves a PHI type to its next key version, persists it and
// records the rotation in the audit trail.
func (a *app) rotateKey(ctx context.Context, t hipaa.PHIType, by retention.Actor) (string, error) {
	keyID, rotateErr := a.engine.RotatePersisted(ctx, a.keys, t)
	outcome := audit.OutcomeSuccess
	meta := map[string]any{"action": "rotate_key", "phi_type": string(t)}
	if rotateErr != nil {
		outcome = audit.OutcomeFailure
		meta["error"] = rotateErr.Error()
	} else {
		meta["key_id"] = keyID
	}
	if _, err := a.audit.LogEvent(ctx, audit.EventInput{
		Type:      audit.EventAdminAction,
		ActorID:   by.ID,
		ActorRole: by.Role,
		Outcome:   outcome,
		Resource:  "encryption_key/" + string(t),
		Metadata:  meta,
	}); err != nil {
		a.logger.Error().Err(err).Str("phi_type", string(t)).Msg("failed to audit key rotation")
	}
	return keyID, rotateErr
}

// close flushes buffered audit events and releases connections.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.audit.Flush(ctx); err != nil {
		a.logger.Error().Err(err).Int("pending", a.audit.Pending()).Msg("final audit flush failed")
	}
	if a.alerter != nil {
		a.alerter.Wait()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close redis queue")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
