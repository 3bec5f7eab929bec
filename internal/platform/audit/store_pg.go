package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/hipaa"
)

// PGStore persists events and violations in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const eventCols = `id, occurred_at, event_type, actor_id, actor_role, subject_id, outcome,
	risk_level, risk_score, resource, origin, user_agent, session_id, tenant_id, reason,
	phi_elements, record_count, duration_ms, metadata, hash`

const violationCols = `id, event_id, category, severity, description, status, tenant_id, detected_at`

func (s *PGStore) InsertEvents(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	q := fmt.Sprintf(`INSERT INTO audit_events (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (id) DO NOTHING`, eventCols)

	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)
		for _, e := range events {
			meta, err := marshalMetadata(e.EncryptedMetadata)
			if err != nil {
				return err
			}
			elements := e.PHIElements
			if elements == nil {
				elements = []string{}
			}
			_, err = conn.Exec(ctx, q,
				e.ID, e.Timestamp, string(e.Type), e.ActorID, e.ActorRole, e.SubjectID, string(e.Outcome),
				e.RiskLevel.String(), e.RiskScore, e.Resource, e.Origin, e.UserAgent, e.SessionID, e.TenantID, e.Reason,
				elements, e.RecordCount, e.DurationMS, meta, e.Hash,
			)
			if err != nil {
				return fmt.Errorf("audit: insert event %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

func (s *PGStore) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	q := fmt.Sprintf("SELECT %s FROM audit_events WHERE id = $1", eventCols)
	e, err := scanEvent(db.Conn(ctx, s.pool).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("audit: get event %s: %w", id, err)
	}
	return e, nil
}

func (s *PGStore) ListEvents(ctx context.Context, f Filter) ([]*Event, error) {
	where, args := eventWhere(f)
	q := fmt.Sprintf("SELECT %s FROM audit_events %s ORDER BY occurred_at DESC", eventCols, where)
	q, args = limitOffset(q, args, f)

	rows, err := db.Conn(ctx, s.pool).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) InsertViolations(ctx context.Context, violations []*Violation) error {
	if len(violations) == 0 {
		return nil
	}
	q := fmt.Sprintf(`INSERT INTO compliance_violations (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT DO NOTHING`, violationCols)

	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)
		for _, v := range violations {
			_, err := conn.Exec(ctx, q,
				v.ID, v.EventID, string(v.Category), v.Severity.String(), v.Description,
				string(v.Status), v.TenantID, v.DetectedAt,
			)
			if err != nil {
				return fmt.Errorf("audit: insert violation %s: %w", v.ID, err)
			}
		}
		return nil
	})
}

func (s *PGStore) ListViolations(ctx context.Context, f Filter) ([]*Violation, error) {
	var where []string
	var args []any
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("detected_at >= $%d", len(args)))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		where = append(where, fmt.Sprintf("detected_at < $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	q := fmt.Sprintf("SELECT %s FROM compliance_violations %s ORDER BY detected_at DESC", violationCols, clause)
	q, args = limitOffset(q, args, f)

	rows, err := db.Conn(ctx, s.pool).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list violations: %w", err)
	}
	defer rows.Close()

	var out []*Violation
	for rows.Next() {
		var v Violation
		var category, severity, status string
		if err := rows.Scan(&v.ID, &v.EventID, &category, &severity, &v.Description, &status, &v.TenantID, &v.DetectedAt); err != nil {
			return nil, fmt.Errorf("audit: scan violation: %w", err)
		}
		v.Category = ViolationCategory(category)
		v.Status = ViolationStatus(status)
		if v.Severity, err = ParseRiskLevel(severity); err != nil {
			return nil, fmt.Errorf("audit: scan violation: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var eventType, outcome, risk string
	var meta []byte
	err := row.Scan(
		&e.ID, &e.Timestamp, &eventType, &e.ActorID, &e.ActorRole, &e.SubjectID, &outcome,
		&risk, &e.RiskScore, &e.Resource, &e.Origin, &e.UserAgent, &e.SessionID, &e.TenantID, &e.Reason,
		&e.PHIElements, &e.RecordCount, &e.DurationMS, &meta, &e.Hash,
	)
	if err != nil {
		return nil, err
	}
	e.Type = EventType(eventType)
	e.Outcome = Outcome(outcome)
	e.Timestamp = e.Timestamp.UTC()
	if e.RiskLevel, err = ParseRiskLevel(risk); err != nil {
		return nil, err
	}
	if len(e.PHIElements) == 0 {
		e.PHIElements = nil
	}
	if len(meta) > 0 {
		var f hipaa.EncryptedField
		if err := json.Unmarshal(meta, &f); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		e.EncryptedMetadata = &f
	}
	return &e, nil
}

func marshalMetadata(f *hipaa.EncryptedField) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("audit: encode metadata: %w", err)
	}
	return b, nil
}

func eventWhere(f Filter) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}
	if f.MinRisk != nil {
		var levels []string
		for l := *f.MinRisk; l <= RiskCritical; l++ {
			levels = append(levels, l.String())
		}
		add("risk_level = ANY($%d)", levels)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("occurred_at < $%d", f.Until)
	}
	if len(where) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(where, " AND "), args
}

func limitOffset(q string, args []any, f Filter) (string, []any) {
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return q, args
}
