package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/hipaa"
)

// PGRecordStore applies rules to tables in PostgreSQL. Every table a rule
// targets must have an id column and a nullable deleted_at timestamptz;
// tables under anonymize rules also need a nullable anonymized_at.
// PHI columns hold ciphertext and are text typed, which is what Anonymize
// writes into them.
type PGRecordStore struct {
	pool *pgxpool.Pool
}

func NewPGRecordStore(pool *pgxpool.Pool) *PGRecordStore {
	return &PGRecordStore{pool: pool}
}

var sqlOps = map[Op]string{
	OpEq: "=", OpNe: "<>", OpLt: "<", OpLte: "<=", OpGt: ">", OpGte: ">=",
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// conditionSQL renders c against table alias t and appends its arguments.
func conditionSQL(c Condition, args []any) (string, []any) {
	col := "t." + ident(c.Column)
	switch c.Op {
	case OpIsNull:
		return col + " IS NULL", args
	case OpNotNull:
		return col + " IS NOT NULL", args
	case OpIn:
		args = append(args, listArg(c.Value))
		return fmt.Sprintf("%s = ANY($%d)", col, len(args)), args
	}
	args = append(args, c.Value.Any())
	return fmt.Sprintf("%s %s $%d", col, sqlOps[c.Op], len(args)), args
}

// listArg converts a homogeneous list into a typed slice pgx can encode as
// an array.
func listArg(v Value) any {
	if len(v.List) == 0 {
		return []string{}
	}
	switch v.List[0].Kind {
	case KindNumber:
		out := make([]float64, len(v.List))
		for i, item := range v.List {
			out[i] = item.Num
		}
		return out
	case KindBool:
		out := make([]bool, len(v.List))
		for i, item := range v.List {
			out[i] = item.Bool
		}
		return out
	}
	out := make([]string, len(v.List))
	for i, item := range v.List {
		out[i] = item.Str
	}
	return out
}

func (s *PGRecordStore) FindEligible(ctx context.Context, rule Rule, cutoff time.Time) ([]Record, error) {
	return s.eligible(ctx, rule, cutoff, "")
}

func (s *PGRecordStore) Lookup(ctx context.Context, rule Rule, id string, cutoff time.Time) (Record, bool, error) {
	recs, err := s.eligible(ctx, rule, cutoff, id)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[0], true, nil
}

// eligible runs the rule's eligibility query, narrowed to one id when id is
// set.
func (s *PGRecordStore) eligible(ctx context.Context, rule Rule, cutoff time.Time, id string) ([]Record, error) {
	date := "t." + ident(rule.DateColumn)
	where := []string{"t.deleted_at IS NULL", date + " < $1"}
	if rule.Method == MethodAnonymize {
		where = append(where, "t.anonymized_at IS NULL")
	}
	args := []any{cutoff}
	for _, c := range rule.Conditions {
		var clause string
		clause, args = conditionSQL(c, args)
		where = append(where, clause)
	}
	if id != "" {
		args = append(args, id)
		where = append(where, fmt.Sprintf("t.id::text = $%d", len(args)))
	}
	q := fmt.Sprintf(`SELECT t.id::text, COALESCE(t.%s::text, ''), %s, pg_column_size(t.*)
		FROM %s t WHERE %s ORDER BY t.id`,
		ident(rule.subjectColumn()), date, ident(rule.Collection), strings.Join(where, " AND "))

	rows, err := db.Conn(ctx, s.pool).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("retention: query %s: %w", rule.Collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r := Record{Collection: rule.Collection}
		var size int32
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.LastActivity, &size); err != nil {
			return nil, fmt.Errorf("retention: scan %s: %w", rule.Collection, err)
		}
		r.EstimatedSize = int64(size)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGRecordStore) SoftDelete(ctx context.Context, collection, id string, at time.Time) error {
	q := fmt.Sprintf("UPDATE %s SET deleted_at = $1 WHERE id::text = $2 AND deleted_at IS NULL", ident(collection))
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, q, at, id)
	if err != nil {
		return fmt.Errorf("retention: soft delete %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *PGRecordStore) HardDelete(ctx context.Context, collection, id string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE id::text = $1", ident(collection))
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("retention: hard delete %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *PGRecordStore) Archive(ctx context.Context, collection, id string, info ArchiveInfo) error {
	tbl := ident(collection)
	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)
		tag, err := conn.Exec(ctx, fmt.Sprintf(`INSERT INTO retention_archive
			(collection, record_id, rule_name, operation_id, archived_at, data)
			SELECT $1, t.id::text, $2, $3, $4, to_jsonb(t) FROM %s t
			WHERE t.id::text = $5 AND t.deleted_at IS NULL`, tbl),
			collection, info.RuleName, info.OperationID, info.ArchivedAt, id)
		if err != nil {
			return fmt.Errorf("retention: archive %s/%s: %w", collection, id, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrRecordNotFound
		}
		if _, err := conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id::text = $1", tbl), id); err != nil {
			return fmt.Errorf("retention: remove archived %s/%s: %w", collection, id, err)
		}
		return nil
	})
}

func (s *PGRecordStore) CryptoDestroy(ctx context.Context, collection, id string) error {
	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		conn := db.Conn(ctx, s.pool)
		if _, err := conn.Exec(ctx,
			"DELETE FROM record_keys WHERE collection = $1 AND record_id = $2", collection, id); err != nil {
			return fmt.Errorf("retention: destroy keys for %s/%s: %w", collection, id, err)
		}
		tag, err := conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id::text = $1", ident(collection)), id)
		if err != nil {
			return fmt.Errorf("retention: destroy %s/%s: %w", collection, id, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrRecordNotFound
		}
		return nil
	})
}

// PutRecordKey stores a record's wrapped data key, replacing any earlier one.
func (s *PGRecordStore) PutRecordKey(ctx context.Context, collection, id string, k hipaa.WrappedKey) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `INSERT INTO record_keys (collection, record_id, key_id, wrapped_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, record_id) DO UPDATE SET key_id = EXCLUDED.key_id, wrapped_key = EXCLUDED.wrapped_key, created_at = NOW()`,
		collection, id, k.KeyID, k.Wrapped)
	if err != nil {
		return fmt.Errorf("retention: store key for %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *PGRecordStore) GetRecordKey(ctx context.Context, collection, id string) (hipaa.WrappedKey, error) {
	var k hipaa.WrappedKey
	err := db.Conn(ctx, s.pool).QueryRow(ctx,
		"SELECT key_id, wrapped_key FROM record_keys WHERE collection = $1 AND record_id = $2",
		collection, id).Scan(&k.KeyID, &k.Wrapped)
	if errors.Is(err, pgx.ErrNoRows) {
		return hipaa.WrappedKey{}, hipaa.ErrUnknownKey
	}
	if err != nil {
		return hipaa.WrappedKey{}, fmt.Errorf("retention: load key for %s/%s: %w", collection, id, err)
	}
	return k, nil
}

func (s *PGRecordStore) Anonymize(ctx context.Context, collection, id string, replacements map[string]string, at time.Time) error {
	if len(replacements) == 0 {
		return fmt.Errorf("retention: anonymize %s/%s: no fields", collection, id)
	}
	fields := make([]string, 0, len(replacements))
	for f := range replacements {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	sets := make([]string, len(fields))
	args := make([]any, 0, len(fields)+1)
	for i, f := range fields {
		args = append(args, replacements[f])
		sets[i] = fmt.Sprintf("%s = $%d", ident(f), len(args))
	}
	args = append(args, at)
	sets = append(sets, fmt.Sprintf("anonymized_at = $%d", len(args)))
	args = append(args, id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id::text = $%d AND deleted_at IS NULL",
		ident(collection), strings.Join(sets, ", "), len(args))

	tag, err := db.Conn(ctx, s.pool).Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("retention: anonymize %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Statuses that leave nothing owed on a billing record.
var settledBillingStatuses = []string{"paid", "closed", "written_off"}

func (s *PGRecordStore) HasUnresolvedBalance(ctx context.Context, subjectID string) (bool, error) {
	var ok bool
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM billing_records
		WHERE patient_id::text = $1 AND deleted_at IS NULL AND NOT (status = ANY($2)))`,
		subjectID, settledBillingStatuses).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("retention: billing lookup for %s: %w", subjectID, err)
	}
	return ok, nil
}

func (s *PGRecordStore) HasFutureRelationship(ctx context.Context, subjectID string, now time.Time) (bool, error) {
	var ok bool
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM appointments
		WHERE patient_id::text = $1 AND deleted_at IS NULL AND starts_at > $2 AND status <> 'cancelled')`,
		subjectID, now).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("retention: appointment lookup for %s: %w", subjectID, err)
	}
	return ok, nil
}

// PGHoldStore persists legal holds in the legal_holds table.
type PGHoldStore struct {
	pool *pgxpool.Pool
}

func NewPGHoldStore(pool *pgxpool.Pool) *PGHoldStore {
	return &PGHoldStore{pool: pool}
}

func (s *PGHoldStore) ListHolds(ctx context.Context) ([]LegalHold, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx,
		"SELECT subject_id, reason, placed_by, placed_at FROM legal_holds ORDER BY subject_id")
	if err != nil {
		return nil, fmt.Errorf("retention: list holds: %w", err)
	}
	defer rows.Close()

	var out []LegalHold
	for rows.Next() {
		var h LegalHold
		if err := rows.Scan(&h.SubjectID, &h.Reason, &h.PlacedBy, &h.PlacedAt); err != nil {
			return nil, fmt.Errorf("retention: scan hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PGHoldStore) InsertHold(ctx context.Context, h LegalHold) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx, `INSERT INTO legal_holds (subject_id, reason, placed_by, placed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id) DO UPDATE SET reason = EXCLUDED.reason, placed_by = EXCLUDED.placed_by, placed_at = EXCLUDED.placed_at`,
		h.SubjectID, h.Reason, h.PlacedBy, h.PlacedAt)
	if err != nil {
		return fmt.Errorf("retention: insert hold %s: %w", h.SubjectID, err)
	}
	return nil
}

func (s *PGHoldStore) DeleteHold(ctx context.Context, subjectID string) error {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, "DELETE FROM legal_holds WHERE subject_id = $1", subjectID)
	if err != nil {
		return fmt.Errorf("retention: delete hold %s: %w", subjectID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrHoldNotFound
	}
	return nil
}

// PGOperationStore persists sealed purge operations.
type PGOperationStore struct {
	pool *pgxpool.Pool
}

func NewPGOperationStore(pool *pgxpool.Pool) *PGOperationStore {
	return &PGOperationStore{pool: pool}
}

const operationCols = `id, initiated_by, started_at, completed_at, status, method, processed, purged,
	failed, skipped, total_size, approvers, verification_hash`

func (s *PGOperationStore) InsertOperation(ctx context.Context, op *PurgeOperation) error {
	approvers := op.Approvers
	if approvers == nil {
		approvers = []string{}
	}
	q := fmt.Sprintf(`INSERT INTO purge_operations (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, operationCols)
	_, err := db.Conn(ctx, s.pool).Exec(ctx, q,
		op.ID, op.InitiatedBy, op.StartedAt, op.CompletedAt, string(op.Status), string(op.Method),
		op.Processed, op.Purged, op.Failed, op.Skipped, op.TotalSize, approvers, op.VerificationHash)
	if err != nil {
		return fmt.Errorf("retention: insert operation %s: %w", op.ID, err)
	}
	return nil
}

func (s *PGOperationStore) ListOperations(ctx context.Context, since, until time.Time) ([]*PurgeOperation, error) {
	q := fmt.Sprintf(`SELECT %s FROM purge_operations
		WHERE completed_at >= $1 AND completed_at < $2 ORDER BY completed_at`, operationCols)
	rows, err := db.Conn(ctx, s.pool).Query(ctx, q, since, until)
	if err != nil {
		return nil, fmt.Errorf("retention: list operations: %w", err)
	}
	defer rows.Close()

	var out []*PurgeOperation
	for rows.Next() {
		var (
			op             PurgeOperation
			id             uuid.UUID
			status, method string
		)
		if err := rows.Scan(&id, &op.InitiatedBy, &op.StartedAt, &op.CompletedAt, &status, &method,
			&op.Processed, &op.Purged, &op.Failed, &op.Skipped, &op.TotalSize, &op.Approvers, &op.VerificationHash); err != nil {
			return nil, fmt.Errorf("retention: scan operation: %w", err)
		}
		op.ID = id
		op.Status = OperationStatus(status)
		op.Method = PurgeMethod(method)
		out = append(out, &op)
	}
	return out, rows.Err()
}
