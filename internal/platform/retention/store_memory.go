package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ehr/compliance/internal/platform/hipaa"
)

// Row is a record held by MemoryRecordStore.
type Row map[string]any

// ArchivedRecord is a row moved to long-term storage.
type ArchivedRecord struct {
	Collection string
	RecordID   string
	Info       ArchiveInfo
	Data       Row
}

// MemoryRecordStore is an in-process RecordStore, BusinessSignals and
// hipaa.RecordKeys used by tests and local runs. Rows are keyed by collection and id; the deleted_at
// field marks a soft delete and anonymized_at a completed anonymization.
type MemoryRecordStore struct {
	mu           sync.Mutex
	tables       map[string]map[string]Row
	keys         map[string]hipaa.WrappedKey
	archive      []ArchivedRecord
	balances     map[string]bool
	appointments map[string][]time.Time
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		tables:       make(map[string]map[string]Row),
		keys:         make(map[string]hipaa.WrappedKey),
		balances:     make(map[string]bool),
		appointments: make(map[string][]time.Time),
	}
}

// Put inserts or replaces a row.
func (s *MemoryRecordStore) Put(collection, id string, row Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[collection]
	if !ok {
		t = make(map[string]Row)
		s.tables[collection] = t
	}
	t[id] = copyRow(row)
}

// Get returns a copy of a row, including soft-deleted ones.
func (s *MemoryRecordStore) Get(collection, id string) (Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tables[collection][id]
	if !ok {
		return nil, false
	}
	return copyRow(r), true
}

func (s *MemoryRecordStore) PutRecordKey(_ context.Context, collection, id string, k hipaa.WrappedKey) error {
	s.mu.Lock()
	s.keys[collection+"/"+id] = k
	s.mu.Unlock()
	return nil
}

func (s *MemoryRecordStore) GetRecordKey(_ context.Context, collection, id string) (hipaa.WrappedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[collection+"/"+id]
	if !ok {
		return hipaa.WrappedKey{}, hipaa.ErrUnknownKey
	}
	return k, nil
}

func (s *MemoryRecordStore) HasKey(collection, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[collection+"/"+id]
	return ok
}

// Archived returns the archived rows in archive order.
func (s *MemoryRecordStore) Archived() []ArchivedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ArchivedRecord(nil), s.archive...)
}

func (s *MemoryRecordStore) SetUnresolvedBalance(subjectID string, owed bool) {
	s.mu.Lock()
	s.balances[subjectID] = owed
	s.mu.Unlock()
}

func (s *MemoryRecordStore) AddAppointment(subjectID string, at time.Time) {
	s.mu.Lock()
	s.appointments[subjectID] = append(s.appointments[subjectID], at)
	s.mu.Unlock()
}

func (s *MemoryRecordStore) FindEligible(_ context.Context, rule Rule, cutoff time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for id, row := range s.tables[rule.Collection] {
		if rec, ok := eligibleRow(rule, id, row, cutoff); ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryRecordStore) Lookup(_ context.Context, rule Rule, id string, cutoff time.Time) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tables[rule.Collection][id]
	if !ok {
		return Record{}, false, nil
	}
	rec, ok := eligibleRow(rule, id, row, cutoff)
	return rec, ok, nil
}

// eligibleRow reports whether row qualifies for rule at cutoff.
func eligibleRow(rule Rule, id string, row Row, cutoff time.Time) (Record, bool) {
	if row["deleted_at"] != nil {
		return Record{}, false
	}
	if rule.Method == MethodAnonymize && row["anonymized_at"] != nil {
		return Record{}, false
	}
	ts, ok := toTime(row[rule.DateColumn])
	if !ok || !ts.Before(cutoff) {
		return Record{}, false
	}
	if !matchesAll(row, rule.Conditions) {
		return Record{}, false
	}
	size := 0
	if b, err := json.Marshal(row); err == nil {
		size = len(b)
	}
	subject := ""
	if v := row[rule.subjectColumn()]; v != nil {
		subject = fmt.Sprint(v)
	}
	return Record{
		Collection:    rule.Collection,
		ID:            id,
		SubjectID:     subject,
		LastActivity:  ts,
		EstimatedSize: int64(size),
	}, true
}

// live returns the row if it exists and is not soft-deleted. Callers hold mu.
func (s *MemoryRecordStore) live(collection, id string) (Row, error) {
	r, ok := s.tables[collection][id]
	if !ok || r["deleted_at"] != nil {
		return nil, ErrRecordNotFound
	}
	return r, nil
}

func (s *MemoryRecordStore) SoftDelete(_ context.Context, collection, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.live(collection, id)
	if err != nil {
		return err
	}
	r["deleted_at"] = at
	return nil
}

func (s *MemoryRecordStore) HardDelete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[collection][id]; !ok {
		return ErrRecordNotFound
	}
	delete(s.tables[collection], id)
	return nil
}

func (s *MemoryRecordStore) Archive(_ context.Context, collection, id string, info ArchiveInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.live(collection, id)
	if err != nil {
		return err
	}
	s.archive = append(s.archive, ArchivedRecord{Collection: collection, RecordID: id, Info: info, Data: copyRow(r)})
	delete(s.tables[collection], id)
	return nil
}

func (s *MemoryRecordStore) CryptoDestroy(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, collection+"/"+id)
	if _, ok := s.tables[collection][id]; !ok {
		return ErrRecordNotFound
	}
	delete(s.tables[collection], id)
	return nil
}

func (s *MemoryRecordStore) Anonymize(_ context.Context, collection, id string, replacements map[string]string, at time.Time) error {
	if len(replacements) == 0 {
		return fmt.Errorf("retention: anonymize %s/%s: no fields", collection, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.live(collection, id)
	if err != nil {
		return err
	}
	for f, marker := range replacements {
		if _, ok := r[f]; ok {
			r[f] = marker
		}
	}
	r["anonymized_at"] = at
	return nil
}

func (s *MemoryRecordStore) HasUnresolvedBalance(_ context.Context, subjectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[subjectID], nil
}

func (s *MemoryRecordStore) HasFutureRelationship(_ context.Context, subjectID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, at := range s.appointments[subjectID] {
		if at.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func copyRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// matchesAll evaluates conditions with SQL semantics: a comparison against a
// missing or nil field is false.
func matchesAll(row Row, conds []Condition) bool {
	for _, c := range conds {
		if !matches(row[c.Column], c) {
			return false
		}
	}
	return true
}

func matches(field any, c Condition) bool {
	switch c.Op {
	case OpIsNull:
		return field == nil
	case OpNotNull:
		return field != nil
	}
	if field == nil {
		return false
	}
	switch c.Op {
	case OpIn:
		for _, v := range c.Value.List {
			if cmp, ok := compare(field, v); ok && cmp == 0 {
				return true
			}
		}
		return false
	}
	cmp, ok := compare(field, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	}
	return false
}

// compare orders field against v. ok is false when the two are not
// comparable.
func compare(field any, v Value) (int, bool) {
	switch v.Kind {
	case KindBool:
		b, ok := field.(bool)
		if !ok {
			return 0, false
		}
		if b == v.Bool {
			return 0, true
		}
		return 1, true
	case KindNumber:
		n, ok := toFloat(field)
		if !ok {
			return 0, false
		}
		return cmpFloat(n, v.Num), true
	case KindString:
		if ts, ok := field.(time.Time); ok {
			other, err := time.Parse(time.RFC3339, v.Str)
			if err != nil {
				return 0, false
			}
			return ts.Compare(other), true
		}
		s, ok := field.(string)
		if !ok {
			return 0, false
		}
		switch {
		case s < v.Str:
			return -1, true
		case s > v.Str:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		ts, err := time.Parse(time.RFC3339, t)
		return ts, err == nil
	}
	return time.Time{}, false
}

// MemoryHoldStore keeps legal holds in a map.
type MemoryHoldStore struct {
	mu    sync.Mutex
	holds map[string]LegalHold
}

func NewMemoryHoldStore() *MemoryHoldStore {
	return &MemoryHoldStore{holds: make(map[string]LegalHold)}
}

func (s *MemoryHoldStore) ListHolds(context.Context) ([]LegalHold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LegalHold, 0, len(s.holds))
	for _, h := range s.holds {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

func (s *MemoryHoldStore) InsertHold(_ context.Context, h LegalHold) error {
	s.mu.Lock()
	s.holds[h.SubjectID] = h
	s.mu.Unlock()
	return nil
}

func (s *MemoryHoldStore) DeleteHold(_ context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.holds[subjectID]; !ok {
		return ErrHoldNotFound
	}
	delete(s.holds, subjectID)
	return nil
}

// MemoryOperationStore keeps purge operations in insertion order.
type MemoryOperationStore struct {
	mu  sync.Mutex
	ops []*PurgeOperation
}

func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{}
}

func (s *MemoryOperationStore) InsertOperation(_ context.Context, op *PurgeOperation) error {
	c := *op
	c.Approvers = append([]string(nil), op.Approvers...)
	s.mu.Lock()
	s.ops = append(s.ops, &c)
	s.mu.Unlock()
	return nil
}

func (s *MemoryOperationStore) ListOperations(_ context.Context, since, until time.Time) ([]*PurgeOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PurgeOperation
	for _, op := range s.ops {
		if op.CompletedAt.Before(since) || !op.CompletedAt.Before(until) {
			continue
		}
		c := *op
		out = append(out, &c)
	}
	return out, nil
}
