package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used in development and tests. It
// keeps copies of everything it is given.
type MemoryStore struct {
	mu         sync.RWMutex
	events     map[uuid.UUID]*Event
	order      []uuid.UUID
	violations []*Violation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[uuid.UUID]*Event)}
}

func (s *MemoryStore) InsertEvents(_ context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if _, exists := s.events[e.ID]; exists {
			continue
		}
		c := e.Clone()
		c.Metadata = nil
		s.events[e.ID] = c
		s.order = append(s.order, e.ID)
	}
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id uuid.UUID) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) ListEvents(_ context.Context, f Filter) ([]*Event, error) {
	s.mu.RLock()
	var out []*Event
	for _, id := range s.order {
		if e := s.events[id]; f.matches(e) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *MemoryStore) InsertViolations(_ context.Context, violations []*Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range violations {
		if s.hasViolation(v.EventID, v.Category) {
			continue
		}
		c := *v
		s.violations = append(s.violations, &c)
	}
	return nil
}

// hasViolation requires s.mu.
func (s *MemoryStore) hasViolation(eventID uuid.UUID, c ViolationCategory) bool {
	for _, v := range s.violations {
		if v.EventID == eventID && v.Category == c {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListViolations(_ context.Context, f Filter) ([]*Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Violation
	for _, v := range s.violations {
		if f.TenantID != "" && v.TenantID != f.TenantID {
			continue
		}
		if !inWindow(v.DetectedAt, f.Since, f.Until) {
			continue
		}
		c := *v
		out = append(out, &c)
	}
	return paginate(out, f.Limit, f.Offset), nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
