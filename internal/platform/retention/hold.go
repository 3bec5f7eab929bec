package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrHoldNotFound is returned when releasing a subject that is not held.
var ErrHoldNotFound = errors.New("retention: legal hold not found")

// LegalHold blocks purging of a subject's records until released.
type LegalHold struct {
	SubjectID string    `json:"subject_id"`
	Reason    string    `json:"reason"`
	PlacedBy  string    `json:"placed_by"`
	PlacedAt  time.Time `json:"placed_at"`
}

// HoldRegistry is the in-process view of active legal holds, kept in step
// with its HoldStore. Membership checks take the read lock; place and release
// hold the write lock across the store write so the two never diverge.
type HoldRegistry struct {
	mu    sync.RWMutex
	holds map[string]LegalHold
	store HoldStore
}

func NewHoldRegistry(store HoldStore) *HoldRegistry {
	return &HoldRegistry{holds: make(map[string]LegalHold), store: store}
}

// Load replaces the registry contents with the persisted holds.
func (r *HoldRegistry) Load(ctx context.Context) error {
	holds, err := r.store.ListHolds(ctx)
	if err != nil {
		return fmt.Errorf("retention: load legal holds: %w", err)
	}
	m := make(map[string]LegalHold, len(holds))
	for _, h := range holds {
		m[h.SubjectID] = h
	}
	r.mu.Lock()
	r.holds = m
	r.mu.Unlock()
	return nil
}

// Place records a hold. Placing a hold on an already held subject replaces
// the reason and keeps the hold in force.
func (r *HoldRegistry) Place(ctx context.Context, h LegalHold) error {
	if h.SubjectID == "" {
		return errors.New("retention: legal hold needs a subject id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.InsertHold(ctx, h); err != nil {
		return fmt.Errorf("retention: place legal hold: %w", err)
	}
	r.holds[h.SubjectID] = h
	return nil
}

// Release removes the hold on subjectID and returns it.
func (r *HoldRegistry) Release(ctx context.Context, subjectID string) (LegalHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[subjectID]
	if !ok {
		return LegalHold{}, ErrHoldNotFound
	}
	if err := r.store.DeleteHold(ctx, subjectID); err != nil {
		return LegalHold{}, fmt.Errorf("retention: release legal hold: %w", err)
	}
	delete(r.holds, subjectID)
	return h, nil
}

func (r *HoldRegistry) IsHeld(subjectID string) bool {
	if subjectID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.holds[subjectID]
	return ok
}

// Active returns the current holds ordered by subject id.
func (r *HoldRegistry) Active() []LegalHold {
	r.mu.RLock()
	out := make([]LegalHold, 0, len(r.holds))
	for _, h := range r.holds {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}
