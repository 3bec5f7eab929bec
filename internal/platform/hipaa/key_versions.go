package hipaa

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/compliance/internal/platform/db"
)

// KeyVersionStore persists the current key version per PHI type so a
// restarted process keeps encrypting under rotated keys.
type KeyVersionStore interface {
	LoadKeyVersions(ctx context.Context) (map[PHIType]int, error)
	// SaveKeyVersion records version for t unless a newer one is already
	// stored, and returns the version now in effect.
	SaveKeyVersion(ctx context.Context, t PHIType, version int) (int, error)
}

// knownKeyType reports whether t has a key in the ring.
func knownKeyType(t PHIType) bool {
	if t == recordKeyType {
		return true
	}
	_, ok := phiTierTable[t]
	return ok
}

// RestoreKeyVersions pins the ring to the persisted versions. It returns the
// number of types restored.
func (e *Engine) RestoreKeyVersions(ctx context.Context, store KeyVersionStore) (int, error) {
	versions, err := store.LoadKeyVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore key versions: %w", err)
	}
	for t, v := range versions {
		if !knownKeyType(t) {
			return 0, fmt.Errorf("restore key versions: %w: %q", ErrUnknownKey, t)
		}
		if err := e.SetKeyVersion(t, v); err != nil {
			return 0, fmt.Errorf("restore key versions: %s: %w", t, err)
		}
		e.cache.invalidate(t)
	}
	return len(versions), nil
}

// RotatePersisted advances the type to its next key version, persisting the
// new version before any encryption can use it.
func (e *Engine) RotatePersisted(ctx context.Context, store KeyVersionStore, t PHIType) (string, error) {
	if !knownKeyType(t) {
		return "", fmt.Errorf("rotate key: %w: %q", ErrUnknownKey, t)
	}
	_, current, err := parseKeyID(e.ring.current(t))
	if err != nil {
		return "", fmt.Errorf("rotate key: %w", err)
	}
	version, err := store.SaveKeyVersion(ctx, t, current+1)
	if err != nil {
		return "", fmt.Errorf("rotate key: %s: %w", t, err)
	}
	e.ring.set(t, version)
	dropped := e.cache.invalidate(t)
	keyID := formatKeyID(t, version)
	e.logger.Info().
		Str("phi_type", string(t)).
		Str("key_id", keyID).
		Int("cached_keys_dropped", dropped).
		Msg("PHI key rotated")
	return keyID, nil
}

// MemoryKeyVersionStore keeps versions in process memory.
type MemoryKeyVersionStore struct {
	mu       sync.Mutex
	versions map[PHIType]int
}

func NewMemoryKeyVersionStore() *MemoryKeyVersionStore {
	return &MemoryKeyVersionStore{versions: make(map[PHIType]int)}
}

func (s *MemoryKeyVersionStore) LoadKeyVersions(_ context.Context) (map[PHIType]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[PHIType]int, len(s.versions))
	for t, v := range s.versions {
		out[t] = v
	}
	return out, nil
}

func (s *MemoryKeyVersionStore) SaveKeyVersion(_ context.Context, t PHIType, version int) (int, error) {
	if version < 1 {
		return 0, fmt.Errorf("key version must be >= 1, got %d", version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.versions[t] {
		s.versions[t] = version
	}
	return s.versions[t], nil
}

// PGKeyVersionStore reads and writes the key_versions table.
type PGKeyVersionStore struct {
	pool *pgxpool.Pool
}

func NewPGKeyVersionStore(pool *pgxpool.Pool) *PGKeyVersionStore {
	return &PGKeyVersionStore{pool: pool}
}

func (s *PGKeyVersionStore) LoadKeyVersions(ctx context.Context) (map[PHIType]int, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `SELECT phi_type, version FROM key_versions`)
	if err != nil {
		return nil, fmt.Errorf("load key versions: %w", err)
	}
	defer rows.Close()

	out := make(map[PHIType]int)
	for rows.Next() {
		var (
			t string
			v int
		)
		if err := rows.Scan(&t, &v); err != nil {
			return nil, fmt.Errorf("scan key version: %w", err)
		}
		out[PHIType(t)] = v
	}
	return out, rows.Err()
}

func (s *PGKeyVersionStore) SaveKeyVersion(ctx context.Context, t PHIType, version int) (int, error) {
	var stored int
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO key_versions (phi_type, version, rotated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (phi_type) DO UPDATE
			SET version = GREATEST(key_versions.version, EXCLUDED.version),
			    rotated_at = NOW()
		RETURNING version`, string(t), version).Scan(&stored)
	if err != nil {
		return 0, fmt.Errorf("save key version %s: %w", t, err)
	}
	return stored, nil
}
