package hipaa

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Key ids have the form "<phi_type>-v<version>", e.g. "ssn-v3".
const keyVersionSeparator = "-v"

// keyRing tracks the current key version per PHI type. Every version stays
// derivable from the master key, so rotating never strands existing data.
type keyRing struct {
	mu       sync.RWMutex
	versions map[PHIType]int
}

func newKeyRing() *keyRing {
	return &keyRing{versions: make(map[PHIType]int)}
}

// current returns the key id new encryptions of the type should use.
func (r *keyRing) current(t PHIType) string {
	r.mu.RLock()
	v, ok := r.versions[t]
	r.mu.RUnlock()
	if !ok {
		v = 1
	}
	return formatKeyID(t, v)
}

// rotate advances the type to the next version and returns the new key id.
func (r *keyRing) rotate(t PHIType) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[t]
	if !ok {
		v = 1
	}
	v++
	r.versions[t] = v
	return formatKeyID(t, v)
}

// set pins a type to a version.
func (r *keyRing) set(t PHIType, version int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[t] = version
}

func formatKeyID(t PHIType, version int) string {
	return string(t) + keyVersionSeparator + strconv.Itoa(version)
}

// parseKeyID splits a key id into its PHI type and version.
func parseKeyID(keyID string) (PHIType, int, error) {
	idx := strings.LastIndex(keyID, keyVersionSeparator)
	if idx <= 0 {
		return "", 0, fmt.Errorf("%w: %q has no version suffix", ErrUnknownKey, keyID)
	}
	version, err := strconv.Atoi(keyID[idx+len(keyVersionSeparator):])
	if err != nil || version < 1 {
		return "", 0, fmt.Errorf("%w: %q has an invalid version", ErrUnknownKey, keyID)
	}
	return PHIType(keyID[:idx]), version, nil
}

// RotateKeys moves the PHI type to a fresh key id and drops its cached derived
// keys. Existing ciphertexts are not touched; use ReEncrypt to migrate them.
func (e *Engine) RotateKeys(t PHIType) string {
	keyID := e.ring.rotate(t)
	dropped := e.cache.invalidate(t)
	e.logger.Info().
		Str("phi_type", string(t)).
		Str("key_id", keyID).
		Int("cached_keys_dropped", dropped).
		Msg("PHI key rotated")
	return keyID
}

// SetKeyVersion pins the current key version for a PHI type. The pin lives
// in memory only; RestoreKeyVersions and RotatePersisted go through a
// KeyVersionStore.
func (e *Engine) SetKeyVersion(t PHIType, version int) error {
	if version < 1 {
		return fmt.Errorf("key version must be >= 1, got %d", version)
	}
	e.ring.set(t, version)
	return nil
}

// CurrentKeyID returns the key id new encryptions of the type will use.
func (e *Engine) CurrentKeyID(t PHIType) string {
	return e.ring.current(t)
}

// NeedsReEncryption reports whether a field was sealed under a key id other
// than the current one for its PHI type.
func (e *Engine) NeedsReEncryption(f *EncryptedField) bool {
	if f == nil || f.Tier == TierNone {
		return false
	}
	return f.KeyID != e.ring.current(f.PHIType)
}

// ReEncrypt decrypts the field under its original key and seals it again
// under the current key.
func (e *Engine) ReEncrypt(f *EncryptedField) (*EncryptedField, error) {
	plaintext, err := e.DecryptField(f)
	if err != nil {
		return nil, fmt.Errorf("re-encrypt: decrypt: %w", err)
	}
	return e.EncryptField(plaintext, f.PHIType)
}
