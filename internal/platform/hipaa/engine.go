package hipaa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Algorithm labels recorded on every EncryptedField.
const (
	AlgorithmNone       = "none"
	AlgorithmAESGCM     = "AES-256-GCM"
	AlgorithmAESGCMHMAC = "AES-256-GCM+HMAC-SHA256"
	AlgorithmRSAOAEP    = "RSA-OAEP-SHA256"
)

// KeyHintOversize marks a maximum-tier value too long for RSA-OAEP that was
// sealed with the high-tier construction instead.
const KeyHintOversize = "oversize:high"

// EncryptedField is an opaque ciphertext plus the metadata required to
// decrypt and verify it.
type EncryptedField struct {
	Ciphertext   string         `json:"ciphertext"`
	Tier         EncryptionTier `json:"tier"`
	PHIType      PHIType        `json:"phi_type"`
	KeyID        string         `json:"key_id,omitempty"`
	Algorithm    string         `json:"algorithm"`
	EncryptedAt  time.Time      `json:"encrypted_at"`
	Checksum     string         `json:"checksum,omitempty"`
	IntegrityTag string         `json:"integrity_tag,omitempty"`
	KeyHint      string         `json:"key_hint,omitempty"`
}

// Engine performs tiered field-level PHI encryption. It is safe for
// concurrent use.
type Engine struct {
	master     []byte
	private    *rsa.PrivateKey
	iterations int
	cache      *keyCache
	ring       *keyRing
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithKDFIterations overrides the PBKDF2 iteration count.
func WithKDFIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.iterations = n
		}
	}
}

// WithClock overrides the time source used for EncryptedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine from validated key material. A nil or
// incomplete KeyMaterial is rejected with ErrKeyMaterial.
func NewEngine(km *KeyMaterial, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if km == nil {
		return nil, fmt.Errorf("%w: no key material supplied", ErrKeyMaterial)
	}
	if len(km.MasterKey) != masterKeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrKeyMaterial, masterKeySize, len(km.MasterKey))
	}
	if km.PrivateKey == nil {
		return nil, fmt.Errorf("%w: RSA key pair is required for the maximum tier", ErrKeyMaterial)
	}
	if km.PrivateKey.N.BitLen() < minRSAKeyBits {
		return nil, fmt.Errorf("%w: RSA key must be at least %d bits", ErrKeyMaterial, minRSAKeyBits)
	}

	master := make([]byte, len(km.MasterKey))
	copy(master, km.MasterKey)

	e := &Engine{
		master:     master,
		private:    km.PrivateKey,
		iterations: defaultIterations,
		cache:      newKeyCache(),
		ring:       newKeyRing(),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With().Str("component", "phi-encryption").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger.Info().Int("kdf_iterations", e.iterations).Msg("PHI field-level encryption enabled")
	return e, nil
}

// EncryptField seals a single value under the tier its PHI type maps to. An
// empty value yields a TierNone field rather than an error.
func (e *Engine) EncryptField(value string, t PHIType) (*EncryptedField, error) {
	if value == "" {
		return &EncryptedField{
			Tier:        TierNone,
			PHIType:     t,
			Algorithm:   AlgorithmNone,
			EncryptedAt: e.now(),
		}, nil
	}

	tier := TierFor(t)
	keyID := e.ring.current(t)
	fieldKey := e.fieldKey(t, keyID)

	checksum, err := e.checksum(fieldKey, value)
	if err != nil {
		return nil, fmt.Errorf("phi encrypt %s: %w", t, err)
	}

	f := &EncryptedField{
		Tier:        tier,
		PHIType:     t,
		KeyID:       keyID,
		EncryptedAt: e.now(),
		Checksum:    checksum,
	}
	ad := associatedData(t, keyID, tier)

	switch tier {
	case TierStandard:
		err = e.sealStandard(f, fieldKey, []byte(value), ad)
	case TierHigh:
		err = e.sealHigh(f, fieldKey, []byte(value), ad)
	case TierMaximum:
		if len(value) <= e.oaepCapacity() {
			err = e.sealRSA(f, []byte(value), ad)
		} else {
			err = e.sealHigh(f, fieldKey, []byte(value), ad)
			f.KeyHint = KeyHintOversize
		}
	default:
		err = fmt.Errorf("unsupported tier %q", tier)
	}
	if err != nil {
		return nil, fmt.Errorf("phi encrypt %s: %w", t, err)
	}
	return f, nil
}

// DecryptField reverses EncryptField. Tag, authentication and plaintext
// checksum failures are reported as ErrIntegrity.
func (e *Engine) DecryptField(f *EncryptedField) (string, error) {
	if f == nil {
		return "", errors.New("phi decrypt: nil field")
	}
	if f.Tier == TierNone {
		if f.Ciphertext != "" {
			return "", fmt.Errorf("phi decrypt: %w: unencrypted field carries ciphertext", ErrIntegrity)
		}
		return "", nil
	}

	if err := checkTierAlgorithm(f); err != nil {
		return "", fmt.Errorf("phi decrypt %s: %w", f.PHIType, err)
	}

	keyType, _, err := parseKeyID(f.KeyID)
	if err != nil {
		return "", fmt.Errorf("phi decrypt %s: %w", f.PHIType, err)
	}
	if keyType != f.PHIType {
		return "", fmt.Errorf("phi decrypt %s: %w: key id %q belongs to %s", f.PHIType, ErrUnknownKey, f.KeyID, keyType)
	}

	data, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("phi decrypt %s: %w: base64 decode: %v", f.PHIType, ErrIntegrity, err)
	}

	fieldKey := e.fieldKey(f.PHIType, f.KeyID)
	ad := associatedData(f.PHIType, f.KeyID, f.Tier)

	var plaintext []byte
	switch f.Algorithm {
	case AlgorithmAESGCM:
		plaintext, err = openStandard(fieldKey, data, ad)
	case AlgorithmAESGCMHMAC:
		plaintext, err = openHigh(fieldKey, data, ad, f.IntegrityTag)
	case AlgorithmRSAOAEP:
		plaintext, err = rsa.DecryptOAEP(sha256.New(), nil, e.private, data, ad)
		if err != nil {
			err = fmt.Errorf("%w: RSA-OAEP decryption failed", ErrIntegrity)
		}
	}
	if err != nil {
		return "", fmt.Errorf("phi decrypt %s: %w", f.PHIType, err)
	}

	sum, err := e.checksum(fieldKey, string(plaintext))
	if err != nil {
		return "", fmt.Errorf("phi decrypt %s: %w", f.PHIType, err)
	}
	if !hmac.Equal([]byte(sum), []byte(f.Checksum)) {
		return "", fmt.Errorf("phi decrypt %s: %w: plaintext checksum mismatch", f.PHIType, ErrIntegrity)
	}
	return string(plaintext), nil
}

// CachedKeys returns the number of derived keys currently cached.
func (e *Engine) CachedKeys() int {
	return e.cache.len()
}

func (e *Engine) fieldKey(t PHIType, keyID string) []byte {
	if k, ok := e.cache.get(t, keyID); ok {
		return k
	}
	k := deriveFieldKey(e.master, t, keyID, e.iterations)
	e.cache.put(t, keyID, k)
	return k
}

func (e *Engine) checksum(fieldKey []byte, value string) (string, error) {
	k, err := deriveSubKey(fieldKey, labelChecksum)
	if err != nil {
		return "", err
	}
	return macHex(k, []byte(value)), nil
}

// oaepCapacity is the largest plaintext RSA-OAEP-SHA256 can seal with the
// module key.
func (e *Engine) oaepCapacity() int {
	return e.private.Size() - 2*sha256.Size - 2
}

func (e *Engine) sealStandard(f *EncryptedField, fieldKey, plaintext, ad []byte) error {
	c, err := newFieldCipher(fieldKey)
	if err != nil {
		return err
	}
	sealed, err := c.seal(plaintext, ad)
	if err != nil {
		return err
	}
	f.Ciphertext = base64.StdEncoding.EncodeToString(sealed)
	f.Algorithm = AlgorithmAESGCM
	return nil
}

func (e *Engine) sealHigh(f *EncryptedField, fieldKey, plaintext, ad []byte) error {
	c, err := newFieldCipher(fieldKey)
	if err != nil {
		return err
	}
	sealed, err := c.seal(plaintext, ad)
	if err != nil {
		return err
	}
	tagKey, err := deriveSubKey(fieldKey, labelIntegrity)
	if err != nil {
		return err
	}
	f.Ciphertext = base64.StdEncoding.EncodeToString(sealed)
	f.IntegrityTag = macHex(tagKey, sealed)
	f.Algorithm = AlgorithmAESGCMHMAC
	return nil
}

func (e *Engine) sealRSA(f *EncryptedField, plaintext, ad []byte) error {
	sealed, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &e.private.PublicKey, plaintext, ad)
	if err != nil {
		return fmt.Errorf("RSA-OAEP encrypt: %w", err)
	}
	f.Ciphertext = base64.StdEncoding.EncodeToString(sealed)
	f.Algorithm = AlgorithmRSAOAEP
	return nil
}

func openStandard(fieldKey, data, ad []byte) ([]byte, error) {
	c, err := newFieldCipher(fieldKey)
	if err != nil {
		return nil, err
	}
	return c.open(data, ad)
}

func openHigh(fieldKey, data, ad []byte, tag string) ([]byte, error) {
	if tag == "" {
		return nil, fmt.Errorf("%w: missing integrity tag", ErrIntegrity)
	}
	tagKey, err := deriveSubKey(fieldKey, labelIntegrity)
	if err != nil {
		return nil, err
	}
	want, err := hex.DecodeString(tag)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed integrity tag", ErrIntegrity)
	}
	got, _ := hex.DecodeString(macHex(tagKey, data))
	if !hmac.Equal(want, got) {
		return nil, fmt.Errorf("%w: integrity tag mismatch", ErrIntegrity)
	}
	return openStandard(fieldKey, data, ad)
}

// checkTierAlgorithm rejects metadata whose algorithm does not belong to its
// tier, so a high-tier field cannot be downgraded by stripping its tag.
func checkTierAlgorithm(f *EncryptedField) error {
	ok := false
	switch f.Tier {
	case TierStandard:
		ok = f.Algorithm == AlgorithmAESGCM
	case TierHigh:
		ok = f.Algorithm == AlgorithmAESGCMHMAC
	case TierMaximum:
		ok = f.Algorithm == AlgorithmRSAOAEP ||
			(f.Algorithm == AlgorithmAESGCMHMAC && f.KeyHint == KeyHintOversize)
	}
	if !ok {
		return fmt.Errorf("%w: algorithm %q is not valid for tier %q", ErrIntegrity, f.Algorithm, f.Tier)
	}
	return nil
}

// associatedData binds ciphertexts to their PHI type, key id and tier.
func associatedData(t PHIType, keyID string, tier EncryptionTier) []byte {
	return []byte(string(t) + "|" + keyID + "|" + string(tier))
}
