package hipaa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyMaterial reports missing or malformed key material. It is a fatal
	// configuration error: the engine never runs with a default key.
	ErrKeyMaterial = errors.New("hipaa: invalid key material")
	// ErrIntegrity reports a ciphertext, tag or checksum that failed verification.
	ErrIntegrity = errors.New("hipaa: integrity check failed")
	// ErrUnknownKey reports a key id that cannot be resolved for the field.
	ErrUnknownKey = errors.New("hipaa: unknown key id")
)

const (
	masterKeySize     = 32
	minRSAKeyBits     = 2048
	defaultIterations = 100_000

	labelIntegrity = "phi-integrity"
	labelChecksum  = "phi-checksum"
)

// KeyMaterial is the process-wide secret material the engine requires.
type KeyMaterial struct {
	MasterKey  []byte
	PrivateKey *rsa.PrivateKey
}

// ParseMasterKey decodes a 64-character hex string into a 32-byte master key.
func ParseMasterKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("%w: master key is not set", ErrKeyMaterial)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: master key is not valid hex: %v", ErrKeyMaterial, err)
	}
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes (%d hex chars), got %d bytes",
			ErrKeyMaterial, masterKeySize, masterKeySize*2, len(key))
	}
	return key, nil
}

// ParseRSAPrivateKey decodes a PEM block holding a PKCS#1 or PKCS#8 RSA key of
// at least 2048 bits.
func ParseRSAPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	if len(pemData) == 0 {
		return nil, fmt.Errorf("%w: RSA private key is not set", ErrKeyMaterial)
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: RSA private key is not PEM encoded", ErrKeyMaterial)
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse PKCS#1 key: %v", ErrKeyMaterial, err)
		}
		key = k
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse PKCS#8 key: %v", ErrKeyMaterial, err)
		}
		k, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: PKCS#8 key is not RSA", ErrKeyMaterial)
		}
		key = k
	default:
		return nil, fmt.Errorf("%w: unsupported PEM block %q", ErrKeyMaterial, block.Type)
	}

	if key.N.BitLen() < minRSAKeyBits {
		return nil, fmt.Errorf("%w: RSA key must be at least %d bits, got %d",
			ErrKeyMaterial, minRSAKeyBits, key.N.BitLen())
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: RSA key validation: %v", ErrKeyMaterial, err)
	}
	return key, nil
}

// LoadKeyMaterial parses and validates both the master key and the RSA key
// pair. Callers must treat a non-nil error as a startup abort.
func LoadKeyMaterial(masterHex string, rsaPEM []byte) (*KeyMaterial, error) {
	master, err := ParseMasterKey(masterHex)
	if err != nil {
		return nil, err
	}
	priv, err := ParseRSAPrivateKey(rsaPEM)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{MasterKey: master, PrivateKey: priv}, nil
}

// GenerateKeyMaterial creates a fresh master key (hex) and a 3072-bit RSA key
// (PKCS#8 PEM) for provisioning a new deployment.
func GenerateKeyMaterial() (string, []byte, error) {
	master := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return "", nil, fmt.Errorf("generate master key: %w", err)
	}
	priv, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		return "", nil, fmt.Errorf("generate RSA key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", nil, fmt.Errorf("marshal RSA key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return hex.EncodeToString(master), pemBytes, nil
}

// cacheKey identifies a derived field key.
type cacheKey struct {
	phiType PHIType
	keyID   string
}

// keyCache holds derived field keys. Derivation is deterministic, so two
// goroutines racing to fill the same entry store identical bytes.
type keyCache struct {
	mu   sync.RWMutex
	keys map[cacheKey][]byte
}

func newKeyCache() *keyCache {
	return &keyCache{keys: make(map[cacheKey][]byte)}
}

func (c *keyCache) get(t PHIType, keyID string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.keys[cacheKey{t, keyID}]
	return k, ok
}

func (c *keyCache) put(t PHIType, keyID string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[cacheKey{t, keyID}] = key
}

// invalidate drops every cached key for the PHI type and returns how many
// entries were removed.
func (c *keyCache) invalidate(t PHIType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.keys {
		if k.phiType == t {
			delete(c.keys, k)
			n++
		}
	}
	return n
}

func (c *keyCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

// deriveFieldKey stretches the master key with PBKDF2-SHA256 using a salt
// bound to the PHI type and key id.
func deriveFieldKey(master []byte, t PHIType, keyID string, iterations int) []byte {
	salt := []byte("phi:" + string(t) + ":" + keyID)
	return pbkdf2.Key(master, salt, iterations, 32, sha256.New)
}

// deriveSubKey expands a field key into a purpose-specific key with HKDF.
func deriveSubKey(fieldKey []byte, label string) ([]byte, error) {
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, fieldKey, nil, []byte(label)), out); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", label, err)
	}
	return out, nil
}

func macHex(key, data []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
