package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// fieldCipher is the AES-256-GCM primitive used by the standard and high
// tiers. Every field key gets its own fieldCipher.
type fieldCipher struct {
	aead cipher.AEAD
}

// newFieldCipher creates a fieldCipher for a 32-byte AES-256 key.
func newFieldCipher(key []byte) (*fieldCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("field cipher: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create GCM: %w", err)
	}

	return &fieldCipher{aead: aead}, nil
}

// seal encrypts data and returns the nonce prepended to the ciphertext. The
// associated data binds the ciphertext to its field metadata.
func (c *fieldCipher) seal(data, associated []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("field encrypt: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	return c.aead.Seal(nonce, nonce, data, associated), nil
}

// open extracts the nonce from the front of data and decrypts the remainder.
func (c *fieldCipher) open(data, associated []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, associated)
	if err != nil {
		return nil, fmt.Errorf("%w: authenticated decryption failed: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}
