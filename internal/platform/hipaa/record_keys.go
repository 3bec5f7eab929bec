package hipaa

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// recordKeyType names the master-derived key that wraps per-record data keys.
// It is versioned through the key ring like any PHI type.
const recordKeyType PHIType = "record_key"

const dataKeySize = 32

// WrappedKey is a per-record data key sealed under the master-derived
// wrapping key.
type WrappedKey struct {
	KeyID   string `json:"key_id"`
	Wrapped string `json:"wrapped_key"`
}

// RecordKeys persists wrapped data keys. GetRecordKey returns ErrUnknownKey
// when the record has no key, including after it was destroyed.
type RecordKeys interface {
	PutRecordKey(ctx context.Context, collection, recordID string, k WrappedKey) error
	GetRecordKey(ctx context.Context, collection, recordID string) (WrappedKey, error)
}

// SealRecord encrypts the mapped fields like EncryptRecord and additionally
// wraps every ciphertext under a fresh data key that belongs to this record
// alone. The wrapped data key is stored in keys; deleting it there makes the
// record's PHI unrecoverable, including copies held elsewhere.
func (e *Engine) SealRecord(ctx context.Context, keys RecordKeys, collection, recordID string, record map[string]any, fields map[string]PHIType) (map[string]any, error) {
	dataKey, wrapped, err := e.newRecordKey(collection, recordID)
	if err != nil {
		return nil, fmt.Errorf("seal record %s/%s: %w", collection, recordID, err)
	}
	out, err := e.encryptRecord(record, fields, dataKey, wrapped.KeyID)
	if err != nil {
		return nil, err
	}
	if err := keys.PutRecordKey(ctx, collection, recordID, wrapped); err != nil {
		return nil, fmt.Errorf("seal record %s/%s: store key: %w", collection, recordID, err)
	}
	return out, nil
}

// OpenRecord reverses SealRecord.
func (e *Engine) OpenRecord(ctx context.Context, keys RecordKeys, collection, recordID string, record map[string]any) (map[string]any, error) {
	wrapped, err := keys.GetRecordKey(ctx, collection, recordID)
	if err != nil {
		return nil, fmt.Errorf("open record %s/%s: %w", collection, recordID, err)
	}
	dataKey, err := e.unwrapRecordKey(collection, recordID, wrapped)
	if err != nil {
		return nil, fmt.Errorf("open record %s/%s: %w", collection, recordID, err)
	}
	return e.decryptRecord(record, dataKey)
}

func recordKeyAD(collection, recordID, keyID string) []byte {
	return []byte(string(recordKeyType) + "|" + collection + "|" + recordID + "|" + keyID)
}

func (e *Engine) newRecordKey(collection, recordID string) ([]byte, WrappedKey, error) {
	dataKey := make([]byte, dataKeySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, WrappedKey{}, fmt.Errorf("generate data key: %w", err)
	}
	keyID := e.ring.current(recordKeyType)
	c, err := newFieldCipher(e.fieldKey(recordKeyType, keyID))
	if err != nil {
		return nil, WrappedKey{}, err
	}
	sealed, err := c.seal(dataKey, recordKeyAD(collection, recordID, keyID))
	if err != nil {
		return nil, WrappedKey{}, err
	}
	return dataKey, WrappedKey{KeyID: keyID, Wrapped: base64.StdEncoding.EncodeToString(sealed)}, nil
}

func (e *Engine) unwrapRecordKey(collection, recordID string, w WrappedKey) ([]byte, error) {
	t, _, err := parseKeyID(w.KeyID)
	if err != nil {
		return nil, err
	}
	if t != recordKeyType {
		return nil, fmt.Errorf("%w: %q is not a record key", ErrUnknownKey, w.KeyID)
	}
	data, err := base64.StdEncoding.DecodeString(w.Wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key: %v", ErrIntegrity, err)
	}
	c, err := newFieldCipher(e.fieldKey(recordKeyType, w.KeyID))
	if err != nil {
		return nil, err
	}
	return c.open(data, recordKeyAD(collection, recordID, w.KeyID))
}

// wrapValue seals a field ciphertext under the record's data key. The field
// name is the associated data so ciphertexts cannot be moved between fields.
func wrapValue(dataKey []byte, field, ciphertext string) (string, error) {
	c, err := newFieldCipher(dataKey)
	if err != nil {
		return "", err
	}
	sealed, err := c.seal([]byte(ciphertext), []byte(field))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func unwrapValue(dataKey []byte, field, wrapped string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", ErrIntegrity, err)
	}
	c, err := newFieldCipher(dataKey)
	if err != nil {
		return "", err
	}
	plain, err := c.open(data, []byte(field))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
