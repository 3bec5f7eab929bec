package hipaa

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// RecordMetadataKey is the record key that carries the encryption metadata
// blob written by EncryptRecord.
const RecordMetadataKey = "_encryption"

const recordMetadataVersion = 1

// Value kinds recorded per field so DecryptRecord can restore the original
// Go type.
const (
	ValueKindString = "string"
	ValueKindJSON   = "json"
)

// FieldEncryptionMetadata describes how one record field was encrypted.
type FieldEncryptionMetadata struct {
	Tier         EncryptionTier `json:"tier"`
	PHIType      PHIType        `json:"phi_type"`
	KeyID        string         `json:"key_id,omitempty"`
	Algorithm    string         `json:"algorithm"`
	EncryptedAt  time.Time      `json:"encrypted_at"`
	Checksum     string         `json:"checksum,omitempty"`
	IntegrityTag string         `json:"integrity_tag,omitempty"`
	KeyHint      string         `json:"key_hint,omitempty"`
	ValueKind    string         `json:"value_kind"`
}

// RecordEncryptionMetadata is the single metadata blob attached to an
// encrypted record.
type RecordEncryptionMetadata struct {
	Version     int                                `json:"version"`
	EncryptedAt time.Time                          `json:"encrypted_at"`
	Fields      map[string]FieldEncryptionMetadata `json:"fields"`
	// RecordKeyID is set when the fields are also wrapped under a per-record
	// data key by SealRecord.
	RecordKeyID string `json:"record_key_id,omitempty"`
}

// EncryptRecord returns a copy of record with every mapped field replaced by
// its ciphertext and the metadata blob stored under RecordMetadataKey. Fields
// that are absent or nil are left untouched. Non-string values are JSON
// encoded first and restored by DecryptRecord.
func (e *Engine) EncryptRecord(record map[string]any, fields map[string]PHIType) (map[string]any, error) {
	return e.encryptRecord(record, fields, nil, "")
}

func (e *Engine) encryptRecord(record map[string]any, fields map[string]PHIType, dataKey []byte, recordKeyID string) (map[string]any, error) {
	out := make(map[string]any, len(record)+1)
	for k, v := range record {
		out[k] = v
	}

	meta := RecordEncryptionMetadata{
		Version:     recordMetadataVersion,
		EncryptedAt: e.now(),
		Fields:      make(map[string]FieldEncryptionMetadata),
		RecordKeyID: recordKeyID,
	}

	for _, name := range sortedFieldNames(fields) {
		raw, ok := record[name]
		if !ok || raw == nil {
			continue
		}

		value, kind, err := fieldString(raw)
		if err != nil {
			return nil, fmt.Errorf("encrypt record: field %s: %w", name, err)
		}

		ef, err := e.EncryptField(value, fields[name])
		if err != nil {
			return nil, fmt.Errorf("encrypt record: field %s: %w", name, err)
		}

		stored := ef.Ciphertext
		if dataKey != nil && stored != "" {
			if stored, err = wrapValue(dataKey, name, stored); err != nil {
				return nil, fmt.Errorf("encrypt record: field %s: %w", name, err)
			}
		}
		out[name] = stored
		meta.Fields[name] = FieldEncryptionMetadata{
			Tier:         ef.Tier,
			PHIType:      ef.PHIType,
			KeyID:        ef.KeyID,
			Algorithm:    ef.Algorithm,
			EncryptedAt:  ef.EncryptedAt,
			Checksum:     ef.Checksum,
			IntegrityTag: ef.IntegrityTag,
			KeyHint:      ef.KeyHint,
			ValueKind:    kind,
		}
	}

	out[RecordMetadataKey] = meta
	return out, nil
}

// DecryptRecord reverses EncryptRecord. A record without metadata is
// returned as a copy unchanged. The metadata may be the typed struct, a
// decoded JSON object or a JSON string, depending on how the record
// round-tripped through storage. Records sealed by SealRecord need
// OpenRecord and fail here with ErrUnknownKey.
func (e *Engine) DecryptRecord(record map[string]any) (map[string]any, error) {
	return e.decryptRecord(record, nil)
}

func (e *Engine) decryptRecord(record map[string]any, dataKey []byte) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}

	raw, ok := record[RecordMetadataKey]
	if !ok || raw == nil {
		return out, nil
	}
	meta, err := normalizeRecordMetadata(raw)
	if err != nil {
		return nil, fmt.Errorf("decrypt record: %w", err)
	}
	if meta.RecordKeyID != "" && dataKey == nil {
		return nil, fmt.Errorf("decrypt record: %w: fields are wrapped under record key %s", ErrUnknownKey, meta.RecordKeyID)
	}

	for name, fm := range meta.Fields {
		var ciphertext string
		if v, ok := record[name]; ok && v != nil {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("decrypt record: field %s: %w: ciphertext is %T", name, ErrIntegrity, v)
			}
			ciphertext = s
		}
		if meta.RecordKeyID != "" && ciphertext != "" {
			if ciphertext, err = unwrapValue(dataKey, name, ciphertext); err != nil {
				return nil, fmt.Errorf("decrypt record: field %s: %w", name, err)
			}
		}

		plaintext, err := e.DecryptField(&EncryptedField{
			Ciphertext:   ciphertext,
			Tier:         fm.Tier,
			PHIType:      fm.PHIType,
			KeyID:        fm.KeyID,
			Algorithm:    fm.Algorithm,
			EncryptedAt:  fm.EncryptedAt,
			Checksum:     fm.Checksum,
			IntegrityTag: fm.IntegrityTag,
			KeyHint:      fm.KeyHint,
		})
		if err != nil {
			return nil, fmt.Errorf("decrypt record: field %s: %w", name, err)
		}

		if fm.ValueKind == ValueKindJSON {
			var v any
			if err := json.Unmarshal([]byte(plaintext), &v); err != nil {
				return nil, fmt.Errorf("decrypt record: field %s: restore value: %w", name, err)
			}
			out[name] = v
			continue
		}
		out[name] = plaintext
	}

	delete(out, RecordMetadataKey)
	return out, nil
}

func fieldString(v any) (string, string, error) {
	if s, ok := v.(string); ok {
		return s, ValueKindString, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", "", fmt.Errorf("encode value: %w", err)
	}
	return string(b), ValueKindJSON, nil
}

func normalizeRecordMetadata(raw any) (*RecordEncryptionMetadata, error) {
	switch m := raw.(type) {
	case RecordEncryptionMetadata:
		return &m, nil
	case *RecordEncryptionMetadata:
		return m, nil
	case string:
		var meta RecordEncryptionMetadata
		if err := json.Unmarshal([]byte(m), &meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		return &meta, nil
	case []byte:
		var meta RecordEncryptionMetadata
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		return &meta, nil
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		var meta RecordEncryptionMetadata
		if err := json.Unmarshal(b, &meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		return &meta, nil
	}
}

func sortedFieldNames(fields map[string]PHIType) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
