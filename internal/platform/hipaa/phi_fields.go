package hipaa

import (
	"sort"
	"strings"
)

// PHIType classifies a piece of Protected Health Information. The type drives
// which encryption tier protects the value and which redaction marker replaces
// it during de-identification.
type PHIType string

const (
	PHITypeSSN                 PHIType = "ssn"
	PHITypeCreditCard          PHIType = "credit_card"
	PHITypeBankAccount         PHIType = "bank_account"
	PHITypeMedicalRecordNumber PHIType = "medical_record_number"
	PHITypeInsuranceID         PHIType = "insurance_id"
	PHITypeDiagnosis           PHIType = "diagnosis"
	PHITypeMedication          PHIType = "medication"
	PHITypeLabResult           PHIType = "lab_result"
	PHITypeDateOfBirth         PHIType = "date_of_birth"
	PHITypeName                PHIType = "name"
	PHITypeAddress             PHIType = "address"
	PHITypePhone               PHIType = "phone"
	PHITypeEmail               PHIType = "email"
	PHITypeClinicalNotes       PHIType = "clinical_notes"
	PHITypeAuditMetadata       PHIType = "audit_metadata"
	PHITypeGeneral             PHIType = "general"
)

// EncryptionTier selects the cryptographic construction used for a field.
type EncryptionTier string

const (
	// TierNone marks the degenerate field produced for empty input.
	TierNone     EncryptionTier = "none"
	TierStandard EncryptionTier = "standard"
	TierHigh     EncryptionTier = "high"
	TierMaximum  EncryptionTier = "maximum"
)

// phiTierTable is the static PHI type to tier mapping. Types not listed here
// fall back to the standard tier.
var phiTierTable = map[PHIType]EncryptionTier{
	PHITypeSSN:                 TierMaximum,
	PHITypeCreditCard:          TierMaximum,
	PHITypeBankAccount:         TierMaximum,
	PHITypeMedicalRecordNumber: TierHigh,
	PHITypeInsuranceID:         TierHigh,
	PHITypeDiagnosis:           TierHigh,
	PHITypeMedication:          TierHigh,
	PHITypeLabResult:           TierHigh,
	PHITypeDateOfBirth:         TierHigh,
	PHITypeName:                TierStandard,
	PHITypeAddress:             TierStandard,
	PHITypePhone:               TierStandard,
	PHITypeEmail:               TierStandard,
	PHITypeClinicalNotes:       TierStandard,
	PHITypeAuditMetadata:       TierStandard,
	PHITypeGeneral:             TierStandard,
}

// TierFor returns the encryption tier for a PHI type.
func TierFor(t PHIType) EncryptionTier {
	if tier, ok := phiTierTable[t]; ok {
		return tier
	}
	return TierStandard
}

// RedactionMarker returns the generic placeholder used when a value of the
// given type is removed, e.g. "[SSN_REDACTED]".
func RedactionMarker(t PHIType) string {
	return "[" + strings.ToUpper(string(t)) + "_REDACTED]"
}

// PHIFieldConfig maps a stored collection to the columns that carry PHI and
// the PHI type of each. These are the HIPAA Safe Harbor identifier categories
// that must be encrypted at rest or removed on anonymization.
type PHIFieldConfig struct {
	// Collection is the table or logical collection name (e.g. "patients").
	Collection string
	// Fields maps a column name to its PHI type.
	Fields map[string]PHIType
}

// DefaultPHIFields returns the PHI field catalogue for the collections the
// compliance core knows about.
func DefaultPHIFields() []PHIFieldConfig {
	return []PHIFieldConfig{
		{
			Collection: "patients",
			Fields: map[string]PHIType{
				"first_name":    PHITypeName,
				"last_name":     PHITypeName,
				"ssn":           PHITypeSSN,
				"date_of_birth": PHITypeDateOfBirth,
				"mrn":           PHITypeMedicalRecordNumber,
				"address":       PHITypeAddress,
				"phone":         PHITypePhone,
				"email":         PHITypeEmail,
				"insurance_id":  PHITypeInsuranceID,
			},
		},
		{
			Collection: "medical_records",
			Fields: map[string]PHIType{
				"diagnosis":      PHITypeDiagnosis,
				"medications":    PHITypeMedication,
				"lab_results":    PHITypeLabResult,
				"clinical_notes": PHITypeClinicalNotes,
			},
		},
		{
			Collection: "billing_records",
			Fields: map[string]PHIType{
				"card_number":     PHITypeCreditCard,
				"bank_account":    PHITypeBankAccount,
				"insurance_id":    PHITypeInsuranceID,
				"billing_address": PHITypeAddress,
			},
		},
		{
			Collection: "appointments",
			Fields: map[string]PHIType{
				"reason": PHITypeClinicalNotes,
				"notes":  PHITypeClinicalNotes,
			},
		},
	}
}

// PHIFieldsFor returns the field map for a collection, or nil if the
// collection carries no catalogued PHI.
func PHIFieldsFor(collection string) map[string]PHIType {
	for _, c := range DefaultPHIFields() {
		if c.Collection == collection {
			return c.Fields
		}
	}
	return nil
}

// AnonymizationFields is the fixed set of PHI-bearing columns overwritten by
// the anonymize purge method when a collection has no catalogue entry.
func AnonymizationFields() map[string]PHIType {
	return map[string]PHIType{
		"first_name":    PHITypeName,
		"last_name":     PHITypeName,
		"ssn":           PHITypeSSN,
		"date_of_birth": PHITypeDateOfBirth,
		"address":       PHITypeAddress,
		"phone":         PHITypePhone,
		"email":         PHITypeEmail,
	}
}

// PHIFieldPaths returns a sorted flat list of "<collection>.<field>" strings.
// Example entry: "patients.phone".
func PHIFieldPaths() []string {
	var paths []string
	for _, c := range DefaultPHIFields() {
		for f := range c.Fields {
			paths = append(paths, c.Collection+"."+f)
		}
	}
	sort.Strings(paths)
	return paths
}
