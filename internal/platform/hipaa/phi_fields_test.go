package hipaa

import (
	"sort"
	"testing"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		phiType PHIType
		want    EncryptionTier
	}{
		{PHITypeSSN, TierMaximum},
		{PHITypeCreditCard, TierMaximum},
		{PHITypeBankAccount, TierMaximum},
		{PHITypeMedicalRecordNumber, TierHigh},
		{PHITypeDiagnosis, TierHigh},
		{PHITypeDateOfBirth, TierHigh},
		{PHITypeClinicalNotes, TierStandard},
		{PHITypeAuditMetadata, TierStandard},
		{PHIType("unlisted"), TierStandard},
	}
	for _, tt := range tests {
		t.Run(string(tt.phiType), func(t *testing.T) {
			if got := TierFor(tt.phiType); got != tt.want {
				t.Errorf("TierFor(%q) = %q, want %q", tt.phiType, got, tt.want)
			}
		})
	}
}

func TestRedactionMarker(t *testing.T) {
	if got := RedactionMarker(PHITypeDateOfBirth); got != "[DATE_OF_BIRTH_REDACTED]" {
		t.Errorf("got %q", got)
	}
}

func TestDefaultPHIFields(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range DefaultPHIFields() {
		if c.Collection == "" {
			t.Error("collection name must not be empty")
		}
		if seen[c.Collection] {
			t.Errorf("duplicate collection %q", c.Collection)
		}
		seen[c.Collection] = true
		if len(c.Fields) == 0 {
			t.Errorf("collection %q has no PHI fields", c.Collection)
		}
	}
	if PHIFieldsFor("patients")["ssn"] != PHITypeSSN {
		t.Error("expected patients.ssn to be catalogued as ssn")
	}
	if PHIFieldsFor("unknown") != nil {
		t.Error("expected nil for uncatalogued collection")
	}
}

func TestPHIFieldPaths(t *testing.T) {
	paths := PHIFieldPaths()
	if !sort.StringsAreSorted(paths) {
		t.Error("paths must be sorted")
	}
	found := false
	for _, p := range paths {
		if p == "patients.phone" {
			found = true
		}
	}
	if !found {
		t.Error("expected patients.phone in field paths")
	}
}

func TestAnonymizationFields(t *testing.T) {
	fields := AnonymizationFields()
	for _, name := range []string{"first_name", "last_name", "ssn", "email"} {
		if _, ok := fields[name]; !ok {
			t.Errorf("expected %q in anonymization set", name)
		}
	}
}
