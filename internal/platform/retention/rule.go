// Package retention applies retention policies to stored records: it finds
// records past their retention period, respects legal holds, executes purges
// with one of five methods and reports on what was done.
package retention

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownRule is returned when a scan names a rule that is not loaded.
var ErrUnknownRule = errors.New("retention: unknown rule")

// PurgeMethod selects what happens to an eligible record.
type PurgeMethod string

const (
	MethodSoftDelete    PurgeMethod = "soft_delete"
	MethodHardDelete    PurgeMethod = "hard_delete"
	MethodArchive       PurgeMethod = "archive"
	MethodCryptoDestroy PurgeMethod = "crypto_destroy"
	MethodAnonymize     PurgeMethod = "anonymize"
)

func (m PurgeMethod) Valid() bool {
	switch m {
	case MethodSoftDelete, MethodHardDelete, MethodArchive, MethodCryptoDestroy, MethodAnonymize:
		return true
	}
	return false
}

// Classification is the data category a rule governs.
type Classification string

const (
	ClassPHI       Classification = "phi"
	ClassMedical   Classification = "medical"
	ClassBilling   Classification = "billing"
	ClassAudit     Classification = "audit"
	ClassTemporary Classification = "temporary"
	ClassOperation Classification = "operational"
)

func (c Classification) Valid() bool {
	switch c {
	case ClassPHI, ClassMedical, ClassBilling, ClassAudit, ClassTemporary, ClassOperation:
		return true
	}
	return false
}

// Op is a condition comparison operator.
type Op string

const (
	OpEq      Op = "eq"
	OpNe      Op = "ne"
	OpLt      Op = "lt"
	OpLte     Op = "lte"
	OpGt      Op = "gt"
	OpGte     Op = "gte"
	OpIn      Op = "in"
	OpIsNull  Op = "is_null"
	OpNotNull Op = "not_null"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindList
)

// Value is a condition operand: a string, number, bool or list of those.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []Value
}

func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func List(vs ...Value) Value { return Value{Kind: KindList, List: vs} }

// Strings builds a list of string values.
func Strings(ss ...string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = String(s)
	}
	return List(vs...)
}

// Any returns the Go value passed to the database driver.
func (v Value) Any() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Any()
		}
		return out
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		items := make([]Value, 0, len(node.Content))
		for _, n := range node.Content {
			var item Value
			if err := item.UnmarshalYAML(n); err != nil {
				return err
			}
			if item.Kind == KindList {
				return fmt.Errorf("line %d: nested lists are not supported", n.Line)
			}
			items = append(items, item)
		}
		*v = List(items...)
		return nil
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!null":
			*v = Value{}
		case "!!bool":
			b, err := strconv.ParseBool(node.Value)
			if err != nil {
				return fmt.Errorf("line %d: %w", node.Line, err)
			}
			*v = Bool(b)
		case "!!int", "!!float":
			n, err := strconv.ParseFloat(node.Value, 64)
			if err != nil {
				return fmt.Errorf("line %d: %w", node.Line, err)
			}
			*v = Number(n)
		default:
			*v = String(node.Value)
		}
		return nil
	}
	return fmt.Errorf("line %d: condition value must be a scalar or a list", node.Line)
}

// Condition is an extra eligibility filter on one column.
type Condition struct {
	Column string `yaml:"column" json:"column"`
	Op     Op     `yaml:"op" json:"op"`
	Value  Value  `yaml:"value" json:"value"`
}

func (c Condition) validate() error {
	if !identRe.MatchString(c.Column) {
		return fmt.Errorf("invalid column %q", c.Column)
	}
	switch c.Op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		if c.Value.Kind == KindNull || c.Value.Kind == KindList {
			return fmt.Errorf("%s on %s needs a scalar value", c.Op, c.Column)
		}
	case OpIn:
		if c.Value.Kind != KindList || len(c.Value.List) == 0 {
			return fmt.Errorf("in on %s needs a non-empty list", c.Column)
		}
		for _, item := range c.Value.List[1:] {
			if item.Kind != c.Value.List[0].Kind {
				return fmt.Errorf("in on %s mixes value kinds", c.Column)
			}
		}
	case OpIsNull, OpNotNull:
	default:
		return fmt.Errorf("unknown operator %q on %s", c.Op, c.Column)
	}
	return nil
}

// Rule is one retention policy.
type Rule struct {
	Name             string         `yaml:"name" json:"name"`
	Description      string         `yaml:"description,omitempty" json:"description,omitempty"`
	Classification   Classification `yaml:"classification" json:"classification"`
	RetentionYears   int            `yaml:"retention_years" json:"retention_years"`
	GraceDays        int            `yaml:"grace_days" json:"grace_days"`
	Method           PurgeMethod    `yaml:"method" json:"method"`
	Collection       string         `yaml:"collection" json:"collection"`
	DateColumn       string         `yaml:"date_column" json:"date_column"`
	SubjectColumn    string         `yaml:"subject_column,omitempty" json:"subject_column,omitempty"`
	Conditions       []Condition    `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	AnonymizeFields  []string       `yaml:"anonymize_fields,omitempty" json:"anonymize_fields,omitempty"`
	RequiresApproval bool           `yaml:"requires_approval" json:"requires_approval"`
	HoldExempt       bool           `yaml:"hold_exempt" json:"hold_exempt"`
}

// identRe restricts collection and column names to plain SQL identifiers.
var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Validate checks the rule is internally consistent.
func (r Rule) Validate() error {
	if r.Name == "" {
		return errors.New("retention: rule name is required")
	}
	if !r.Classification.Valid() {
		return fmt.Errorf("retention: rule %s: unknown classification %q", r.Name, r.Classification)
	}
	if r.RetentionYears < 0 || r.GraceDays < 0 {
		return fmt.Errorf("retention: rule %s: retention years and grace days must not be negative", r.Name)
	}
	if !r.Method.Valid() {
		return fmt.Errorf("retention: rule %s: unknown purge method %q", r.Name, r.Method)
	}
	if r.Method == MethodCryptoDestroy && r.Classification != ClassPHI {
		return fmt.Errorf("retention: rule %s: crypto_destroy requires classification phi", r.Name)
	}
	for _, ident := range []string{r.Collection, r.DateColumn, r.subjectColumn()} {
		if !identRe.MatchString(ident) {
			return fmt.Errorf("retention: rule %s: invalid identifier %q", r.Name, ident)
		}
	}
	for _, f := range r.AnonymizeFields {
		if !identRe.MatchString(f) {
			return fmt.Errorf("retention: rule %s: invalid anonymize field %q", r.Name, f)
		}
	}
	for _, c := range r.Conditions {
		if err := c.validate(); err != nil {
			return fmt.Errorf("retention: rule %s: %w", r.Name, err)
		}
	}
	return nil
}

func (r Rule) subjectColumn() string {
	if r.SubjectColumn == "" {
		return "patient_id"
	}
	return r.SubjectColumn
}

// Cutoff returns the instant before which records are eligible. Years are
// counted as 365 days.
func (r Rule) Cutoff(now time.Time) time.Time {
	days := r.RetentionYears*365 + r.GraceDays
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

// DefaultRules returns the built-in HIPAA retention rules used when no rule
// file is configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:           "medical_records",
			Description:    "Medical records: 6 years from last date of service",
			Classification: ClassMedical,
			RetentionYears: 6,
			GraceDays:      30,
			Method:         MethodArchive,
			Collection:     "medical_records",
			DateColumn:     "last_service_at",
		},
		{
			Name:           "billing_records",
			Description:    "Billing records: 7 years per IRS and CMS requirements",
			Classification: ClassBilling,
			RetentionYears: 7,
			GraceDays:      30,
			Method:         MethodAnonymize,
			Collection:     "billing_records",
			DateColumn:     "closed_at",
			Conditions: []Condition{
				{Column: "status", Op: OpIn, Value: Strings("paid", "closed", "written_off")},
			},
		},
		{
			Name:           "audit_events",
			Description:    "Audit trail: 6 years, archived regardless of legal holds",
			Classification: ClassAudit,
			RetentionYears: 6,
			Method:         MethodArchive,
			Collection:     "audit_events",
			DateColumn:     "occurred_at",
			SubjectColumn:  "subject_id",
			HoldExempt:     true,
		},
		{
			Name:           "temporary_data",
			Description:    "Temporary and staging data: 90 days",
			Classification: ClassTemporary,
			GraceDays:      90,
			Method:         MethodHardDelete,
			Collection:     "temporary_data",
			DateColumn:     "created_at",
		},
		{
			Name:             "inactive_patient_phi",
			Description:      "PHI of patients inactive for 6 years, destroyed with its key material",
			Classification:   ClassPHI,
			RetentionYears:   6,
			GraceDays:        90,
			Method:           MethodCryptoDestroy,
			Collection:       "patients",
			DateColumn:       "last_activity_at",
			SubjectColumn:    "id",
			Conditions:       []Condition{{Column: "active", Op: OpEq, Value: Bool(false)}},
			RequiresApproval: true,
		},
	}
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes and validates a YAML rule list. Rule names must be
// unique.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("retention: parse rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, errors.New("retention: rule file defines no rules")
	}
	seen := make(map[string]bool, len(f.Rules))
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("retention: duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
	}
	return f.Rules, nil
}

// LoadRules reads rules from path, or returns DefaultRules when path is empty.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("retention: read rules: %w", err)
	}
	return ParseRules(data)
}
