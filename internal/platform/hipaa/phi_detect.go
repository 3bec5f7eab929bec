package hipaa

import (
	"regexp"
	"sort"
	"strings"
)

// PHIMatch is one PHI-shaped span found in free text. Start and End are byte
// offsets into the scanned string.
type PHIMatch struct {
	Type  PHIType `json:"type"`
	Value string  `json:"value"`
	Start int     `json:"start"`
	End   int     `json:"end"`
}

type phiPattern struct {
	phiType PHIType
	re      *regexp.Regexp
}

// Patterns are tried in this order; overlap resolution below decides which
// match survives when two patterns claim the same text.
var phiPatterns = []phiPattern{
	{PHITypeSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{PHITypeCreditCard, regexp.MustCompile(`\b(?:\d{4}[- ]){3}\d{4}\b|\b\d{16}\b`)},
	{PHITypeMedicalRecordNumber, regexp.MustCompile(`(?i)\bMRN[:#\s-]*[A-Z0-9]{6,10}\b`)},
	{PHITypeEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{PHITypePhone, regexp.MustCompile(`(?:\+1[\s.-]?)?(?:\(\d{3}\)\s?|\b\d{3}[\s.-])\d{3}[\s.-]\d{4}\b`)},
	{PHITypeDateOfBirth, regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])/(?:0?[1-9]|[12]\d|3[01])/(?:19|20)\d{2}\b|\b(?:19|20)\d{2}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01])\b`)},
	{PHITypeSSN, regexp.MustCompile(`\b\d{9}\b`)},
}

// DetectPHI scans text for common PHI shapes. Overlapping matches are
// resolved in favour of the earliest start, then the longest span. The result
// is ordered by position.
func DetectPHI(text string) []PHIMatch {
	var all []PHIMatch
	for _, p := range phiPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			all = append(all, PHIMatch{
				Type:  p.phiType,
				Value: text[loc[0]:loc[1]],
				Start: loc[0],
				End:   loc[1],
			})
		}
	}
	if len(all) == 0 {
		return nil
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		return all[i].End-all[i].Start > all[j].End-all[j].Start
	})

	matches := make([]PHIMatch, 0, len(all))
	lastEnd := -1
	for _, m := range all {
		if m.Start < lastEnd {
			continue
		}
		matches = append(matches, m)
		lastEnd = m.End
	}
	return matches
}

// DeIdentify replaces every detected PHI span with the caller's replacement
// for its type, or the generic redaction marker when none is given.
func DeIdentify(text string, replacements map[PHIType]string) string {
	matches := DetectPHI(text)
	if len(matches) == 0 {
		return text
	}

	// Replace back to front so earlier offsets stay valid.
	out := text
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		repl, ok := replacements[m.Type]
		if !ok {
			repl = RedactionMarker(m.Type)
		}
		out = out[:m.Start] + repl + out[m.End:]
	}
	return out
}

// ContainsPHI reports whether DetectPHI finds anything in text.
func ContainsPHI(text string) bool {
	return len(DetectPHI(strings.TrimSpace(text))) > 0
}
