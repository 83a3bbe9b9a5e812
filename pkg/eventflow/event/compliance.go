package event

import (
	"regexp"
	"strings"
)

// DefaultRetention is the retention hint stamped on every published event.
const DefaultRetention = "7y"

var (
	personalKeyPattern = regexp.MustCompile(`(?:^|[^a-z])(e_?mail(_?address)?|phone(_?number)?|mobile|ssn|social_?security(_?number)?|first_?name|last_?name|full_?name|surname|birth_?date|date_?of_?birth|dob|(home_|billing_|shipping_|street_)?address|passport(_?number)?|credit_?card|card_?number|iban|national_?id|tax_?id|ip_?addr(ess)?)(?:$|[^a-z])`)
	emailPattern       = regexp.MustCompile(`(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`)
	ssnPattern         = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phonePattern       = regexp.MustCompile(`\+\d[\d ().-]{7,}\d`)
)

// ContainsPersonalData is a best-effort heuristic: it reports whether the
// payload has identifying field names or values that look like e-mail
// addresses, social security numbers, or international phone numbers.
func ContainsPersonalData(p Payload) bool {
	switch v := p.(type) {
	case Record:
		return scanValue(map[string]any(v))
	case Text:
		return looksPersonal(string(v))
	default:
		return false
	}
}

func scanValue(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			if personalKeyPattern.MatchString(strings.ToLower(k)) || scanValue(item) {
				return true
			}
		}
	case Record:
		return scanValue(map[string]any(val))
	case []any:
		for _, item := range val {
			if scanValue(item) {
				return true
			}
		}
	case []string:
		for _, item := range val {
			if looksPersonal(item) {
				return true
			}
		}
	case string:
		return looksPersonal(val)
	}
	return false
}

func looksPersonal(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return emailPattern.MatchString(s) || ssnPattern.MatchString(s) || phonePattern.MatchString(s)
}

// StampCompliance fills the compliance metadata of e: classification
// (Restricted when unset), the personal-data flag, the retention hint, and
// AuditRequired for Confidential and Secret events. Values already set by
// the caller are kept.
func StampCompliance(e *Event) {
	if e.Classification == Unclassified {
		e.Classification = Restricted
	}
	c := &e.Metadata.Compliance
	c.Classification = e.Classification
	if !c.ContainsPersonalData {
		c.ContainsPersonalData = ContainsPersonalData(e.Payload)
	}
	if c.RetentionHint == "" {
		c.RetentionHint = DefaultRetention
	}
	if e.Classification.AtLeast(Confidential) {
		c.AuditRequired = true
	}
}
