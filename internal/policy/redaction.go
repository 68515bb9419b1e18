package policy

import (
	"regexp"
	"strings"
)

type redactRule struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card and SSN run before phone so long digit runs are not
// reported as phone numbers.
var transcriptRules = []redactRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[email]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[card]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[ssn]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[phone]"},
}

// RedactTranscript masks contact and payment details a caller may read out,
// so transcripts can be logged and archived.
func RedactTranscript(text string) (redacted string, changed bool) {
	out := text
	for _, rule := range transcriptRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		if next != out {
			changed = true
			out = next
		}
	}
	return out, changed
}

// MaskCallerID keeps only the last four digits of a phone number
// ("+15550102000" becomes "***2000"). Non-numeric identifiers are fully masked.
func MaskCallerID(callerID string) string {
	normalized := NormalizeCallerID(callerID)
	if normalized == "" {
		return ""
	}
	digits := strings.TrimPrefix(normalized, "+")
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "***"
		}
	}
	if len(digits) <= 4 {
		return "***"
	}
	return "***" + digits[len(digits)-4:]
}
