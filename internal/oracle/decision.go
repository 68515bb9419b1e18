package oracle

import (
	"regexp"
	"strings"
)

// Decision is the terminal screening outcome. The zero value means no decision.
type Decision string

const (
	DecisionNone   Decision = ""
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

func (d Decision) Terminal() bool {
	return d == DecisionAccept || d == DecisionReject
}

var (
	decisionMarkerPattern = regexp.MustCompile(`(?i)\[\[\s*decision\s*:\s*([a-z_]+)\s*\]\]`)
	timestampPattern      = regexp.MustCompile(`\[\d{1,2}:\d{2}(?::\d{2})?\]`)
	whitespacePattern     = regexp.MustCompile(`\s+`)
)

// ParseDecision extracts the first decision marker ([[DECISION:ACCEPT]] or
// [[DECISION:REJECT]]) from raw oracle text. Unknown words parse as no decision.
func ParseDecision(raw string) (Decision, bool) {
	m := decisionMarkerPattern.FindStringSubmatch(raw)
	if m == nil {
		return DecisionNone, false
	}
	switch strings.ToLower(m[1]) {
	case "accept":
		return DecisionAccept, true
	case "reject":
		return DecisionReject, true
	default:
		return DecisionNone, false
	}
}

// CleanReply strips decision markers and transcript timestamps and collapses
// whitespace so the text is safe to synthesize.
func CleanReply(raw string) string {
	out := decisionMarkerPattern.ReplaceAllString(raw, " ")
	out = timestampPattern.ReplaceAllString(out, " ")
	out = whitespacePattern.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}
