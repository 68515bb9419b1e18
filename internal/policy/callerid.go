package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// CallerHashLen is the number of hex characters kept from a caller hash.
const CallerHashLen = 16

// HashCallerID one-way hashes a caller identifier with a deployment salt and
// truncates it. Formatting differences ("+1 (555) 010-2000" vs "+15550102000")
// hash identically. An empty identifier yields "".
func HashCallerID(salt, callerID string) string {
	normalized := NormalizeCallerID(callerID)
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + ":" + normalized))
	return hex.EncodeToString(sum[:])[:CallerHashLen]
}

// NormalizeCallerID keeps a leading '+' and digits; other identifiers
// (client:alice, sip URIs) are lowercased as-is.
func NormalizeCallerID(callerID string) string {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return ""
	}
	var b strings.Builder
	digits := 0
	for i, r := range callerID {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case unicode.IsDigit(r):
			b.WriteRune(r)
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return strings.ToLower(callerID)
		}
	}
	if digits == 0 {
		return strings.ToLower(callerID)
	}
	return b.String()
}
