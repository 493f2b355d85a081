// Package redact sanitizes free text and structured values before they reach
// logs, audit metadata, or the AI provider. Replacement placeholders are
// fixed strings that none of the detection patterns match, which makes every
// operation here idempotent.
package redact

import (
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?\d{1,2}?[-. (]*\d{3}[-. )]*\d{3}[-. ]*\d{4}\b`)
	urlPattern    = regexp.MustCompile(`https?://[^\s<>"']+`)
	handlePattern = regexp.MustCompile(`@[A-Za-z0-9_]{1,15}\b`)
	ipPattern     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	longIDPattern = regexp.MustCompile(`\b\d{8,}\b`)

	// Token assignments in text: bearer headers and key=value token forms.
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`)
	tokenPattern  = regexp.MustCompile(`(?i)(access_token|refresh_token|oauth_token|api[_-]?key|client_secret)["']?\s*[:=]\s*["']?[A-Za-z0-9\-._~+/]+`)
)

// detectors drive both Redact and ValidateSafe: everything Redact replaces,
// ValidateSafe must be able to find again.
var detectors = []struct {
	re          *regexp.Regexp
	placeholder string
}{
	{bearerPattern, "[TOKEN]"},
	{tokenPattern, "[TOKEN]"},
	{emailPattern, "[EMAIL]"},
	{urlPattern, "[URL]"},
	{phonePattern, "[PHONE]"},
	{handlePattern, "[HANDLE]"},
	{ipPattern, "[IP]"},
	{longIDPattern, "[ID]"},
}

// Redact replaces handles, emails, phone numbers, URLs, IPs, token fragments,
// and long numeric identifiers with fixed placeholders.
func Redact(text string) string {
	for _, d := range detectors {
		text = d.re.ReplaceAllString(text, d.placeholder)
	}
	return text
}

// ValidateSafe reports whether text contains no residual sensitive patterns.
// It is the hard gate before any text reaches the AI provider: a false result
// must abort the call.
func ValidateSafe(text string) bool {
	for _, d := range detectors {
		if d.re.MatchString(text) {
			return false
		}
	}
	return true
}

// sensitiveKeys are struct/map fields whose values are replaced wholesale
// when redacting structured data for logs and audit metadata.
var sensitiveKeys = map[string]struct{}{
	"access_token":  {},
	"refresh_token": {},
	"oauth_token":   {},
	"bearer_token":  {},
	"token":         {},
	"code":          {},
	"code_verifier": {},
	"authorization": {},
	"secret":        {},
	"client_secret": {},
	"api_key":       {},
	"apikey":        {},
	"password":      {},
	"email":         {},
	"phone":         {},
	"credentials":   {},
}

// Map returns a deep copy of m with sensitive keys replaced by "[REDACTED]"
// and all remaining string values run through Redact. Nested maps and slices
// are handled recursively. Applied to every audit metadata payload and any
// structured value that reaches a log line.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = Value(v)
	}
	return out
}

// Value redacts a single value of any shape.
func Value(v any) any {
	switch val := v.(type) {
	case string:
		return Redact(val)
	case map[string]any:
		return Map(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Value(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	case error:
		return Redact(val.Error())
	default:
		return v
	}
}

// Error rewrites an error message with all sensitive patterns removed, for
// surfacing provider failures without leaking token fragments from response
// bodies.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}
