// Package privacy scrubs credentials from error text before it is sent to
// third parties.
package privacy

import "regexp"

// Redacted replaces every secret found in text.
const Redacted = "<REDACTED>"

var (
	// urlCredentialsRegex matches "scheme://user:password@" and keeps the user.
	urlCredentialsRegex = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^:/@\s]+):[^@\s]+@`)

	// bearerRegex matches Authorization-style bearer tokens.
	bearerRegex = regexp.MustCompile(`(?i)\b(bearer|token)\s+[A-Za-z0-9._~+/=-]{8,}`)

	// assignmentRegex matches secret-looking key=value and key: value pairs.
	assignmentRegex = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|api[_-]?key|access[_-]?token)\b(\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s,;&]+)`)

	// projectKeyRegex matches faultline project API keys.
	projectKeyRegex = regexp.MustCompile(`\bfl_[0-9a-f]{32}\b`)
)

// Redact replaces credentials embedded in text with Redacted.
func Redact(text string) string {
	if text == "" {
		return text
	}
	text = urlCredentialsRegex.ReplaceAllString(text, "$1:"+Redacted+"@")
	text = bearerRegex.ReplaceAllString(text, "$1 "+Redacted)
	text = assignmentRegex.ReplaceAllString(text, "$1$2"+Redacted)
	return projectKeyRegex.ReplaceAllString(text, Redacted)
}

// RedactPtr is Redact for optional text. A nil input stays nil.
func RedactPtr(text *string) *string {
	if text == nil {
		return nil
	}
	out := Redact(*text)
	return &out
}
