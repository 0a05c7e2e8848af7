// Package fingerprint derives the deduplication key of a normalized error.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/thebtf/faultline/pkg/models"
)

// StackLines is the number of normalized stack lines that contribute to identity.
const StackLines = 3

// Fingerprint returns the hex SHA-256 of the normalized message followed by
// the first StackLines lines of the normalized stack, joined without separators.
func Fingerprint(normalizedMessage string, normalizedStack *string) string {
	var b strings.Builder
	b.WriteString(normalizedMessage)
	if normalizedStack != nil {
		lines := strings.Split(*normalizedStack, "\n")
		if len(lines) > StackLines {
			lines = lines[:StackLines]
		}
		for _, line := range lines {
			b.WriteString(line)
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Of fingerprints a NormalizedForm.
func Of(form models.NormalizedForm) string {
	return Fingerprint(form.Message, form.Stack)
}
