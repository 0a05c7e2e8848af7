// Package normalize canonicalizes error messages and stack traces so that
// runs of the same logical bug produce identical text.
package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/thebtf/faultline/pkg/models"
)

// Placeholder tokens substituted for volatile substrings.
const (
	NumberPlaceholder = "<NUMBER>"
	UUIDPlaceholder   = "<UUID>"
)

// MaxStackLines is the number of leading stack lines kept after normalization.
const MaxStackLines = 5

var (
	// uuidRegex matches canonical 8-4-4-4-12 UUIDs in any case.
	uuidRegex = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)

	// numberRegex matches every maximal run of decimal digits.
	numberRegex = regexp.MustCompile(`[0-9]+`)

	// lineColRegex matches ":<line>:<column>" suffixes in stack frames.
	lineColRegex = regexp.MustCompile(`:\d+:\d+`)

	// pathRegex matches "(.../file)" and captures the leaf file name.
	pathRegex = regexp.MustCompile(`\(.*/(.*)\)`)
)

// Rule is an extra placeholder substitution applied to messages.
// Replacements should not contain digits; the number pass runs after them.
type Rule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type compiledRule struct {
	re          *regexp.Regexp
	name        string
	replacement string
}

// Normalizer applies the built-in passes plus any configured extra rules.
// A Normalizer is immutable and safe for concurrent use.
type Normalizer struct {
	rules []compiledRule
}

var defaultNormalizer = &Normalizer{}

// Default returns the normalizer with only the built-in UUID and number passes.
func Default() *Normalizer {
	return defaultNormalizer
}

// New compiles the given extra rules into a Normalizer.
// Extra rules run after the UUID pass and before the number pass, in order.
func New(rules ...Rule) (*Normalizer, error) {
	n := &Normalizer{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %q: empty pattern", r.Name)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		n.rules = append(n.rules, compiledRule{re: re, name: r.Name, replacement: r.Replacement})
	}
	return n, nil
}

// RuleNames returns the names of the extra rules in application order.
func (n *Normalizer) RuleNames() []string {
	names := make([]string, len(n.rules))
	for i, r := range n.rules {
		names[i] = r.name
	}
	return names
}

// Normalize canonicalizes a raw message and optional raw stack.
func (n *Normalizer) Normalize(rawMessage string, rawStack *string) models.NormalizedForm {
	return models.NormalizedForm{
		Message: n.Message(rawMessage),
		Stack:   Stack(rawStack),
	}
}

// Message replaces UUIDs, extra rule matches and digit runs with placeholders.
// UUIDs are replaced first so the digit pass never splits them.
func (n *Normalizer) Message(message string) string {
	message = uuidRegex.ReplaceAllString(message, UUIDPlaceholder)
	for _, r := range n.rules {
		message = r.re.ReplaceAllString(message, r.replacement)
	}
	return numberRegex.ReplaceAllString(message, NumberPlaceholder)
}

// Normalize canonicalizes using the default normalizer.
func Normalize(rawMessage string, rawStack *string) models.NormalizedForm {
	return defaultNormalizer.Normalize(rawMessage, rawStack)
}

// Stack keeps the top MaxStackLines frames, drops ":line:col" suffixes and
// reduces "(/abs/path/file.js)" to "(file.js)". A nil or empty stack yields nil.
func Stack(rawStack *string) *string {
	if rawStack == nil || *rawStack == "" {
		return nil
	}

	lines := strings.Split(*rawStack, "\n")
	if len(lines) > MaxStackLines {
		lines = lines[:MaxStackLines]
	}
	for i, line := range lines {
		line = lineColRegex.ReplaceAllString(line, "")
		lines[i] = replaceFirst(pathRegex, line, "($1)")
	}

	out := strings.Join(lines, "\n")
	return &out
}

// replaceFirst expands template for the first match of re only.
func replaceFirst(re *regexp.Regexp, s, template string) string {
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil {
		return s
	}
	var b strings.Builder
	b.WriteString(s[:loc[0]])
	b.Write(re.ExpandString(nil, template, s, loc))
	b.WriteString(s[loc[1]:])
	return b.String()
}
