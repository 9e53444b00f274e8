// Package safety holds the naming grammar for tools and identifiers and
// the sanitizer applied to caller-supplied text before it is echoed back.
package safety

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/basket/taskrelay/internal/shared"
)

const (
	component = "safety"

	// MaxToolNameLength bounds tool and operation names.
	MaxToolNameLength = 64
	// MaxIdentifierLength bounds task and agent ids.
	MaxIdentifierLength = 128
	// DefaultMessageLimit caps how many runes of caller input appear in an error.
	DefaultMessageLimit = 80
)

var (
	toolNamePattern   = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9_-]{0,62}[a-z0-9])?$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)
)

// ValidToolName reports whether name matches the tool grammar: 1-64
// lowercase letters, digits, '-' or '_', not starting or ending with a
// separator.
func ValidToolName(name string) bool {
	return toolNamePattern.MatchString(name)
}

// ValidateToolName returns a ValidationError carrying the sanitized name
// when name does not match the tool grammar.
func ValidateToolName(name string) error {
	if ValidToolName(name) {
		return nil
	}
	reason := "must be 1-64 chars of [a-z0-9_-] and not start or end with a separator"
	switch {
	case name == "":
		reason = "must not be empty"
	case len(name) > MaxToolNameLength:
		reason = "exceeds 64 characters"
	case strings.ToLower(name) != name:
		reason = "must be lowercase"
	}
	return shared.NewValidationError(component, "ValidateToolName",
		"invalid tool name \""+SanitizeForMessage(name, DefaultMessageLimit)+"\": "+reason,
		map[string]any{"length": len(name)})
}

// ValidateIdentifier checks a task or agent id. field names the argument in
// the error.
func ValidateIdentifier(field, value string) error {
	if identifierPattern.MatchString(value) {
		return nil
	}
	msg := field + " is required"
	if value != "" {
		msg = "invalid " + field + " \"" + SanitizeForMessage(value, DefaultMessageLimit) + "\""
	}
	return shared.NewValidationError(component, "ValidateIdentifier", msg, map[string]any{"field": field})
}

// SanitizeForMessage makes untrusted text safe to embed in an error or log
// line: control characters are removed, backslashes and quotes are
// escaped, and the result is capped at limit runes of input followed by
// "..." when truncated. A limit <= 0 uses DefaultMessageLimit.
func SanitizeForMessage(s string, limit int) string {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}

	var b strings.Builder
	runes := 0
	truncated := false
	for _, r := range s {
		if unicode.IsControl(r) || r == '\u2028' || r == '\u2029' {
			continue
		}
		if runes == limit {
			truncated = true
			break
		}
		runes++
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\'':
			b.WriteString(`\'`)
		case '`':
			b.WriteString("\\`")
		default:
			b.WriteRune(r)
		}
	}
	if truncated {
		b.WriteString("...")
	}
	return b.String()
}
