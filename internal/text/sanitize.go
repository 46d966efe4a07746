package text

import (
	"strings"
	"unicode"
	"unicode/utf8"

	errs "github.com/edgard/haven/internal/errors"
)

// IsBlank reports whether s has no visible content once invisible format
// characters, control characters and whitespace are removed.
func IsBlank(s string) bool {
	s = invisibleReplacer.Replace(s)
	s = controlCharsRegex.ReplaceAllString(s, "")
	return strings.TrimFunc(s, unicode.IsSpace) == ""
}

// Normalize prepares a message body for storage. Line endings become LF,
// invisible format characters and control characters are removed, Unicode
// spaces become ASCII spaces, and leading/trailing whitespace is trimmed.
// Spacing inside a line is preserved.
func Normalize(input string) string {
	s := strings.ReplaceAll(input, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = invisibleReplacer.Replace(s)
	s = spaceReplacer.Replace(s)
	s = controlCharsRegex.ReplaceAllString(s, "")

	return strings.TrimSpace(s)
}

// Sanitize is the stricter cleanup applied to responder output: on top of
// Normalize it collapses whitespace within each line and limits blank lines
// to a single paragraph break.
//
// Returns a validation error if the result is empty.
func Sanitize(input string) (string, error) {
	if input == "" {
		return "", errs.NewValidationError("empty input string", nil)
	}

	s := Normalize(input)

	parts := strings.Split(s, "\n")
	for i := range parts {
		parts[i] = normalizeLineWhitespace(parts[i])
	}

	s = strings.Join(parts, "\n")
	s = multipleNewlinesRegex.ReplaceAllString(s, "\n\n")

	result := strings.TrimSpace(s)
	if result == "" {
		return "", errs.NewValidationError("sanitization resulted in empty string", nil)
	}

	return result, nil
}

// Preview shortens s to at most maxLen runes for logs and list snippets.
func Preview(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}

	runes := []rune(s)
	return string(runes[:maxLen-3]) + "..."
}

// normalizeLineWhitespace collapses consecutive whitespace in a single line
// into one space and trims the line.
func normalizeLineWhitespace(line string) string {
	var strBuilder strings.Builder

	var space bool

	for _, r := range line {
		if unicode.IsSpace(r) {
			if !space {
				strBuilder.WriteRune(' ')

				space = true
			}
		} else {
			strBuilder.WriteRune(r)

			space = false
		}
	}

	return strings.TrimSpace(strBuilder.String())
}
