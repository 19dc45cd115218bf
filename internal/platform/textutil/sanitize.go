// Package textutil normalises free text entered by operators and users before it is persisted.
package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// PlainTextSanitizer strips all markup and control characters and bounds the result to limit runes.
// A limit of zero leaves the length unbounded.
func PlainTextSanitizer(limit int) func(string) string {
	policy := bluemonday.StrictPolicy()
	return func(value string) string {
		cleaned := html.UnescapeString(policy.Sanitize(value))
		cleaned = strings.Map(func(r rune) rune {
			if unicode.IsControl(r) && r != '\n' && r != '\t' {
				return -1
			}
			return r
		}, cleaned)
		cleaned = strings.TrimSpace(cleaned)
		if limit > 0 {
			if runes := []rune(cleaned); len(runes) > limit {
				cleaned = strings.TrimSpace(string(runes[:limit]))
			}
		}
		return cleaned
	}
}
