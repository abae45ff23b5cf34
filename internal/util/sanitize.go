package util

import (
	"html"
	"strings"
	"unicode"
)

const maxFreeTextLen = 512

// SanitizeInput trims, strips control characters and escapes HTML so free text
// is safe to persist in audit logs and render in dashboards.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if len(s) > maxFreeTextLen {
		s = truncateRunes(s, maxFreeTextLen)
	}
	return html.EscapeString(s)
}

func truncateRunes(s string, limit int) string {
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

// ContainsSuspicious reports script-like fragments in user supplied text.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "${", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
