package tgui

import (
	"strings"
	"unicode"
)

// TruncRunes cuts s to n runes and marks the cut with "…".
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if head, cut := cutRunes(s, n); cut {
		return head + "…"
	}
	return s
}

// Caption trims s and, past limit runes, cuts it there, drops the trailing
// whitespace and appends "...". A limit <= 0 keeps the whole text.
func Caption(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return s
	}
	if head, cut := cutRunes(s, limit); cut {
		return strings.TrimRightFunc(head, unicode.IsSpace) + "..."
	}
	return s
}

// cutRunes returns the first n runes of s and whether anything was left out.
func cutRunes(s string, n int) (string, bool) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}
