package util

import (
	"strings"
	"unicode"
)

// Slugify normalizes a name for use in tmux session names, branch
// names, and marker file paths. Lowercases, keeps alphanumerics,
// collapses everything else to single dashes.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// ValidName reports whether name is usable as an agent name: non-empty,
// no path separators, no whitespace, no characters tmux treats
// specially in targets.
func ValidName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if unicode.IsSpace(r) {
			return false
		}
		switch r {
		case '/', '\\', ':', '.', '$', '%', '"', '\'':
			return false
		}
	}
	return true
}
