package logutil

import "strings"

// Sanitize strips newlines and other control characters from user-provided
// strings before logging, so a hostile session id or path cannot inject fake
// log entries.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case r < 32:
			return -1
		default:
			return r
		}
	}, s)
}
