// Package sanitize guards against log injection from server-supplied
// strings (ETags, TLS SANs, server identity banners) before they reach a
// logger.
package sanitize

import (
	"strings"
	"unicode"
)

const maxLength = 100

// ForLog escapes control characters and truncates s so it is safe to pass
// to a logger even when s originated from an untrusted remote server.
func ForLog(s string) string {
	if s == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(s))

	for _, r := range s {
		switch {
		case r == '\n':
			result.WriteString("\\n")
		case r == '\r':
			result.WriteString("\\r")
		case r == '\t':
			result.WriteString("\\t")
		case unicode.IsControl(r):
			result.WriteString("?")
		case r == '\\':
			result.WriteString("\\\\")
		case unicode.IsPrint(r):
			result.WriteRune(r)
		default:
			result.WriteString("?")
		}
	}

	if result.Len() > maxLength {
		return result.String()[:maxLength] + "...[truncated]"
	}
	return result.String()
}
