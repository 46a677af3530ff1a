package logutil

import "strings"

// SanitizeForLog strips newlines and other control characters from
// caller-provided strings (tokens, profile names, session IDs) so they cannot
// inject fake log entries.
func SanitizeForLog(s string) string {
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

// TokenPrefix returns a short, log-safe prefix of an invite token. Full
// tokens are credentials and must never be logged.
func TokenPrefix(token string) string {
	const n = 20
	token = SanitizeForLog(token)
	if len(token) <= n {
		return token
	}
	return token[:n] + "..."
}
