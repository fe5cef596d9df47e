package httpserver

import "github.com/al-bashkir/sonar-oauth-gateway/internal/logsanitize"

// sanitizeLog sanitizes a string for safe inclusion in structured log output
// before logging external HTTP input.
func sanitizeLog(s string) string {
	return logsanitize.Sanitize(s)
}

// fingerprint stands in for session ids in log fields.
func fingerprint(s string) string {
	return logsanitize.Fingerprint(s)
}
