package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log lines.
const RedactedValue = "[REDACTED]"

// plainKeys are logged verbatim; everything passed through MaskField under
// another key is redacted.
var plainKeys = map[string]struct{}{
	"service":     {},
	"env":         {},
	"op":          {},
	"error":       {},
	"reason":      {},
	"asset_id":    {},
	"event_id":    {},
	"position_id": {},
	"method":      {},
	"path":        {},
}

// IsAllowlisted reports whether key is exempt from redaction.
func IsAllowlisted(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute that redacts value unless key is allowlisted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskIdentity keeps the last four characters of an account identifier so log
// lines stay correlatable without exposing the full id.
func MaskIdentity(key, value string) slog.Attr {
	value = strings.TrimSpace(value)
	if len(value) <= 4 {
		return slog.String(key, RedactedValue)
	}
	return slog.String(key, "…"+value[len(value)-4:])
}
