package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys that never carry secrets. Addresses and transaction hashes are public
// ledger data.
var redactionAllowlist = map[string]struct{}{
	"service":        {},
	"env":            {},
	"component":      {},
	"error":          {},
	"reason":         {},
	"action":         {},
	"account":        {},
	"referrer":       {},
	"tx":             {},
	"correlation_id": {},
}

// IsAllowlisted reports whether the provided key is exempt from redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. Empty values are kept so missing configuration stays
// visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
