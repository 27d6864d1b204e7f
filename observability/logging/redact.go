package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive log fields.
const RedactedValue = "[REDACTED]"

// MaskAddress keeps the first and last four characters of a participant
// address so operators can correlate log lines without exposing the full
// wallet address.
func MaskAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) <= 8 {
		return RedactedValue
	}
	return addr[:4] + "…" + addr[len(addr)-4:]
}

// MaskSecret fully redacts non-empty secret material. Empty values pass
// through unchanged so absent configuration stays visible as absent.
func MaskSecret(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// Address returns a slog.Attr carrying a masked participant address.
func Address(key, addr string) slog.Attr {
	return slog.String(key, MaskAddress(addr))
}
