package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// safeKeys may be logged verbatim. Everything else passed through MaskField
// is replaced with RedactedValue.
var safeKeys = map[string]struct{}{
	"component": {},
	"env":       {},
	"error":     {},
	"message":   {},
	"method":    {},
	"operation": {},
	"order":     {},
	"outcome":   {},
	"path":      {},
	"reason":    {},
	"requestid": {},
	"route":     {},
	"service":   {},
	"severity":  {},
	"state":     {},
	"status":    {},
	"timestamp": {},
}

func IsAllowlisted(key string) bool {
	_, ok := safeKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist lists the safe keys in sorted order.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(safeKeys))
	for key := range safeKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue hides any non-blank value.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a log attribute for key, hiding value unless key is safe.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// MaskCredential keeps the scheme of an Authorization header value, e.g.
// "Bearer [REDACTED]", and drops the credential.
func MaskCredential(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	scheme, _, found := strings.Cut(header, " ")
	if !found {
		return RedactedValue
	}
	return scheme + " " + RedactedValue
}

// MaskAddress shortens an account address to its first and last six
// characters so request logs can correlate callers without recording them.
func MaskAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if len(addr) <= 12 {
		return RedactedValue
	}
	return addr[:6] + "..." + addr[len(addr)-6:]
}
