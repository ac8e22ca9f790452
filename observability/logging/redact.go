package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in emitted log lines.
const RedactedValue = "[REDACTED]"

// Keys whose values pass through MaskField untouched.
var plainKeys = map[string]bool{
	"service":   true,
	"env":       true,
	"component": true,
	"action":    true,
	"actor":     true,
	"loanid":    true,
	"requestid": true,
	"reason":    true,
	"error":     true,
}

// Key fragments that are masked by the handler whatever the call site passes.
var secretFragments = []string{"token", "secret", "passphrase", "signature", "authorization", "private"}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// MaskField builds a string attribute that is redacted unless key is known to
// carry public data. Empty values are kept so absent fields stay visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || plainKeys[normalizeKey(key)] {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// redactSecrets is applied by the JSON handler to every attribute.
func redactSecrets(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || attr.Value.String() == "" {
		return attr
	}
	key := normalizeKey(attr.Key)
	for _, fragment := range secretFragments {
		if strings.Contains(key, fragment) {
			return slog.String(attr.Key, RedactedValue)
		}
	}
	return attr
}
