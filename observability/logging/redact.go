package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets (JWT secrets, keystore passphrases) in logs.
const RedactedValue = "[REDACTED]"

// Secret returns an attribute that records whether a secret is configured
// without revealing it.
func Secret(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, "")
	}
	return slog.String(key, RedactedValue)
}
