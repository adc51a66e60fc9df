package util

import (
	"log/slog"
	"os"
	"strings"
)

// ParseBoolEnv reads a boolean environment variable, accepting
// true/1/yes/on and false/0/no/off case-insensitively. Unset or
// unrecognized values fall back to defaultValue.
func ParseBoolEnv(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("ParseBoolEnv: unrecognized value, using default", "key", key, "value", raw, "default", defaultValue)
	return defaultValue
}
