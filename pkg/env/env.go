package env

import (
	"os"
	"strings"

	"github.com/oee-monitor/fleetflash/pkg/debug"
)

// GetOrDefault returns the environment variable value or the default if not set
func GetOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	debug.Debug("%s not set, using default: %s", key, defaultValue)
	return defaultValue
}

// ParseBool reports whether value is "true", "1", "yes" or "y" (case insensitive).
func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "y":
		return true
	default:
		return false
	}
}

// WithPrefix collects every environment variable starting with prefix.
// Keys are returned unchanged.
func WithPrefix(prefix string) map[string]string {
	values := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		values[key] = value
	}
	return values
}
