package utils

import (
	"os"
	"strings"
)

// GetEnv returns the trimmed value of key, or "" when it is unset.
func GetEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// GetEnvDefault returns the value of key, falling back to def when unset or blank.
func GetEnvDefault(key, def string) string {
	if v := GetEnv(key); v != "" {
		return v
	}
	return def
}
