package config

import (
	"fmt"
	"os"
	"strings"
)

// sensitiveKeys mark TOML keys whose values must not be shown or shared
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"dsn",
}

// ExposesSecrets reports whether the file holds credentials while being
// readable by group or others
func ExposesSecrets(filePath string) (bool, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return false, fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.Mode().Perm()&0o077 == 0 {
		return false, nil
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		return false, err
	}
	return containsSecrets(string(content)), nil
}

func containsSecrets(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok || isComment(key) {
			continue
		}
		v := strings.Trim(strings.TrimSpace(value), `"'`)
		if v != "" && v != "[]" && isSensitiveKey(key) {
			return true
		}
	}
	return false
}

// RedactConfig replaces the value of every sensitive key in TOML content
func RedactConfig(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		key, _, ok := strings.Cut(line, "=")
		if !ok || isComment(key) || !isSensitiveKey(key) {
			continue
		}
		lines[i] = strings.TrimRight(key, " \t") + " = '[REDACTED]'"
	}
	return strings.Join(lines, "\n")
}

func isComment(key string) bool {
	return strings.HasPrefix(strings.TrimSpace(key), "#")
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
