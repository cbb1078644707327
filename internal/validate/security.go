// Package validate checks environment assignments handed to unit processes.
package validate

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/gdraheim/docker-systemctl-replacement-sub003/internal/log"
)

// Size limits for environment assignments.
const (
	MaxEnvValueSize = 32768 // 32KB
	MaxEnvKeyLen    = 256
)

// sensitiveKeywords identifies potentially sensitive environment variable names.
var sensitiveKeywords = []string{
	"password", "secret", "key", "token", "auth", "credential",
	"private", "cert", "ssl", "tls", "api_key", "access_key",
}

// EnvValidator validates environment assignments from unit files,
// environment files and the command line.
type EnvValidator struct {
	logger log.Logger
}

// NewEnvValidator creates a new EnvValidator instance.
func NewEnvValidator(logger log.Logger) *EnvValidator {
	return &EnvValidator{logger: logger}
}

// ValidateEnvKey checks that key is a POSIX environment name: letters,
// digits and underscores, not starting with a digit.
func (v *EnvValidator) ValidateEnvKey(key string) error {
	if key == "" {
		return fmt.Errorf("environment variable key cannot be empty")
	}

	if len(key) > MaxEnvKeyLen {
		v.logger.Warn("Environment variable key is very long", "key", key, "length", len(key), "max_recommended", MaxEnvKeyLen)
	}

	for i, r := range key {
		if i == 0 {
			if unicode.IsDigit(r) {
				return fmt.Errorf("environment variable key cannot start with digit: %s", key)
			}
			if !unicode.IsLetter(r) && r != '_' {
				return fmt.Errorf("environment variable key must start with letter or underscore: %s", key)
			}
		} else if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return fmt.Errorf("environment variable key contains invalid character '%c': %s", r, key)
		}
	}

	return nil
}

// ValidateEnvValue rejects values the kernel cannot pass to a process and
// warns about oversized ones.
func (v *EnvValidator) ValidateEnvValue(key, value string) error {
	if len(value) > MaxEnvValueSize {
		v.logger.Warn("Environment variable value is very large", "key", key, "size", len(value), "max_recommended", MaxEnvValueSize)
	}

	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("environment variable %s contains null byte", key)
	}

	return nil
}

// Validate checks both parts of an assignment.
func (v *EnvValidator) Validate(key, value string) error {
	if err := v.ValidateEnvKey(key); err != nil {
		return err
	}
	return v.ValidateEnvValue(key, value)
}

// isSensitiveKey checks if an environment variable key indicates sensitive data.
func isSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return true
		}
	}
	return false
}

// SanitizeForLogging redacts the values of sensitive variables.
func SanitizeForLogging(key, value string) string {
	if isSensitiveKey(key) {
		if len(value) <= 4 {
			return "[REDACTED]"
		}
		return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
	}
	return value
}
