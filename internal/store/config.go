package store

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ConfigError describes an invalid backend configuration value.
type ConfigError struct {
	Backend string
	Field   string
	Value   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("%s: %s", e.Backend, e.Message)
	case e.Value == "":
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Field, e.Message)
	default:
		return fmt.Sprintf("%s: %s=%q: %s", e.Backend, e.Field, e.Value, e.Message)
	}
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// NewConfigError reports a field validation failure.
func NewConfigError(backend, field, message string) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message}
}

// NewConfigErrorWithCause reports a failure caused by err.
func NewConfigErrorWithCause(backend, field, message string, err error) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message, Cause: err}
}

// Invalid wraps a getter error with the backend name.
func Invalid(backend string, err error) error {
	if ce, ok := err.(*ConfigError); ok {
		ce.Backend = backend
		return ce
	}
	return NewConfigErrorWithCause(backend, "", "invalid configuration", err)
}

func lookup(config map[string]string, key string) (string, bool) {
	v, ok := config[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// GetString returns config[key] or def when unset or empty.
func GetString(config map[string]string, key, def string) string {
	if v, ok := lookup(config, key); ok {
		return v
	}
	return def
}

// GetBool parses true/false, 1/0 and yes/no.
func GetBool(config map[string]string, key string, def bool) (bool, error) {
	v, ok := lookup(config, key)
	if !ok {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, &ConfigError{Field: key, Value: v, Message: "must be a boolean"}
}

// GetInt parses an integer value.
func GetInt(config map[string]string, key string, def int) (int, error) {
	v, ok := lookup(config, key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Field: key, Value: v, Message: "must be an integer", Cause: err}
	}
	return n, nil
}

// GetDuration parses a Go duration or a plain number of seconds.
func GetDuration(config map[string]string, key string, def time.Duration) (time.Duration, error) {
	v, ok := lookup(config, key)
	if !ok {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, &ConfigError{Field: key, Value: v, Message: "must be a duration or integer seconds"}
}

// ExpandPath resolves a leading ~/ against the home directory.
func ExpandPath(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return filepath.Clean(path)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// MergeConfig returns a copy of base overlaid with override.
func MergeConfig(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}
