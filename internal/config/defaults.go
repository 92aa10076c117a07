// Package config loads clan configuration from flags, environment and file.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Defaults holds the built-in values applied before any config source.
var Defaults = struct {
	KeyName           string
	StorageBackend    string
	ArchiveBackend    string
	Quorum            int
	RejectThreshold   int
	RequestTTL        time.Duration
	RequireSession    bool
	AuditWindow       int
	BackgroundPenalty int
	MinPINLength      int
	GRPCAddr          string
	HTTPAddr          string
	MetricsAddr       string
	LogLevel          string
	LogFormat         string
}{
	KeyName:           "default",
	StorageBackend:    "badger",
	ArchiveBackend:    "file",
	Quorum:            2,
	RejectThreshold:   2,
	RequestTTL:        0,
	RequireSession:    true,
	AuditWindow:       1000,
	BackgroundPenalty: 5,
	MinPINLength:      4,
	GRPCAddr:          "127.0.0.1:50061",
	HTTPAddr:          "127.0.0.1:8061",
	MetricsAddr:       "127.0.0.1:9061",
	LogLevel:          "info",
	LogFormat:         "text",
}

// DefaultDataDir returns ~/.clan, or .clan when no home directory exists.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clan"
	}
	return filepath.Join(home, ".clan")
}
