package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestDefaultDataDir(t *testing.T) {
	dir := DefaultDataDir()
	if !strings.HasSuffix(dir, ".clan") {
		t.Errorf("DefaultDataDir() should end with .clan, got: %s", dir)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load with no config file should not error, got: %v", err)
	}

	if cfg.Storage.Backend != "badger" {
		t.Errorf("Storage.Backend = %q, want badger", cfg.Storage.Backend)
	}
	if cfg.Governance.DefaultQuorum != 2 {
		t.Errorf("Governance.DefaultQuorum = %d, want 2", cfg.Governance.DefaultQuorum)
	}
	if cfg.Governance.RejectThreshold != 2 {
		t.Errorf("Governance.RejectThreshold = %d, want 2", cfg.Governance.RejectThreshold)
	}
	if cfg.Governance.RequestTTL != 0 {
		t.Errorf("Governance.RequestTTL = %v, want 0", cfg.Governance.RequestTTL)
	}
	if !cfg.Governance.RequireSession {
		t.Error("Governance.RequireSession should default to true")
	}
	if cfg.Trust.BackgroundPenalty != 5 {
		t.Errorf("Trust.BackgroundPenalty = %d, want 5", cfg.Trust.BackgroundPenalty)
	}
	if cfg.Observability.ServiceName != "clan" {
		t.Errorf("Observability.ServiceName = %q, want clan", cfg.Observability.ServiceName)
	}
}

func TestLoadWithEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CLAN_GRPC_ADDR", ":55555")
	t.Setenv("CLAN_GOVERNANCE_DEFAULT_QUORUM", "3")
	t.Setenv("CLAN_DATA_DIR", "/custom/data/dir")

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPC.Addr != ":55555" {
		t.Errorf("GRPC.Addr = %q, want :55555", cfg.GRPC.Addr)
	}
	if cfg.Governance.DefaultQuorum != 3 {
		t.Errorf("Governance.DefaultQuorum = %d, want 3", cfg.Governance.DefaultQuorum)
	}
	if cfg.DataDir != "/custom/data/dir" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clan.yaml")
	content := `
data_dir: /tmp/clan-test
storage:
  backend: sqlite
  config:
    busy_timeout: "9000"
governance:
  reject_threshold: 3
  request_ttl: 72h
archive:
  backend: s3
  config:
    bucket: clan-audit
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Config["busy_timeout"] != "9000" {
		t.Errorf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.Governance.RejectThreshold != 3 {
		t.Errorf("RejectThreshold = %d, want 3", cfg.Governance.RejectThreshold)
	}
	if cfg.Governance.RequestTTL != 72*time.Hour {
		t.Errorf("RequestTTL = %v, want 72h", cfg.Governance.RequestTTL)
	}
	if got := cfg.StorageConfig()["path"]; got != "/tmp/clan-test/clan.db" {
		t.Errorf("StorageConfig path = %q", got)
	}
	if cfg.Archive.Config["bucket"] != "clan-audit" {
		t.Errorf("archive config = %v", cfg.Archive.Config)
	}
}

func TestLoadMissingExplicitConfigFile(t *testing.T) {
	if _, err := Load(viper.New(), "/nonexistent/path/clan.yaml"); err == nil {
		t.Error("Load with explicit missing config file should error")
	}
}

func TestStorageConfigKeepsExplicitPath(t *testing.T) {
	cfg := Config{DataDir: "/d", Storage: BackendConfig{Backend: "badger", Config: map[string]string{"path": "/elsewhere"}}}
	if got := cfg.StorageConfig()["path"]; got != "/elsewhere" {
		t.Errorf("path = %q, want /elsewhere", got)
	}
	cfg.Storage.Config = nil
	if got := cfg.StorageConfig()["path"]; got != "/d/state" {
		t.Errorf("path = %q, want /d/state", got)
	}
	cfg.Storage.Backend = "redis"
	if _, ok := cfg.StorageConfig()["path"]; ok {
		t.Error("redis backend should not receive a path")
	}
}

func TestArchiveConfigDefaultsDir(t *testing.T) {
	cfg := Config{DataDir: "/d", Archive: BackendConfig{Backend: "file"}}
	if got := cfg.ArchiveConfig()["dir"]; got != "/d/archive" {
		t.Errorf("dir = %q, want /d/archive", got)
	}
}

func TestBindFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	v := viper.New()
	cmd := &cobra.Command{Use: "clan"}
	BindFlags(cmd, v)
	if err := cmd.PersistentFlags().Set("store", "memory"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.PersistentFlags().Set("key", "alice"); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(v, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.KeyName != "alice" {
		t.Errorf("KeyName = %q, want alice", cfg.KeyName)
	}
}
