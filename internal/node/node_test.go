package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gezibash/clan/internal/config"
	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/pkg/identity/ed25519"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DataDir: t.TempDir(),
		Storage: config.BackendConfig{Backend: "memory"},
		Archive: config.BackendConfig{Backend: "file"},
		Governance: config.GovernanceConfig{
			DefaultQuorum:   2,
			RejectThreshold: 2,
			RequireSession:  true,
		},
	}
}

func TestOpen(t *testing.T) {
	cfg := testConfig(t)
	kp, err := ed25519.Generate()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	n, err := Open(ctx, cfg, kp, observability.NewMetrics())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer n.Close()

	if n.Archive == nil {
		t.Fatal("file archive should be opened")
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "archive")); err != nil {
		t.Fatalf("archive dir: %v", err)
	}
	if _, err := n.Core.StartSession(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := n.Core.InitCouncil(ctx, "clan-1", "founder"); err != nil {
		t.Fatal(err)
	}
	res, err := n.Core.ExportAudit(ctx, "clan-1", "founder", true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Location == "" {
		t.Fatal("export should be archived")
	}
}

func TestOpenWithoutKey(t *testing.T) {
	cfg := testConfig(t)
	if _, err := Open(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("Open without key should fail when sessions are required")
	}
	cfg.Governance.RequireSession = false
	cfg.Archive.Backend = ArchiveNone
	n, err := Open(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()
	if n.Archive != nil {
		t.Fatal("archive should be disabled")
	}
}

func TestOpenUnknownBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "floppy"
	if _, err := OpenStore(context.Background(), cfg, nil); err == nil {
		t.Fatal("unknown store should fail")
	}
	cfg = testConfig(t)
	cfg.Archive.Backend = "tape"
	if _, err := OpenArchive(context.Background(), cfg); err == nil {
		t.Fatal("unknown archive should fail")
	}
}

func TestOpenBadgerUnderDataDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "badger"
	cfg.Governance.RequireSession = false
	n, err := Open(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "state")); err != nil {
		t.Fatalf("badger dir: %v", err)
	}
}
