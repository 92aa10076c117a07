// Package node opens the storage, archive and governance core of a clan
// process from configuration.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gezibash/clan/internal/archive"
	"github.com/gezibash/clan/internal/config"
	"github.com/gezibash/clan/internal/governance"
	"github.com/gezibash/clan/internal/observability"
	"github.com/gezibash/clan/internal/store"
	"github.com/gezibash/clan/pkg/identity/ed25519"

	// Register store backends
	_ "github.com/gezibash/clan/internal/store/badger"
	_ "github.com/gezibash/clan/internal/store/memory"
	_ "github.com/gezibash/clan/internal/store/postgres"
	_ "github.com/gezibash/clan/internal/store/redis"
	_ "github.com/gezibash/clan/internal/store/sqlite"
)

// ArchiveNone disables the archive sink.
const ArchiveNone = "none"

// Node is an opened store plus the core built over it.
type Node struct {
	Config  config.Config
	Backend store.Backend
	Archive archive.Sink
	Core    *governance.Core
}

// OpenStore opens the configured store backend.
func OpenStore(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (store.Backend, error) {
	backend, err := store.Open(ctx, cfg.Storage.Backend, cfg.StorageConfig(), metrics)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	return backend, nil
}

// OpenArchive opens the configured archive sink. It returns nil when
// archiving is disabled.
func OpenArchive(ctx context.Context, cfg config.Config) (archive.Sink, error) {
	if cfg.Archive.Backend == "" || cfg.Archive.Backend == ArchiveNone {
		return nil, nil
	}
	sink, err := archive.Open(ctx, cfg.Archive.Backend, cfg.ArchiveConfig())
	if err != nil {
		return nil, fmt.Errorf("open %s archive: %w", cfg.Archive.Backend, err)
	}
	return sink, nil
}

// Open opens the store and archive and builds the core. key is the device
// key; it may be nil only when sessions are not required.
func Open(ctx context.Context, cfg config.Config, key *ed25519.Keypair, metrics *observability.Metrics) (*Node, error) {
	backend, err := OpenStore(ctx, cfg, metrics)
	if err != nil {
		return nil, err
	}
	sink, err := OpenArchive(ctx, cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	core, err := governance.New(governance.ConfigFrom(cfg), governance.Options{
		Backend: backend,
		Key:     key,
		Metrics: metrics,
		Archive: sink,
	})
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		_ = backend.Close()
		return nil, fmt.Errorf("governance core: %w", err)
	}
	slog.DebugContext(ctx, "node opened", "store", cfg.Storage.Backend, "archive", cfg.Archive.Backend, "device", core.Device())
	return &Node{Config: cfg, Backend: backend, Archive: sink, Core: core}, nil
}

// Close releases the core and the store.
func (n *Node) Close() error {
	return errors.Join(n.Core.Close(), n.Backend.Close())
}
