package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gezibash/clan/internal/observability"
)

// Factory creates a backend from a configuration map.
type Factory func(ctx context.Context, config map[string]string) (Backend, error)

// DefaultsFunc returns the default configuration for a backend.
type DefaultsFunc func() map[string]string

type registration struct {
	factory  Factory
	defaults DefaultsFunc
}

var (
	registry   = make(map[string]registration)
	registryMu sync.RWMutex
)

// Register makes a backend available by name. It panics on duplicates.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("store backend %q already registered", name))
	}
	registry[name] = registration{factory: factory, defaults: defaults}
}

// Backends lists registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Defaults returns the default configuration of a registered backend.
func Defaults(name string) map[string]string {
	registryMu.RLock()
	reg, ok := registry[name]
	registryMu.RUnlock()
	if !ok || reg.defaults == nil {
		return nil
	}
	return reg.defaults()
}

// Open creates the named backend, layering config over its defaults.
func Open(ctx context.Context, name string, config map[string]string, metrics *observability.Metrics) (_ Backend, err error) {
	op, ctx := observability.StartOperation(ctx, metrics, "store.open")
	defer func() { op.End(err) }()

	registryMu.RLock()
	reg, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, NewConfigError(name, "", fmt.Sprintf("unknown store backend %q (available: %v)", name, Backends()))
	}

	var defaults map[string]string
	if reg.defaults != nil {
		defaults = reg.defaults()
	}

	backend, err := reg.factory(ctx, MergeConfig(defaults, config))
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "store backend opened", "backend", name)
	return backend, nil
}
