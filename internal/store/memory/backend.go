// Package memory registers a non-persistent store backend for tests and
// ephemeral runs. It is an in-memory BadgerDB.
package memory

import (
	"context"

	"github.com/gezibash/clan/internal/store"
	"github.com/gezibash/clan/internal/store/badger"
)

func init() {
	store.Register("memory", NewFactory, func() map[string]string { return map[string]string{} })
}

// NewFactory ignores its config and returns a fresh in-memory backend.
func NewFactory(_ context.Context, _ map[string]string) (store.Backend, error) {
	return New()
}

// New returns a fresh in-memory backend.
func New() (*badger.Backend, error) {
	return badger.NewInMemory("memory")
}
