package badger

import (
	"context"
	"errors"
	"testing"

	"github.com/gezibash/clan/internal/store"
	"github.com/gezibash/clan/internal/store/storetest"
)

func newTestBackend(t testing.TB) store.Backend {
	t.Helper()
	be, err := NewFactory(context.Background(), map[string]string{KeyPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newTestBackend)
}

func TestInMemoryConformance(t *testing.T) {
	storetest.Run(t, func(t testing.TB) store.Backend {
		be, err := NewInMemory("badger")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { be.Close() })
		return be
	})
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	be, err := NewFactory(ctx, map[string]string{KeyPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := be.Put(ctx, "council", "clan-1", []byte("snapshot")); err != nil {
		t.Fatal(err)
	}
	if err := be.Close(); err != nil {
		t.Fatal(err)
	}

	be, err = NewFactory(ctx, map[string]string{KeyPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer be.Close()
	got, err := be.Get(ctx, "council", "clan-1")
	if err != nil || string(got) != "snapshot" {
		t.Fatalf("Get after reopen = %q, %v", got, err)
	}
}

func TestFactoryConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]string
	}{
		{"empty path", map[string]string{KeyPath: ""}},
		{"bad sync", map[string]string{KeyPath: t.TempDir(), KeySyncWrites: "maybe"}},
		{"bad memtable", map[string]string{KeyPath: t.TempDir(), KeyMemTableSize: "big"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFactory(context.Background(), tt.config)
			var ce *store.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want *store.ConfigError", err)
			}
			if ce.Backend != "badger" {
				t.Fatalf("Backend = %q, want badger", ce.Backend)
			}
		})
	}
}

func TestRunGCInMemory(t *testing.T) {
	be, err := NewInMemory("badger")
	if err != nil {
		t.Fatal(err)
	}
	defer be.Close()
	if err := be.RunGC(0.5); err != nil {
		t.Fatalf("RunGC: %v", err)
	}
}

func BenchmarkBadger(b *testing.B) {
	storetest.Bench(b, newTestBackend)
}
