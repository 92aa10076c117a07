// Package storetest provides the conformance suite and benchmarks shared by
// every store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gezibash/clan/internal/store"
)

// NewFunc opens a fresh, empty backend for one test.
type NewFunc func(t testing.TB) store.Backend

// Run executes the conformance suite against backends produced by newBackend.
func Run(t *testing.T, newBackend NewFunc) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"PutGet", testPutGet},
		{"GetMissing", testGetMissing},
		{"Overwrite", testOverwrite},
		{"Delete", testDelete},
		{"BucketsIsolated", testBucketsIsolated},
		{"ScanAscending", testScanAscending},
		{"ScanDescending", testScanDescending},
		{"ScanAfter", testScanAfter},
		{"ScanAfterDescending", testScanAfterDescending},
		{"ScanLimit", testScanLimit},
		{"ScanPrefixBoundary", testScanPrefixBoundary},
		{"Stats", testStats},
		{"Closed", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

func put(t *testing.T, b store.Backend, bucket string, keys ...string) {
	t.Helper()
	for _, k := range keys {
		if err := b.Put(context.Background(), bucket, k, []byte("v:"+k)); err != nil {
			t.Fatalf("Put(%s/%s): %v", bucket, k, err)
		}
	}
}

func scanKeys(t *testing.T, b store.Backend, bucket string, opts store.ScanOptions) []string {
	t.Helper()
	items, err := b.Scan(context.Background(), bucket, opts)
	if err != nil {
		t.Fatalf("Scan(%s, %+v): %v", bucket, opts, err)
	}
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
		if want := "v:" + it.Key; string(it.Value) != want {
			t.Fatalf("value for %s = %q, want %q", it.Key, it.Value, want)
		}
	}
	return keys
}

func assertKeys(t *testing.T, got []string, want ...string) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
}

func testPutGet(t *testing.T, b store.Backend) {
	put(t, b, "council", "clan-1")
	got, err := b.Get(context.Background(), "council", "clan-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v:clan-1" {
		t.Fatalf("Get = %q", got)
	}
}

func testGetMissing(t *testing.T, b store.Backend) {
	_, err := b.Get(context.Background(), "council", "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func testOverwrite(t *testing.T, b store.Backend) {
	ctx := context.Background()
	if err := b.Put(ctx, "trust", "dev", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, "trust", "dev", []byte("two")); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get(ctx, "trust", "dev")
	if err != nil || string(got) != "two" {
		t.Fatalf("Get = %q, %v; want two", got, err)
	}
}

func testDelete(t *testing.T, b store.Backend) {
	ctx := context.Background()
	put(t, b, "approvals", "a", "b")
	if err := b.Delete(ctx, "approvals", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(ctx, "approvals", "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get deleted = %v, want ErrNotFound", err)
	}
	if err := b.Delete(ctx, "approvals", "missing"); err != nil {
		t.Fatalf("Delete missing should be a no-op, got %v", err)
	}
	assertKeys(t, scanKeys(t, b, "approvals", store.ScanOptions{}), "b")
}

func testBucketsIsolated(t *testing.T, b store.Backend) {
	put(t, b, "rules", "x")
	put(t, b, "rules2", "y")
	assertKeys(t, scanKeys(t, b, "rules", store.ScanOptions{}), "x")
	assertKeys(t, scanKeys(t, b, "rules2", store.ScanOptions{}), "y")
}

func testScanAscending(t *testing.T, b store.Backend) {
	put(t, b, "audit", "s1/03", "s1/01", "s2/01", "s1/02")
	assertKeys(t, scanKeys(t, b, "audit", store.ScanOptions{Prefix: "s1/"}), "s1/01", "s1/02", "s1/03")
}

func testScanDescending(t *testing.T, b store.Backend) {
	put(t, b, "audit", "s1/03", "s1/01", "s2/01", "s1/02", "s0/09")
	assertKeys(t, scanKeys(t, b, "audit", store.ScanOptions{Prefix: "s1/", Descending: true}), "s1/03", "s1/02", "s1/01")
}

func testScanAfter(t *testing.T, b store.Backend) {
	put(t, b, "audit", "s1/01", "s1/02", "s1/03")
	assertKeys(t, scanKeys(t, b, "audit", store.ScanOptions{Prefix: "s1/", After: "s1/01"}), "s1/02", "s1/03")
}

func testScanAfterDescending(t *testing.T, b store.Backend) {
	put(t, b, "audit", "s1/01", "s1/02", "s1/03")
	assertKeys(t, scanKeys(t, b, "audit", store.ScanOptions{Prefix: "s1/", After: "s1/03", Descending: true}), "s1/02", "s1/01")
}

func testScanLimit(t *testing.T, b store.Backend) {
	put(t, b, "audit", "s1/01", "s1/02", "s1/03")
	assertKeys(t, scanKeys(t, b, "audit", store.ScanOptions{Prefix: "s1/", Limit: 2}), "s1/01", "s1/02")
	assertKeys(t, scanKeys(t, b, "audit", store.ScanOptions{Prefix: "s1/", Limit: 1, Descending: true}), "s1/03")
}

func testScanPrefixBoundary(t *testing.T, b store.Backend) {
	put(t, b, "audit", "s1", "s1/a", "s10/a", "s1~")
	assertKeys(t, scanKeys(t, b, "audit", store.ScanOptions{Prefix: "s1/"}), "s1/a")
	assertKeys(t, scanKeys(t, b, "audit", store.ScanOptions{}), "s1", "s1/a", "s10/a", "s1~")
}

func testStats(t *testing.T, b store.Backend) {
	put(t, b, "rules", "a", "b")
	put(t, b, "council", "c")
	st, err := b.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Keys < 3 {
		t.Fatalf("Stats.Keys = %d, want >= 3", st.Keys)
	}
	if st.Backend == "" {
		t.Fatal("Stats.Backend is empty")
	}
}

func testClosed(t *testing.T, b store.Backend) {
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Put(context.Background(), "rules", "a", []byte("x")); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("Put after close = %v, want ErrClosed", err)
	}
	if _, err := b.Get(context.Background(), "rules", "a"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("Get after close = %v, want ErrClosed", err)
	}
}

// Bench runs the shared append/scan benchmarks against a backend.
func Bench(b *testing.B, newBackend NewFunc) {
	b.Run("Put", func(b *testing.B) {
		be := newBackend(b)
		ctx := context.Background()
		val := make([]byte, 256)
		b.ResetTimer()
		for i := 0; b.Loop(); i++ {
			if err := be.Put(ctx, "audit", fmt.Sprintf("scope/%016x", i), val); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("ScanRecent", func(b *testing.B) {
		be := newBackend(b)
		ctx := context.Background()
		for i := range 1000 {
			if err := be.Put(ctx, "audit", fmt.Sprintf("scope/%016x", i), []byte("x")); err != nil {
				b.Fatal(err)
			}
		}
		b.ResetTimer()
		for b.Loop() {
			if _, err := be.Scan(ctx, "audit", store.ScanOptions{Prefix: "scope/", Limit: 50, Descending: true}); err != nil {
				b.Fatal(err)
			}
		}
	})
}
