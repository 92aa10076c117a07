// Package badger provides a BadgerDB-backed store backend.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/clan/internal/store"
)

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyMemTableSize     = "mem_table_size"
	KeyInMemory         = "in_memory"
)

func init() {
	store.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:             "~/.clan/state",
		KeySyncWrites:       "true",
		KeyValueLogFileSize: strconv.FormatInt(256<<20, 10),
		KeyMemTableSize:     strconv.FormatInt(64<<20, 10),
		KeyInMemory:         "false",
	}
}

// NewFactory creates a new BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (store.Backend, error) {
	inMemory, err := store.GetBool(config, KeyInMemory, false)
	if err != nil {
		return nil, store.Invalid("badger", err)
	}
	if inMemory {
		return NewInMemory("badger")
	}

	path := store.GetString(config, KeyPath, "")
	if path == "" {
		return nil, store.NewConfigError("badger", KeyPath, "cannot be empty")
	}
	path = store.ExpandPath(path)

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, store.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
	}

	syncWrites, err := store.GetBool(config, KeySyncWrites, true)
	if err != nil {
		return nil, store.Invalid("badger", err)
	}
	valueLogFileSize, err := store.GetInt(config, KeyValueLogFileSize, 256<<20)
	if err != nil {
		return nil, store.Invalid("badger", err)
	}
	memTableSize, err := store.GetInt(config, KeyMemTableSize, 64<<20)
	if err != nil {
		return nil, store.Invalid("badger", err)
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = syncWrites
	if valueLogFileSize > 0 {
		opts.ValueLogFileSize = int64(valueLogFileSize)
	}
	if memTableSize > 0 {
		opts.MemTableSize = int64(memTableSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, store.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}

	slog.Info("badger store initialized", "path", path, "sync_writes", syncWrites)
	return NewWithDB(db, "badger"), nil
}

// NewInMemory opens a non-persistent BadgerDB reporting itself as name.
func NewInMemory(name string) (*Backend, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, store.NewConfigErrorWithCause(name, KeyInMemory, "failed to open in-memory database", err)
	}
	return NewWithDB(db, name), nil
}

// Backend is a BadgerDB implementation of store.Backend. Entries live under
// "<bucket>/<key>".
type Backend struct {
	db     *badger.DB
	name   string
	closed atomic.Bool
}

// NewWithDB wraps an existing BadgerDB instance.
func NewWithDB(db *badger.DB, name string) *Backend {
	return &Backend{db: db, name: name}
}

func dbKey(bucket, key string) []byte {
	return []byte(bucket + "/" + key)
}

// Get returns the value stored under key.
func (b *Backend) Get(_ context.Context, bucket, key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, store.ErrClosed
	}

	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(bucket, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return out, err
}

// Put stores value under key, replacing any previous value.
func (b *Backend) Put(_ context.Context, bucket, key string, value []byte) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dbKey(bucket, key), value)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Backend) Delete(_ context.Context, bucket, key string) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(dbKey(bucket, key))
	})
}

// Scan iterates a bucket in key order.
func (b *Backend) Scan(_ context.Context, bucket string, opts store.ScanOptions) ([]store.Item, error) {
	if b.closed.Load() {
		return nil, store.ErrClosed
	}

	base := bucket + "/"
	prefix := base + opts.Prefix
	end := store.PrefixEnd(prefix)
	var after string
	if opts.After != "" {
		after = base + opts.After
	}

	seek := prefix
	if opts.Descending {
		seek = end
		if after != "" && after < seek {
			seek = after
		}
	} else if after > seek {
		seek = after
	}

	var items []store.Item
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Reverse = opts.Descending
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek([]byte(seek)); it.Valid(); it.Next() {
			k := string(it.Item().Key())
			if !strings.HasPrefix(k, prefix) {
				// A reverse seek may land on the exclusive upper bound itself.
				if opts.Descending && k >= end {
					continue
				}
				break
			}
			if after != "" && (k == after || (opts.Descending && k > after) || (!opts.Descending && k < after)) {
				continue
			}

			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			items = append(items, store.Item{Key: k[len(base):], Value: val})
			if opts.Limit > 0 && len(items) >= opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan: %w", err)
	}
	return items, nil
}

// Stats counts every key across all buckets.
func (b *Backend) Stats(_ context.Context) (*store.Stats, error) {
	if b.closed.Load() {
		return nil, store.ErrClosed
	}

	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger stats: %w", err)
	}
	return &store.Stats{Backend: b.name, Keys: n}, nil
}

// RunGC triggers value log garbage collection.
func (b *Backend) RunGC(discardRatio float64) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	for {
		if err := b.db.RunValueLogGC(discardRatio); err != nil {
			if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
				return nil
			}
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}

// Close closes the database. Closing twice is a no-op.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
