// Package sqlite provides a SQLite-backed store backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/gezibash/clan/internal/store"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
	KeyCacheSize   = "cache_size"
)

func init() {
	store.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.clan/clan.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
		KeyCacheSize:   "-64000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    bucket  TEXT NOT NULL,
    key     TEXT NOT NULL,
    value   BLOB NOT NULL,
    PRIMARY KEY (bucket, key)
) WITHOUT ROWID;
`

// NewFactory creates a new SQLite backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (store.Backend, error) {
	path := store.GetString(config, KeyPath, "")
	if path == "" {
		return nil, store.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = store.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, store.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := store.GetString(config, KeyJournalMode, "wal")
	busyTimeout, err := store.GetInt(config, KeyBusyTimeout, 5000)
	if err != nil {
		return nil, store.Invalid("sqlite", err)
	}
	cacheSize, err := store.GetInt(config, KeyCacheSize, -64000)
	if err != nil {
		return nil, store.Invalid("sqlite", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=cache_size(%d)",
		path, journalMode, busyTimeout, cacheSize)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, store.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, store.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite store initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of store.Backend.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

// Get returns the value stored under key.
func (b *Backend) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, store.ErrClosed
	}
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return value, nil
}

// Put upserts value under key.
func (b *Backend) Put(ctx context.Context, bucket, key string, value []byte) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	if value == nil {
		value = []byte{}
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value`,
		bucket, key, value)
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Backend) Delete(ctx context.Context, bucket, key string) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// Scan returns the bucket's rows in key order. TEXT keys compare with the
// BINARY collation, which matches bytewise ordering.
func (b *Backend) Scan(ctx context.Context, bucket string, opts store.ScanOptions) ([]store.Item, error) {
	if b.closed.Load() {
		return nil, store.ErrClosed
	}

	var sb strings.Builder
	args := []any{bucket}
	sb.WriteString(`SELECT key, value FROM kv WHERE bucket = ?`)
	if opts.Prefix != "" {
		sb.WriteString(` AND key >= ?`)
		args = append(args, opts.Prefix)
		if end := store.PrefixEnd(opts.Prefix); end != "" {
			sb.WriteString(` AND key < ?`)
			args = append(args, end)
		}
	}
	if opts.After != "" {
		if opts.Descending {
			sb.WriteString(` AND key < ?`)
		} else {
			sb.WriteString(` AND key > ?`)
		}
		args = append(args, opts.After)
	}
	if opts.Descending {
		sb.WriteString(` ORDER BY key DESC`)
	} else {
		sb.WriteString(` ORDER BY key ASC`)
	}
	if opts.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, opts.Limit)
	}

	rows, err := b.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite scan: %w", err)
	}
	defer rows.Close()

	var items []store.Item
	for rows.Next() {
		var it store.Item
		if err := rows.Scan(&it.Key, &it.Value); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite scan: %w", err)
	}
	return items, nil
}

// Stats reports the total row count.
func (b *Backend) Stats(ctx context.Context) (*store.Stats, error) {
	if b.closed.Load() {
		return nil, store.ErrClosed
	}
	var n int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		return nil, fmt.Errorf("sqlite stats: %w", err)
	}
	return &store.Stats{Backend: "sqlite", Keys: n}, nil
}

// Close closes the database. Closing twice is a no-op.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
