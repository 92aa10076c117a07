// Package postgres provides a PostgreSQL-backed store backend using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gezibash/clan/internal/store"
)

const (
	KeyDSN             = "dsn"
	KeyTable           = "table"
	KeyMaxConns        = "max_conns"
	KeyMinConns        = "min_conns"
	KeyMaxConnIdleTime = "max_conn_idle_time"
	KeyPingTimeout     = "ping_timeout"
)

func init() {
	store.Register("postgres", NewFactory, Defaults)
}

// Defaults returns the default configuration for the PostgreSQL backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyDSN:             "postgres://clan@localhost:5432/clan?sslmode=disable",
		KeyTable:           "clan_kv",
		KeyMaxConns:        "10",
		KeyMinConns:        "1",
		KeyMaxConnIdleTime: "5m",
		KeyPingTimeout:     "2s",
	}
}

// NewFactory creates a new PostgreSQL backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (store.Backend, error) {
	dsn := strings.TrimSpace(store.GetString(config, KeyDSN, ""))
	if dsn == "" {
		return nil, store.NewConfigError("postgres", KeyDSN, "cannot be empty")
	}
	table := store.GetString(config, KeyTable, "clan_kv")
	if !validIdent(table) {
		return nil, &store.ConfigError{Backend: "postgres", Field: KeyTable, Value: table, Message: "must be a plain identifier"}
	}
	maxConns, err := store.GetInt(config, KeyMaxConns, 10)
	if err != nil {
		return nil, store.Invalid("postgres", err)
	}
	minConns, err := store.GetInt(config, KeyMinConns, 1)
	if err != nil {
		return nil, store.Invalid("postgres", err)
	}
	idle, err := store.GetDuration(config, KeyMaxConnIdleTime, 5*time.Minute)
	if err != nil {
		return nil, store.Invalid("postgres", err)
	}
	pingTimeout, err := store.GetDuration(config, KeyPingTimeout, 2*time.Second)
	if err != nil {
		return nil, store.Invalid("postgres", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, store.NewConfigErrorWithCause("postgres", KeyDSN, "invalid connection string", err)
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = int32(minConns)
	cfg.MaxConnIdleTime = idle

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, store.NewConfigErrorWithCause("postgres", KeyDSN, "failed to create pool", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, store.NewConfigErrorWithCause("postgres", KeyDSN, "failed to connect", err)
	}

	b, err := NewWithPool(ctx, pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("postgres store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database, "table", table)
	return b, nil
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Backend is a PostgreSQL implementation of store.Backend.
type Backend struct {
	pool   *pgxpool.Pool
	table  string
	closed atomic.Bool
}

// NewWithPool ensures the table exists and wraps pool. The key column uses
// the "C" collation so ordering is bytewise.
func NewWithPool(ctx context.Context, pool *pgxpool.Pool, table string) (*Backend, error) {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    bucket  TEXT NOT NULL,
    key     TEXT COLLATE "C" NOT NULL,
    value   BYTEA NOT NULL,
    PRIMARY KEY (bucket, key)
)`, table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &Backend{pool: pool, table: table}, nil
}

// Get returns the value stored under key.
func (b *Backend) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, store.ErrClosed
	}
	var value []byte
	err := b.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE bucket = $1 AND key = $2`, b.table),
		bucket, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get: %w", err)
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
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (bucket, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value`, b.table),
		bucket, key, value)
	if err != nil {
		return fmt.Errorf("postgres put: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Backend) Delete(ctx context.Context, bucket, key string) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	if _, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE bucket = $1 AND key = $2`, b.table), bucket, key); err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	return nil
}

// Scan returns the bucket's rows in key order.
func (b *Backend) Scan(ctx context.Context, bucket string, opts store.ScanOptions) ([]store.Item, error) {
	if b.closed.Load() {
		return nil, store.ErrClosed
	}

	var sb strings.Builder
	args := []any{bucket}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	fmt.Fprintf(&sb, `SELECT key, value FROM %s WHERE bucket = $1`, b.table)
	if opts.Prefix != "" {
		sb.WriteString(` AND key >= ` + arg(opts.Prefix))
		if end := store.PrefixEnd(opts.Prefix); end != "" {
			sb.WriteString(` AND key < ` + arg(end))
		}
	}
	if opts.After != "" {
		if opts.Descending {
			sb.WriteString(` AND key < ` + arg(opts.After))
		} else {
			sb.WriteString(` AND key > ` + arg(opts.After))
		}
	}
	if opts.Descending {
		sb.WriteString(` ORDER BY key DESC`)
	} else {
		sb.WriteString(` ORDER BY key ASC`)
	}
	if opts.Limit > 0 {
		sb.WriteString(` LIMIT ` + arg(opts.Limit))
	}

	rows, err := b.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres scan: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Item, error) {
		var it store.Item
		err := row.Scan(&it.Key, &it.Value)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres scan: %w", err)
	}
	return items, nil
}

// Stats reports the total row count.
func (b *Backend) Stats(ctx context.Context) (*store.Stats, error) {
	if b.closed.Load() {
		return nil, store.ErrClosed
	}
	var n int64
	if err := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, b.table)).Scan(&n); err != nil {
		return nil, fmt.Errorf("postgres stats: %w", err)
	}
	return &store.Stats{Backend: "postgres", Keys: n}, nil
}

// Close closes the pool. Closing twice is a no-op.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.pool.Close()
	return nil
}
