// Package redis provides a Redis-backed store backend.
//
// Each bucket is a sorted set of keys (all scored 0, so lexical range
// queries apply) next to a hash of values.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/clan/internal/store"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"

	defaultPrefix = "clan:"
)

func init() {
	store.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "0",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    defaultPrefix,
	}
}

// NewFactory creates a new Redis backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (store.Backend, error) {
	addr := store.GetString(config, KeyAddr, "")
	if addr == "" {
		return nil, store.NewConfigError("redis", KeyAddr, "cannot be empty")
	}

	db, err := store.GetInt(config, KeyDB, 0)
	if err != nil {
		return nil, store.Invalid("redis", err)
	}
	if db < 0 {
		return nil, &store.ConfigError{Backend: "redis", Field: KeyDB, Value: config[KeyDB], Message: "must be non-negative"}
	}
	maxRetries, err := store.GetInt(config, KeyMaxRetries, 3)
	if err != nil {
		return nil, store.Invalid("redis", err)
	}
	dialTimeout, err := store.GetDuration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, store.Invalid("redis", err)
	}
	readTimeout, err := store.GetDuration(config, KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, store.Invalid("redis", err)
	}
	writeTimeout, err := store.GetDuration(config, KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, store.Invalid("redis", err)
	}
	poolSize, err := store.GetInt(config, KeyPoolSize, 0)
	if err != nil {
		return nil, store.Invalid("redis", err)
	}

	keyPrefix := store.GetString(config, KeyKeyPrefix, defaultPrefix)

	opts := &redis.Options{
		Addr:         addr,
		Password:     store.GetString(config, KeyPassword, ""),
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, store.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	slog.Info("redis store initialized", "addr", addr, "db", db, "key_prefix", keyPrefix)
	return NewWithClient(client, keyPrefix), nil
}

// Backend is a Redis implementation of store.Backend.
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient creates a new backend with an existing Redis client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) keysKey(bucket string) string { return b.prefix + bucket + ":keys" }
func (b *Backend) valsKey(bucket string) string { return b.prefix + bucket + ":vals" }

// Get returns the value stored under key.
func (b *Backend) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, store.ErrClosed
	}
	val, err := b.client.HGet(ctx, b.valsKey(bucket), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// Put stores value under key.
func (b *Backend) Put(ctx context.Context, bucket, key string, value []byte) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, b.keysKey(bucket), redis.Z{Score: 0, Member: key})
	pipe.HSet(ctx, b.valsKey(bucket), key, value)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Backend) Delete(ctx context.Context, bucket, key string) error {
	if b.closed.Load() {
		return store.ErrClosed
	}
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.keysKey(bucket), key)
	pipe.HDel(ctx, b.valsKey(bucket), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Scan resolves the key range with ZRANGEBYLEX and fetches values with HMGET.
func (b *Backend) Scan(ctx context.Context, bucket string, opts store.ScanOptions) ([]store.Item, error) {
	if b.closed.Load() {
		return nil, store.ErrClosed
	}

	lo, hi := "-", "+"
	if opts.Prefix != "" {
		lo = "[" + opts.Prefix
		if end := store.PrefixEnd(opts.Prefix); end != "" {
			hi = "(" + end
		}
	}
	if opts.After != "" {
		if opts.Descending {
			if hi == "+" || opts.After < hi[1:] {
				hi = "(" + opts.After
			}
		} else if lo == "-" || opts.After >= lo[1:] {
			lo = "(" + opts.After
		}
	}

	rng := &redis.ZRangeBy{Min: lo, Max: hi}
	if opts.Limit > 0 {
		rng.Count = int64(opts.Limit)
	}

	var keys []string
	var err error
	if opts.Descending {
		keys, err = b.client.ZRevRangeByLex(ctx, b.keysKey(bucket), rng).Result()
	} else {
		keys, err = b.client.ZRangeByLex(ctx, b.keysKey(bucket), rng).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := b.client.HMGet(ctx, b.valsKey(bucket), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan values: %w", err)
	}

	items := make([]store.Item, 0, len(keys))
	for i, k := range keys {
		s, ok := vals[i].(string)
		if !ok {
			// Removed between the range query and HMGET.
			continue
		}
		items = append(items, store.Item{Key: k, Value: []byte(s)})
	}
	return items, nil
}

// Stats sums the cardinality of every bucket under the key prefix.
func (b *Backend) Stats(ctx context.Context) (*store.Stats, error) {
	if b.closed.Load() {
		return nil, store.ErrClosed
	}
	var total int64
	iter := b.client.Scan(ctx, 0, b.prefix+"*:keys", 100).Iterator()
	for iter.Next(ctx) {
		n, err := b.client.ZCard(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("redis stats: %w", err)
		}
		total += n
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	return &store.Stats{Backend: "redis", Keys: total}, nil
}

// Close closes the client. Closing twice is a no-op.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
