// Package store defines the persistence collaborator shared by every
// governance component: a bucketed key/value backend selected by name.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist in a bucket.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned when operating on a closed backend.
	ErrClosed = errors.New("backend closed")
)

// Item is a single key/value pair returned by Scan.
type Item struct {
	Key   string
	Value []byte
}

// ScanOptions controls a bucket scan.
//
// Keys are compared bytewise. With Descending unset, items are returned in
// ascending key order starting after After; with Descending set, in
// descending order starting before After.
type ScanOptions struct {
	Prefix     string
	After      string
	Limit      int
	Descending bool
}

// Stats reports backend-level counters.
type Stats struct {
	Backend string
	Keys    int64
}

// Backend is the physical storage interface implemented by each driver.
// Buckets partition the keyspace; bucket names never contain '/'.
type Backend interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	Scan(ctx context.Context, bucket string, opts ScanOptions) ([]Item, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// PrefixEnd returns the smallest string greater than every string with the
// given prefix, or "" when no such bound exists.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
