package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON loads key from bucket and decodes it into v.
func GetJSON(ctx context.Context, b Backend, bucket, key string, v any) error {
	raw, err := b.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, b Backend, bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return b.Put(ctx, bucket, key, raw)
}

// ScanJSON scans bucket and decodes every value as a T.
func ScanJSON[T any](ctx context.Context, b Backend, bucket string, opts ScanOptions) ([]*T, error) {
	items, err := b.Scan(ctx, bucket, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(items))
	for _, it := range items {
		v := new(T)
		if err := json.Unmarshal(it.Value, v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", bucket, it.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
