// Package kvstore defines the namespaced key-value contract heraldwatch
// persists all durable pipeline state through (baselines, dedupe stamps,
// claim keys, cooldowns, penalties). The key schema itself lives in
// internal/keys; this package only concerns itself with the storage
// primitives.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by implementations that want to distinguish a
// missing key from an empty value, though Get's second return value is the
// primary mechanism callers should use.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the durable key-value contract. All keys are plain strings
// within a single flat namespace; callers construct fully-qualified keys
// via internal/keys. TTL of zero means "no expiration".
type Store interface {
	// Get returns the value and true if key exists, or ("", false, nil) if
	// it does not.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put writes key=value, expiring after ttl (ttl <= 0 means durable).
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns up to limit keys sharing prefix. limit <= 0 means the
	// implementation's own default cap; callers must not rely on unbounded
	// results, and the engine never scans unbounded ranges.
	List(ctx context.Context, prefix string, limit int) ([]string, error)

	// SetNX atomically writes key=value with ttl only if key is currently
	// absent, returning whether the write happened. Implementations built
	// on a store without real compare-and-swap may implement this as a
	// racy get-then-put; claim keys built on SetNX are a best-effort
	// optimization, not the correctness boundary, so a best-effort SetNX
	// is an acceptable implementation.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}
