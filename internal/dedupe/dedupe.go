// Package dedupe implements the claim-then-confirm pattern used by the UA
// and capture detectors to avoid double delivery: a best-effort
// SetNX claim guards against two concurrent ticks racing on the same event,
// and a separate durable dedupe key is the actual correctness boundary (the
// claim can always double-fire under true concurrency; the dedupe key never
// double-fires because it's checked and written in the same call path that
// sends the notification).
package dedupe

import (
	"context"
	"time"

	"github.com/uthgard/heraldwatch/internal/kvstore"
)

// ClaimTTL is how long a claim key blocks a second invocation from racing
// the same candidate event. It only needs to outlive one tick's worth of
// concurrent overlap, not the event's full dedupe window.
const ClaimTTL = 2 * time.Minute

// Claim attempts to take the named claim key, returning true if this call
// won the race. A losing call must not proceed to deliver; a winning call
// still must check the matching dedupe key before delivering; the claim
// only protects against two goroutines doing that check-then-set at once.
func Claim(ctx context.Context, store kvstore.Store, key string) (bool, error) {
	return store.SetNX(ctx, key, "1", ClaimTTL)
}

// Seen reports whether the durable dedupe key is already set.
func Seen(ctx context.Context, store kvstore.Store, key string) (bool, error) {
	_, ok, err := store.Get(ctx, key)
	return ok, err
}

// MarkSeen durably records that a dedupe key has fired, so any later call
// on this or another instance treats the same event as already delivered.
func MarkSeen(ctx context.Context, store kvstore.Store, key string, ttl time.Duration) error {
	return store.Put(ctx, key, "1", ttl)
}
