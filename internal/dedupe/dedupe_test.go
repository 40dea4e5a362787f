package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uthgard/heraldwatch/internal/kvstore/memkv"
)

func TestClaimBlocksSecondCallerUntilTTLExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	store := memkv.NewWithClock(func() time.Time { return clock })
	ctx := context.Background()

	won, err := Claim(ctx, store, "claim:a")
	require.NoError(t, err)
	require.True(t, won, "first caller should win the claim")

	won, err = Claim(ctx, store, "claim:a")
	require.NoError(t, err)
	require.False(t, won, "claim key still held, second caller must not win")

	clock = clock.Add(ClaimTTL + time.Second)

	won, err = Claim(ctx, store, "claim:a")
	require.NoError(t, err)
	require.True(t, won, "claim must be takeable again once its TTL has expired")
}

func TestMarkSeenThenSeen(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()

	seen, err := Seen(ctx, store, "x")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, MarkSeen(ctx, store, "x", time.Hour))

	seen, err = Seen(ctx, store, "x")
	require.NoError(t, err)
	require.True(t, seen)
}
