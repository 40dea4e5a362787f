package memkv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetNXClaimsOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "claim:a", "1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetNX(ctx, "claim:a", "2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second claim on the same key must fail")
}

func TestTTLExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := NewWithClock(clock)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", "v", time.Second))
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok, "key should have expired")
}

func TestDurableWhenNoTTL(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "perm", "v", 0))
	_, ok, _ := s.Get(ctx, "perm")
	require.True(t, ok)
}

func TestListPrefix(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "own:a", "Albion", 0))
	require.NoError(t, s.Put(ctx, "own:b", "Midgard", 0))
	require.NoError(t, s.Put(ctx, "ua:a", "1", 0))

	keys, err := s.List(ctx, "own:", 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"own:a", "own:b"}, keys)
}

func TestDeleteMissingKeyIsNotError(t *testing.T) {
	s := New()
	require.NoError(t, s.Delete(context.Background(), "nope"))
}
