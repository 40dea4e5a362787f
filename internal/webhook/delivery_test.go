package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uthgard/heraldwatch/internal/kvstore/memkv"
	"github.com/uthgard/heraldwatch/internal/logging"
)

func newTestClient(store *memkv.Store, now time.Time) *Client {
	c := NewClient(store, logging.NewTestLogger())
	c.WithClock(func() time.Time { return now })
	c.WithSleep(func(time.Duration) {})
	return c
}

func TestSendBatchDeliversToFirstEndpoint(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memkv.New()
	c := newTestClient(store, time.Now())

	ok, err := c.SendBatch(context.Background(), ChannelUA, []string{srv.URL}, "heraldwatch", []Embed{{Title: "x"}})
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestSendBatchFallsBackOnFailure(t *testing.T) {
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	var goodHits int32
	goodSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&goodHits, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer goodSrv.Close()

	store := memkv.New()
	c := newTestClient(store, time.Now())

	ok, err := c.SendBatch(context.Background(), ChannelCapture, []string{badSrv.URL, goodSrv.URL}, "heraldwatch", []Embed{{Title: "x"}})
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, atomic.LoadInt32(&goodHits))
}

func TestSendBatchHonorsRateLimitRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memkv.New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTestClient(store, now)

	ok, err := c.SendBatch(context.Background(), ChannelUA, []string{srv.URL}, "heraldwatch", []Embed{{Title: "x"}})
	require.NoError(t, err)
	require.False(t, ok, "first attempt is rate-limited and there is no fallback endpoint")

	cooldown, found, err := store.Get(context.Background(), "discord:cooldown:"+hashEndpoint(srv.URL))
	require.NoError(t, err)
	require.True(t, found)
	until, err := time.Parse(time.RFC3339, cooldown)
	require.NoError(t, err)
	require.True(t, until.After(now))
}

func TestSendBatchSkipsWhenGateHeld(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memkv.New()
	ctx := context.Background()
	ok, err := store.SetNX(ctx, "discord:gate:ua", "1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	c := newTestClient(store, time.Now())
	delivered, err := c.SendBatch(ctx, ChannelUA, []string{srv.URL}, "heraldwatch", []Embed{{Title: "x"}})
	require.NoError(t, err)
	require.False(t, delivered, "a held gate must block a second concurrent batch")
}

func TestSendBatchChunksLargeSlicesAndSleepsBetween(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memkv.New()
	c := NewClient(store, logging.NewTestLogger())
	c.WithClock(func() time.Time { return time.Now() })

	var sleeps []time.Duration
	c.WithSleep(func(d time.Duration) { sleeps = append(sleeps, d) })

	embeds := make([]Embed, 23)
	ok, err := c.SendBatch(context.Background(), ChannelCapture, []string{srv.URL}, "heraldwatch", embeds)
	require.NoError(t, err)
	require.True(t, ok)

	var interSliceWaits int
	for _, d := range sleeps {
		if d == InterSliceDelay {
			interSliceWaits++
		}
	}
	require.Equal(t, 2, interSliceWaits, "23 embeds chunked by 10 means 2 inter-slice waits")
}

func TestSendBatchEmptyEmbedsIsNoop(t *testing.T) {
	store := memkv.New()
	c := newTestClient(store, time.Now())
	ok, err := c.SendBatch(context.Background(), ChannelPlayers, []string{"http://unused"}, "heraldwatch", nil)
	require.NoError(t, err)
	require.True(t, ok)
}
