package players

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uthgard/heraldwatch/internal/config"
	"github.com/uthgard/heraldwatch/internal/keys"
	"github.com/uthgard/heraldwatch/internal/kvstore/memkv"
	"github.com/uthgard/heraldwatch/internal/logging"
	"github.com/uthgard/heraldwatch/internal/webhook"
)

func profileServer(t *testing.T, rp string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><table><tr><td>Realm Points</td><td>` + rp + `</td></tr></table></body></html>`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestScanner(t *testing.T, store *memkv.Store, now time.Time) (*Scanner, []string) {
	t.Helper()
	whSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(whSrv.Close)

	wh := webhook.NewClient(store, logging.NewTestLogger())
	wh.WithClock(func() time.Time { return now }).WithSleep(func(time.Duration) {})

	cfg := &config.Config{ActivitySession: 30 * time.Minute, ActivityBigRP: 500, ActivityReping: 10 * time.Minute}
	s := NewScanner(store, wh, logging.NewTestLogger(), cfg)
	s.WithClock(func() time.Time { return now }).WithSleep(func(time.Duration) {})
	return s, []string{whSrv.URL}
}

func TestColdStartSeedsBaselineNoNotify(t *testing.T) {
	store := memkv.New()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	s, endpoints := newTestScanner(t, store, now)
	srv := profileServer(t, "10000")

	result := s.Scan(context.Background(), []config.TrackedPlayer{{ID: "saz", Name: "Saz", URL: srv.URL}}, endpoints)
	require.Equal(t, 1, result.Scanned)
	require.Equal(t, 0, result.Sent)

	v, ok, err := store.Get(context.Background(), keys.RPBaseline("saz"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10000", v)
}

func TestPlayerPingBelowBigDeltaWithElapsedHeartbeat(t *testing.T) {
	store := memkv.New()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, keys.RPBaseline("saz"), "10000", 0))

	s, endpoints := newTestScanner(t, store, now)
	srv := profileServer(t, "10450")

	result := s.Scan(ctx, []config.TrackedPlayer{{ID: "saz", Name: "Saz", URL: srv.URL}}, endpoints)
	require.Equal(t, 1, result.Sent)

	baseline, _, err := store.Get(ctx, keys.RPBaseline("saz"))
	require.NoError(t, err)
	require.Equal(t, "10450", baseline)

	_, active, err := store.Get(ctx, keys.RPActive("saz"))
	require.NoError(t, err)
	require.True(t, active)
}

func TestPlayerRolloverClearsSessionState(t *testing.T) {
	store := memkv.New()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, keys.RPBaseline("saz"), "10450", 0))
	require.NoError(t, store.Put(ctx, keys.RPActive("saz"), "1", 30*time.Minute))
	require.NoError(t, store.Put(ctx, keys.RPLast("saz"), "1", time.Hour))

	s, endpoints := newTestScanner(t, store, now)
	srv := profileServer(t, "0")

	result := s.Scan(ctx, []config.TrackedPlayer{{ID: "saz", Name: "Saz", URL: srv.URL}}, endpoints)
	require.Equal(t, 0, result.Sent)

	baseline, _, err := store.Get(ctx, keys.RPBaseline("saz"))
	require.NoError(t, err)
	require.Equal(t, "0", baseline)

	_, active, err := store.Get(ctx, keys.RPActive("saz"))
	require.NoError(t, err)
	require.False(t, active)

	_, last, err := store.Get(ctx, keys.RPLast("saz"))
	require.NoError(t, err)
	require.False(t, last)
}

func TestActiveSessionSmallDeltaRecentHeartbeatSkipsNotify(t *testing.T) {
	store := memkv.New()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, keys.RPBaseline("saz"), "10000", 0))
	require.NoError(t, store.Put(ctx, keys.RPActive("saz"), "1", 30*time.Minute))
	require.NoError(t, store.Put(ctx, keys.RPLast("saz"), stringMillis(now.Add(-2*time.Minute)), time.Hour))

	s, endpoints := newTestScanner(t, store, now)
	srv := profileServer(t, "10050")

	result := s.Scan(ctx, []config.TrackedPlayer{{ID: "saz", Name: "Saz", URL: srv.URL}}, endpoints)
	require.Equal(t, 0, result.Sent)
	require.Equal(t, 1, result.Skipped)

	baseline, _, err := store.Get(ctx, keys.RPBaseline("saz"))
	require.NoError(t, err)
	require.Equal(t, "10050", baseline, "baseline advances even when no notification fires")
}

func stringMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
