package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uthgard/heraldwatch/internal/config"
	"github.com/uthgard/heraldwatch/internal/keys"
	"github.com/uthgard/heraldwatch/internal/kvstore/memkv"
	"github.com/uthgard/heraldwatch/internal/logging"
)

const warmapHTML = `
<html><body>
<table>
<tr><td class="keepinfo_alb">Caer Benowyc<br>Level 5 keep</td></tr>
</table>
<table id="events"></table>
</body></html>
`

func newTestEngine(t *testing.T, warmapURL string, whURL string) *Engine {
	t.Helper()
	cfg := &config.Config{
		WarmapURL:       warmapURL,
		AttackWindow:    7 * time.Minute,
		CaptureWindow:   12 * time.Minute,
		ActivitySession: 30 * time.Minute,
		ActivityBigRP:   500,
		ActivityReping:  10 * time.Minute,
		Webhooks:        config.Webhooks{UA: []string{whURL}, Capture: []string{whURL}, Players: []string{whURL}},
	}
	store := memkv.New()
	e := New(store, logging.NewTestLogger(), cfg)
	return e
}

func TestTickParsesAndPersistsOnFirstRun(t *testing.T) {
	warmapSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(warmapHTML))
	}))
	defer warmapSrv.Close()
	whSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer whSrv.Close()

	e := newTestEngine(t, warmapSrv.URL, whSrv.URL)

	outcome, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", outcome)

	data, ok, err := e.store.Get(context.Background(), keys.Warmap)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, data)
}

func TestTickFetchErrorReturnsFetchErrorOutcome(t *testing.T) {
	warmapSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer warmapSrv.Close()

	e := newTestEngine(t, warmapSrv.URL, "http://unused")

	outcome, err := e.Tick(context.Background())
	require.Error(t, err)
	require.Equal(t, "fetch_error", outcome)
}

func TestTickEmptyDocumentYieldsParseEmptyOutcome(t *testing.T) {
	warmapSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>nothing here</body></html>"))
	}))
	defer warmapSrv.Close()

	e := newTestEngine(t, warmapSrv.URL, "http://unused")

	outcome, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, "parse_empty", outcome)

	_, ok, err := e.store.Get(context.Background(), keys.Warmap)
	require.NoError(t, err)
	require.False(t, ok, "empty parse must never seed the warmap baseline")
}

func TestSecondTickOverIdenticalHTMLDoesNotRewriteSnapshot(t *testing.T) {
	warmapSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(warmapHTML))
	}))
	defer warmapSrv.Close()
	whSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer whSrv.Close()

	e := newTestEngine(t, warmapSrv.URL, whSrv.URL)
	ctx := context.Background()

	_, err := e.Tick(ctx)
	require.NoError(t, err)
	first, _, err := e.store.Get(ctx, keys.Warmap)
	require.NoError(t, err)

	_, err = e.Tick(ctx)
	require.NoError(t, err)
	second, _, err := e.store.Get(ctx, keys.Warmap)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestStrictDeliveryFlagOverridesConfig(t *testing.T) {
	e := newTestEngine(t, "http://unused", "http://unused")
	ctx := context.Background()

	require.False(t, e.StrictDelivery(ctx), "default config is freshness-first")

	require.NoError(t, e.store.Put(ctx, keys.StrictDeliveryFlag, "1", 0))
	require.True(t, e.StrictDelivery(ctx))

	require.NoError(t, e.store.Put(ctx, keys.StrictDeliveryFlag, "0", 0))
	require.False(t, e.StrictDelivery(ctx))
}

// panicStore panics on Get, standing in for an unexpected bug in a detector
// or storage backend; safeTick must convert that into a "panic" outcome
// instead of crashing the scheduler loop.
type panicStore struct{ *memkv.Store }

func (panicStore) Get(context.Context, string) (string, bool, error) {
	panic("boom")
}

func TestSafeTickRecoversPanicAsOutcome(t *testing.T) {
	warmapSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(warmapHTML))
	}))
	defer warmapSrv.Close()

	e := newTestEngine(t, warmapSrv.URL, "http://unused")
	e.store = panicStore{memkv.New()}

	outcome, err := e.safeTick(context.Background())
	require.Error(t, err)
	require.Equal(t, "panic", outcome)
}
