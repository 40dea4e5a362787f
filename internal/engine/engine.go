// Package engine orchestrates one tick of the pipeline: fetch the Herald
// warmap page, parse it, run the UA and capture detection passes in order,
// and persist the snapshot if it changed. Start runs a ticker plus context
// cancellation, with an immediate first poll before the ticker fires.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uthgard/heraldwatch/internal/config"
	"github.com/uthgard/heraldwatch/internal/diff"
	"github.com/uthgard/heraldwatch/internal/keys"
	"github.com/uthgard/heraldwatch/internal/kvstore"
	"github.com/uthgard/heraldwatch/internal/metrics"
	"github.com/uthgard/heraldwatch/internal/players"
	"github.com/uthgard/heraldwatch/internal/warmap"
	"github.com/uthgard/heraldwatch/internal/webhook"
)

// fetchTimeout bounds the upstream GET.
const fetchTimeout = 12 * time.Second

// TickInterval is the scheduler cadence for the main pipeline.
const TickInterval = time.Minute

// PlayerScanInterval is the second cadence that polls tracked-player
// profile pages.
const PlayerScanInterval = 5 * time.Minute

// Engine wires the parser, detector, and player scanner around one KV
// store and HTTP client.
type Engine struct {
	store    kvstore.Store
	http     *http.Client
	logger   *zap.SugaredLogger
	detector *diff.Detector
	scanner  *players.Scanner

	cfg atomic.Pointer[config.Config]

	now func() time.Time

	playerScanRunning atomic.Bool
}

// New builds an Engine from resolved configuration.
func New(store kvstore.Store, logger *zap.SugaredLogger, cfg *config.Config) *Engine {
	whClient := webhook.NewClient(store, logger)
	detector := diff.New(store, whClient, logger, cfg.AttackWindow, cfg.CaptureWindow, cfg.StrictDelivery)
	scanner := players.NewScanner(store, whClient, logger, cfg)

	e := &Engine{
		store:    store,
		http:     &http.Client{Timeout: fetchTimeout},
		logger:   logger,
		detector: detector,
		scanner:  scanner,
		now:      time.Now,
	}
	e.cfg.Store(cfg)
	return e
}

// UpdateConfig swaps the live configuration, picked up by the next tick and
// player scan.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.detector.SetStrict(cfg.StrictDelivery)
}

// Config returns the currently active configuration.
func (e *Engine) Config() *config.Config { return e.cfg.Load() }

// Detector exposes the shared UA/capture detector so the admin surface can
// simulate alert paths through the exact production code.
func (e *Engine) Detector() *diff.Detector { return e.detector }

// Scanner exposes the player scanner for the same reason.
func (e *Engine) Scanner() *players.Scanner { return e.scanner }

// StrictDelivery resolves the effective strict-delivery mode for this
// invocation: the flags:strict_delivery KV key when present (the durable
// toggle the admin actions write), otherwise the configured default. Read
// once per tick.
func (e *Engine) StrictDelivery(ctx context.Context) bool {
	v, ok, err := e.store.Get(ctx, keys.StrictDeliveryFlag)
	if err != nil {
		metrics.KVFailuresTotal.WithLabelValues("get").Inc()
		return e.cfg.Load().StrictDelivery
	}
	if !ok {
		return e.cfg.Load().StrictDelivery
	}
	return v == "1"
}

// SnapshotAge reports how old the currently persisted warmap snapshot is.
// The second return value is false if no snapshot has ever been persisted.
func (e *Engine) SnapshotAge(ctx context.Context) (time.Duration, bool, error) {
	prev, hadPrev, err := e.loadPrevSnapshot(ctx)
	if err != nil {
		return 0, false, err
	}
	if !hadPrev {
		return 0, false, nil
	}
	return e.now().Sub(prev.UpdatedAt), true, nil
}

// Start runs the tick and player-scan loops until ctx is canceled.
func (e *Engine) Start(ctx context.Context) {
	tickTicker := time.NewTicker(TickInterval)
	defer tickTicker.Stop()
	playerTicker := time.NewTicker(PlayerScanInterval)
	defer playerTicker.Stop()

	e.runTickLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped")
			return
		case <-tickTicker.C:
			e.runTickLogged(ctx)
		case <-playerTicker.C:
			go e.runPlayerScanLogged(ctx)
		}
	}
}

// runTickLogged wraps Tick with a panic recovery, so a parser or detector
// bug on one tick degrades to a logged "panic" outcome instead of bringing
// down the scheduler loop.
func (e *Engine) runTickLogged(ctx context.Context) {
	outcome, err := e.safeTick(ctx)
	if err != nil {
		e.logger.Errorw("tick failed", "error", err)
	}
	metrics.TicksTotal.WithLabelValues(outcome).Inc()
}

func (e *Engine) safeTick(ctx context.Context) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			err = fmt.Errorf("tick: recovered panic: %v", r)
		}
	}()
	return e.Tick(ctx)
}

func (e *Engine) runPlayerScanLogged(ctx context.Context) {
	if !e.playerScanRunning.CompareAndSwap(false, true) {
		e.logger.Warn("player scan still running from a previous cadence, skipping")
		return
	}
	defer e.playerScanRunning.Store(false)

	cfg := e.cfg.Load()
	if len(cfg.TrackedPlayers) == 0 {
		return
	}
	result := e.scanner.Scan(ctx, cfg.TrackedPlayers, cfg.Webhooks.Players)
	e.logger.Infow("player scan complete", "scanned", result.Scanned, "sent", result.Sent, "skipped", result.Skipped, "errors", result.Errors)
}

// Tick runs one full ingestion pass and returns an outcome label for
// metrics.TicksTotal.
func (e *Engine) Tick(ctx context.Context) (string, error) {
	cfg := e.cfg.Load()
	e.detector.SetStrict(e.StrictDelivery(ctx))

	prev, hadPrev, err := e.loadPrevSnapshot(ctx)
	if err != nil {
		e.logger.Warnw("tick: loading previous snapshot failed", "error", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	body, err := e.fetch(fetchCtx, cfg.WarmapURL)
	if err != nil {
		return "fetch_error", fmt.Errorf("tick: fetch: %w", err)
	}

	now := e.now()
	snap, err := warmap.Parse(body, warmap.Options{Now: now, AttackWindow: cfg.AttackWindow})
	if err != nil {
		return "parse_error", fmt.Errorf("tick: parse: %w", err)
	}
	if len(snap.Keeps) == 0 {
		e.logger.Warn("tick: parsed snapshot has no keeps, skipping baseline advancement")
		e.updateSnapshotAge(hadPrev, prev, now)
		return "parse_empty", nil
	}

	changed := !hadPrev || prev.Hash() != snap.Hash()

	uaResult, err := e.detector.DetectUA(ctx, snap, cfg.Webhooks.UA)
	if err != nil {
		e.logger.Warnw("tick: UA detection error", "error", err)
	}
	captureResult, err := e.detector.DetectCaptures(ctx, snap, cfg.Webhooks.Capture)
	if err != nil {
		e.logger.Warnw("tick: capture detection error", "error", err)
	}

	if changed {
		if err := e.persistSnapshot(ctx, snap); err != nil {
			e.logger.Warnw("tick: persisting snapshot failed", "error", err)
		}
	}

	if changed {
		metrics.LastSnapshotAgeSeconds.Set(0)
	} else {
		e.updateSnapshotAge(hadPrev, prev, now)
	}
	e.logger.Infow("tick complete",
		"ua_sent", uaResult.Sent, "ua_skipped", uaResult.Skipped, "ua_suppressed", uaResult.Suppressed,
		"capture_sent", captureResult.Sent, "capture_skipped", captureResult.Skipped,
		"snapshot_changed", changed)
	return "ok", nil
}

// fetch performs the upstream GET with the cache-busting query param and
// no-cache headers the upstream expects.
func (e *Engine) fetch(ctx context.Context, url string) ([]byte, error) {
	bucket := e.now().Unix() / 30
	fullURL := fmt.Sprintf("%s?_=%s", url, strconv.FormatInt(bucket, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "UthgardHeraldBot/1.0")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream fetch: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// updateSnapshotAge reports how stale the persisted snapshot is, for the
// admin health endpoint and the last_snapshot_age_seconds gauge.
func (e *Engine) updateSnapshotAge(hadPrev bool, prev *warmap.Snapshot, now time.Time) {
	if !hadPrev {
		metrics.LastSnapshotAgeSeconds.Set(0)
		return
	}
	metrics.LastSnapshotAgeSeconds.Set(now.Sub(prev.UpdatedAt).Seconds())
}

func (e *Engine) loadPrevSnapshot(ctx context.Context) (*warmap.Snapshot, bool, error) {
	data, ok, err := e.store.Get(ctx, keys.Warmap)
	if err != nil {
		metrics.KVFailuresTotal.WithLabelValues("get").Inc()
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var snap warmap.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, false, fmt.Errorf("decoding stored warmap snapshot: %w", err)
	}
	return &snap, true, nil
}

func (e *Engine) persistSnapshot(ctx context.Context, snap *warmap.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, keys.Warmap, string(data), 0); err != nil {
		metrics.KVFailuresTotal.WithLabelValues("put").Inc()
		return err
	}
	return nil
}
