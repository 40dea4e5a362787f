// Package diff compares a freshly parsed warmap.Snapshot against KV-resident
// baselines to raise UnderAttack and Capture candidate alerts, gates them
// through internal/dedupe, and delivers them through internal/webhook.
// Detector is the shared receiver for both passes so they share the
// store/clock/webhook client wiring.
package diff

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uthgard/heraldwatch/internal/dedupe"
	"github.com/uthgard/heraldwatch/internal/kvstore"
	"github.com/uthgard/heraldwatch/internal/metrics"
	"github.com/uthgard/heraldwatch/internal/warmap"
	"github.com/uthgard/heraldwatch/internal/webhook"
)

// Detector runs the UA and capture detection passes against one snapshot.
type Detector struct {
	store   kvstore.Store
	webhook *webhook.Client
	now     func() time.Time
	logger  *zap.SugaredLogger

	attackWindow  time.Duration
	captureWindow time.Duration
	strict        bool
}

// New builds a Detector. attackWindow and captureWindow come from
// config.Config; strict toggles the retry-vs-freshness delivery trade-off.
func New(store kvstore.Store, whClient *webhook.Client, logger *zap.SugaredLogger, attackWindow, captureWindow time.Duration, strict bool) *Detector {
	return &Detector{
		store:         store,
		webhook:       whClient,
		now:           time.Now,
		logger:        logger,
		attackWindow:  attackWindow,
		captureWindow: captureWindow,
		strict:        strict,
	}
}

// WithClock overrides the time source, for deterministic tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// SetStrict updates the strict-delivery flag, mirroring a live toggle of
// flags:strict_delivery picked up at the top of a tick.
func (d *Detector) SetStrict(strict bool) { d.strict = strict }

// siegeWindow is the TTL for UA session/state keys: longer than the event
// freshness window so a session survives brief banner dropouts. A siege is
// bounded at four attack windows.
func (d *Detector) siegeWindow() time.Duration {
	return d.attackWindow * 4
}

// candidate is one pending embed plus the state mutation to apply once the
// enclosing batch has been handed to the webhook client.
type candidate struct {
	embed  webhook.Embed
	commit func(ctx context.Context) error
}

func (d *Detector) logKV(op string, err error) {
	if err != nil {
		metrics.KVFailuresTotal.WithLabelValues(op).Inc()
		d.logger.Warnw("diff: kv operation failed", "op", op, "error", err)
	}
}

func (d *Detector) exists(ctx context.Context, key string) bool {
	_, ok, err := d.store.Get(ctx, key)
	d.logKV("get", err)
	return ok
}

func (d *Detector) put(ctx context.Context, key, value string, ttl time.Duration) error {
	err := d.store.Put(ctx, key, value, ttl)
	d.logKV("put", err)
	return err
}

func (d *Detector) del(ctx context.Context, key string) error {
	err := d.store.Delete(ctx, key)
	d.logKV("delete", err)
	return err
}

// seen and markSeen are the dedupe-gate flavor of exists/put: they go
// through internal/dedupe so the "has this fired before" check and the
// "record that it fired" stamp are the same claim-then-confirm primitive
// every detector path relies on, rather than a hand-rolled Get/Put pair.
func (d *Detector) seen(ctx context.Context, key string) bool {
	ok, err := dedupe.Seen(ctx, d.store, key)
	d.logKV("get", err)
	return ok
}

func (d *Detector) markSeen(ctx context.Context, key string, ttl time.Duration) error {
	err := dedupe.MarkSeen(ctx, d.store, key, ttl)
	d.logKV("put", err)
	return err
}

// eventWithin reports whether at is within window of reference, inclusive
// of the boundary: an event at exactly window ago is still fresh.
func eventWithin(at, reference time.Time, window time.Duration) bool {
	if at.After(reference) {
		return true
	}
	return reference.Sub(at) <= window
}

// findCaptureEvent returns the freshest captured event for keepID within
// captureWindow of reference, if any.
func findCaptureEvent(snap *warmap.Snapshot, keepID string, reference time.Time, window time.Duration) (warmap.Event, bool) {
	for _, ev := range snap.Events {
		if ev.Kind != warmap.EventCaptured || ev.KeepID != keepID {
			continue
		}
		if eventWithin(ev.At, reference, window) {
			return ev, true
		}
	}
	return warmap.Event{}, false
}
