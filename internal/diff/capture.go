package diff

import (
	"context"
	"time"

	"github.com/uthgard/heraldwatch/internal/dedupe"
	"github.com/uthgard/heraldwatch/internal/keys"
	"github.com/uthgard/heraldwatch/internal/metrics"
	"github.com/uthgard/heraldwatch/internal/warmap"
	"github.com/uthgard/heraldwatch/internal/webhook"
)

const (
	capOnceTTL    = 20 * time.Minute
	capAnyTTL     = 6 * time.Hour
	uaSuppressTTL = 120 * time.Second
)

// CaptureResult summarizes one capture detection pass.
type CaptureResult struct {
	Sent    int
	Skipped int
}

// DetectCaptures runs both the ownership-rising-edge path and the
// recent-capture-event path and delivers the combined candidate list
// through a single capture-channel webhook batch.
func (d *Detector) DetectCaptures(ctx context.Context, snap *warmap.Snapshot, endpoints []string) (CaptureResult, error) {
	var result CaptureResult
	var candidates []candidate

	now := d.now()

	for _, k := range snap.Keeps {
		cand, ok, skip := d.ownershipCandidate(ctx, snap, k, now)
		if skip {
			result.Skipped++
		}
		if ok {
			candidates = append(candidates, cand)
		}
	}

	for _, ev := range snap.Events {
		if ev.Kind != warmap.EventCaptured {
			continue
		}
		if !eventWithin(ev.At, now, d.captureWindow) {
			continue
		}
		k, ok := snap.KeepByID(ev.KeepID)
		if !ok {
			continue
		}
		cand, fired := d.recentCaptureEventCandidate(ctx, k, ev)
		if fired {
			candidates = append(candidates, cand)
		} else {
			result.Skipped++
		}
	}

	if len(candidates) == 0 {
		return result, nil
	}

	embeds := make([]webhook.Embed, len(candidates))
	for i, c := range candidates {
		embeds[i] = c.embed
	}

	delivered, err := d.webhook.SendBatch(ctx, webhook.ChannelCapture, endpoints, "heraldwatch", embeds)
	if err != nil {
		return result, err
	}

	shouldCommit := delivered || !d.strict
	if !shouldCommit {
		metrics.CaptureAlertsTotal.WithLabelValues("delivery_failed_strict").Add(float64(len(candidates)))
		return result, nil
	}

	for _, c := range candidates {
		if err := c.commit(ctx); err != nil {
			d.logger.Warnw("diff: capture commit failed", "error", err)
		}
	}
	result.Sent += len(candidates)
	if delivered {
		metrics.CaptureAlertsTotal.WithLabelValues("sent").Add(float64(len(candidates)))
	} else {
		metrics.CaptureAlertsTotal.WithLabelValues("sent_despite_delivery_failure").Add(float64(len(candidates)))
	}
	return result, nil
}

// ownershipCandidate implements the ownership-rising-edge capture path. It
// returns (candidate, enqueued, skippedForMetrics). Every branch that does
// not enqueue still advances the baseline (seeding it on first sighting),
// so an uncorroborated or already-gated flip never re-fires on later
// ticks.
func (d *Detector) ownershipCandidate(ctx context.Context, snap *warmap.Snapshot, k warmap.Keep, now time.Time) (candidate, bool, bool) {
	baseline, hasBaseline, err := d.store.Get(ctx, keys.Owner(k.ID))
	d.logKV("get", err)

	if !hasBaseline {
		d.put(ctx, keys.Owner(k.ID), string(k.Owner), 0)
		return candidate{}, false, false
	}
	if warmap.Realm(baseline) == k.Owner {
		return candidate{}, false, false
	}

	ev, found := findCaptureEvent(snap, k.ID, now, d.captureWindow)
	if !found {
		d.put(ctx, keys.Owner(k.ID), string(k.Owner), 0)
		return candidate{}, false, false
	}

	prev := warmap.Realm(baseline)
	newOwner := k.Owner
	minuteBucket := keys.MinuteStamp(ev.At)

	if d.captureGatesSet(ctx, k.ID, prev, newOwner, minuteBucket) {
		d.put(ctx, keys.Owner(k.ID), string(newOwner), 0)
		return candidate{}, false, true
	}

	won, err := dedupe.Claim(ctx, d.store, keys.CapClaim(k.ID, string(newOwner), minuteBucket))
	d.logKV("setnx", err)
	if !won {
		d.put(ctx, keys.Owner(k.ID), string(newOwner), 0)
		return candidate{}, false, true
	}

	keepID, leader := k.ID, ev.Leader
	return candidate{
		embed: webhook.CaptureEmbed(k.Name, newOwner, leader, ev.At),
		commit: func(ctx context.Context) error {
			d.stampCaptureDedupe(ctx, keepID, prev, newOwner, minuteBucket)
			d.put(ctx, keys.Owner(keepID), string(newOwner), 0)
			d.del(ctx, keys.UAAlertStart(keepID))
			d.put(ctx, keys.UAState(keepID), "0", d.siegeWindow())
			d.put(ctx, keys.UASuppress(keepID), "1", uaSuppressTTL)
			return nil
		},
	}, true, false
}

// recentCaptureEventCandidate implements the recent-capture-event path: it
// shares the unified dedupe gates but never touches the owner baseline.
// Like the ownership path, it only fires on a genuine transition: no
// baseline yet (first sighting) or a baseline equal to the event's owner
// both mean there is nothing to notify on.
func (d *Detector) recentCaptureEventCandidate(ctx context.Context, k warmap.Keep, ev warmap.Event) (candidate, bool) {
	newOwner := ev.NewOwner
	if newOwner == warmap.RealmNone {
		newOwner = k.Owner
	}
	baseline, hasBaseline, err := d.store.Get(ctx, keys.Owner(k.ID))
	d.logKV("get", err)
	if !hasBaseline {
		return candidate{}, false
	}
	prev := warmap.Realm(baseline)
	if prev == newOwner {
		return candidate{}, false
	}

	minuteBucket := keys.MinuteStamp(ev.At)
	if d.captureGatesSet(ctx, k.ID, prev, newOwner, minuteBucket) {
		return candidate{}, false
	}

	won, err := dedupe.Claim(ctx, d.store, keys.CapClaim(k.ID, string(newOwner), minuteBucket))
	d.logKV("setnx", err)
	if !won {
		return candidate{}, false
	}

	keepID, leader := k.ID, ev.Leader
	prevOwner := warmap.Realm(prev)
	return candidate{
		embed: webhook.CaptureEmbed(k.Name, newOwner, leader, ev.At),
		commit: func(ctx context.Context) error {
			d.stampCaptureDedupe(ctx, keepID, prevOwner, newOwner, minuteBucket)
			d.del(ctx, keys.UAAlertStart(keepID))
			d.put(ctx, keys.UAState(keepID), "0", d.siegeWindow())
			d.put(ctx, keys.UASuppress(keepID), "1", uaSuppressTTL)
			return nil
		},
	}, true
}

// captureGatesSet checks the four redundant capture dedupe gates in order.
// Kept as four distinct keys rather than collapsed into one, so gates
// stamped by older deployments keep holding.
func (d *Detector) captureGatesSet(ctx context.Context, keepID string, prev, newOwner warmap.Realm, minuteBucket string) bool {
	if d.seen(ctx, keys.CapOnceTransition(keepID, string(prev), string(newOwner))) {
		return true
	}
	if d.seen(ctx, keys.CapOnceNewOwner(keepID, string(newOwner))) {
		return true
	}
	if d.seen(ctx, keys.CapAny(keepID, string(newOwner), minuteBucket)) {
		return true
	}
	if d.seen(ctx, keys.CapSeen(keepID, string(newOwner))) {
		return true
	}
	return false
}

func (d *Detector) stampCaptureDedupe(ctx context.Context, keepID string, prev, newOwner warmap.Realm, minuteBucket string) {
	d.markSeen(ctx, keys.CapSeen(keepID, string(newOwner)), capOnceTTL)
	d.markSeen(ctx, keys.CapAny(keepID, string(newOwner), minuteBucket), capAnyTTL)
	d.markSeen(ctx, keys.CapOnceNewOwner(keepID, string(newOwner)), capOnceTTL)
	d.markSeen(ctx, keys.CapOnceTransition(keepID, string(prev), string(newOwner)), capOnceTTL)
}
