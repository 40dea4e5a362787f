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

// UAResult summarizes one UA detection pass, for tick-level aggregate
// logging.
type UAResult struct {
	Sent       int
	Skipped    int
	Suppressed int
}

const timeLayout = time.RFC3339

// DetectUA runs both the banner-driven primary path and the event-driven
// fallback path, then delivers the combined candidate list through a
// single webhook batch.
func (d *Detector) DetectUA(ctx context.Context, snap *warmap.Snapshot, endpoints []string) (UAResult, error) {
	var result UAResult
	var candidates []candidate

	now := d.now()
	minuteStamp := keys.MinuteStamp(now)
	siegeWindow := d.siegeWindow()

	for _, k := range snap.Keeps {
		if d.exists(ctx, keys.UASuppress(k.ID)) {
			result.Suppressed++
			d.put(ctx, keys.UAState(k.ID), "0", siegeWindow)
			d.del(ctx, keys.UAAlertStart(k.ID))
			continue
		}

		prevOn := d.uaStateOn(ctx, k.ID)
		currOn := k.HeaderUnderAttack

		switch {
		case !prevOn && currOn:
			if cand, ok := d.uaRisingEdgeCandidate(ctx, k, minuteStamp, siegeWindow); ok {
				candidates = append(candidates, cand)
			} else {
				result.Skipped++
			}

		case prevOn && currOn:
			d.put(ctx, keys.UAState(k.ID), now.Format(timeLayout), siegeWindow)
			d.put(ctx, keys.UAAlertStart(k.ID), "1", siegeWindow)

		case prevOn && !currOn:
			d.put(ctx, keys.UAState(k.ID), "0", siegeWindow)
			d.del(ctx, keys.UAAlertStart(k.ID))
		}
	}

	for _, ev := range snap.Events {
		if ev.Kind != warmap.EventUnderAttack {
			continue
		}
		if !eventWithin(ev.At, now, d.attackWindow) {
			continue
		}
		k, ok := snap.KeepByID(ev.KeepID)
		if !ok || k.HeaderUnderAttack {
			continue
		}
		if d.exists(ctx, keys.UASuppress(k.ID)) {
			continue
		}
		if d.seen(ctx, keys.UANoBanner(k.ID)) {
			continue
		}

		evMinuteStamp := keys.MinuteStamp(ev.At)
		if cand, ok := d.uaFallbackCandidate(ctx, k, evMinuteStamp, siegeWindow); ok {
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

	delivered, err := d.webhook.SendBatch(ctx, webhook.ChannelUA, endpoints, "heraldwatch", embeds)
	if err != nil {
		return result, err
	}
	if !delivered {
		metrics.UAAlertsTotal.WithLabelValues("delivery_failed").Add(float64(len(candidates)))
		return result, nil
	}

	for _, c := range candidates {
		if err := c.commit(ctx); err != nil {
			d.logger.Warnw("diff: ua commit failed", "error", err)
		}
	}
	result.Sent += len(candidates)
	metrics.UAAlertsTotal.WithLabelValues("sent").Add(float64(len(candidates)))
	return result, nil
}

func (d *Detector) uaStateOn(ctx context.Context, keepID string) bool {
	v, ok, err := d.store.Get(ctx, keys.UAState(keepID))
	d.logKV("get", err)
	if !ok {
		return false
	}
	return v != "" && v != "0"
}

// uaRisingEdgeCandidate implements the primary (banner) path's rising-edge
// claim/gate sequence.
func (d *Detector) uaRisingEdgeCandidate(ctx context.Context, k warmap.Keep, minuteStamp string, siegeWindow time.Duration) (candidate, bool) {
	won, err := dedupe.Claim(ctx, d.store, keys.UAClaim(k.ID, minuteStamp))
	d.logKV("setnx", err)
	if !won {
		return candidate{}, false
	}
	if d.seen(ctx, keys.UAAlertStart(k.ID)) || d.seen(ctx, keys.UnderAlert(k.ID, minuteStamp)) {
		return candidate{}, false
	}

	now := d.now()
	return candidate{
		embed: webhook.UAEmbed(k, now),
		commit: func(ctx context.Context) error {
			d.markSeen(ctx, keys.UAAlertStart(k.ID), siegeWindow)
			d.markSeen(ctx, keys.UnderAlert(k.ID, minuteStamp), 6*time.Hour)
			d.put(ctx, keys.UAState(k.ID), now.Format(timeLayout), siegeWindow)
			return nil
		},
	}, true
}

// uaFallbackCandidate implements the event-driven fallback path, sharing
// the primary path's dedupe/session gates and adding the no-banner
// re-fire suppressor.
func (d *Detector) uaFallbackCandidate(ctx context.Context, k warmap.Keep, minuteStamp string, siegeWindow time.Duration) (candidate, bool) {
	won, err := dedupe.Claim(ctx, d.store, keys.UAClaim(k.ID, minuteStamp))
	d.logKV("setnx", err)
	if !won {
		return candidate{}, false
	}
	if d.seen(ctx, keys.UAAlertStart(k.ID)) || d.seen(ctx, keys.UnderAlert(k.ID, minuteStamp)) {
		return candidate{}, false
	}

	now := d.now()
	return candidate{
		embed: webhook.UAEmbed(k, now),
		commit: func(ctx context.Context) error {
			d.markSeen(ctx, keys.UAAlertStart(k.ID), siegeWindow)
			d.markSeen(ctx, keys.UnderAlert(k.ID, minuteStamp), 6*time.Hour)
			d.markSeen(ctx, keys.UANoBanner(k.ID), siegeWindow)
			return nil
		},
	}, true
}
