// Package players implements the tracked-player sub-pipeline: a
// sequential profile-page scan with an inter-request gap, realm-point
// extraction, and the per-player session/rollover/heartbeat state machine
// that decides when to raise a "player is active" notification.
package players

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uthgard/heraldwatch/internal/config"
	"github.com/uthgard/heraldwatch/internal/keys"
	"github.com/uthgard/heraldwatch/internal/kvstore"
	"github.com/uthgard/heraldwatch/internal/metrics"
	"github.com/uthgard/heraldwatch/internal/webhook"
)

// InterRequestGap is the minimum spacing between sequential profile fetches.
const InterRequestGap = 300 * time.Millisecond

// rpRowRe matches a Herald profile table row whose left cell is some
// spelling of "realm points" and whose right cell holds the digit count.
var rpRowRe = regexp.MustCompile(`(?is)realm\s*points\D{0,40}?([\d,]+)`)

// Scanner fetches and diffs the tracked-player roster against KV-resident
// RP baselines.
type Scanner struct {
	store   kvstore.Store
	webhook *webhook.Client
	http    *http.Client
	logger  *zap.SugaredLogger
	now     func() time.Time
	sleep   func(time.Duration)

	sessionWindow time.Duration
	bigDelta      int
	repingWindow  time.Duration
}

// NewScanner builds a player Scanner from resolved config knobs.
func NewScanner(store kvstore.Store, whClient *webhook.Client, logger *zap.SugaredLogger, cfg *config.Config) *Scanner {
	return &Scanner{
		store:         store,
		webhook:       whClient,
		http:          &http.Client{Timeout: 15 * time.Second},
		logger:        logger,
		now:           time.Now,
		sleep:         time.Sleep,
		sessionWindow: cfg.ActivitySession,
		bigDelta:      cfg.ActivityBigRP,
		repingWindow:  cfg.ActivityReping,
	}
}

// WithClock overrides the time source, for deterministic tests.
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// WithSleep overrides the inter-request sleep, so tests don't pay the real
// gap.
func (s *Scanner) WithSleep(sleep func(time.Duration)) *Scanner {
	s.sleep = sleep
	return s
}

// WithHTTPClient overrides the HTTP client used to fetch profile pages.
func (s *Scanner) WithHTTPClient(h *http.Client) *Scanner {
	s.http = h
	return s
}

// Result summarizes one scan pass.
type Result struct {
	Scanned int
	Sent    int
	Skipped int
	Errors  int
}

// Scan fetches every tracked player's profile sequentially and applies the
// RP state machine, delivering any activity pings through the players
// channel.
func (s *Scanner) Scan(ctx context.Context, roster []config.TrackedPlayer, endpoints []string) Result {
	var result Result

	for i, p := range roster {
		if i > 0 {
			s.sleep(InterRequestGap)
		}
		result.Scanned++

		rp, err := s.fetchRP(ctx, p.URL)
		if err != nil {
			result.Errors++
			s.logger.Warnw("players: fetch failed", "player", p.ID, "error", err)
			metrics.PlayerPingsTotal.WithLabelValues("fetch_error").Inc()
			continue
		}

		sent, err := s.evaluate(ctx, p, rp, endpoints)
		if err != nil {
			result.Errors++
			s.logger.Warnw("players: evaluate failed", "player", p.ID, "error", err)
			continue
		}
		if sent {
			result.Sent++
		} else {
			result.Skipped++
		}
	}
	return result
}

// fetchRP retrieves a profile page and extracts the lifetime realm-point
// total. A page with no recognizable RP row is treated as "no RP found"
// and reported as an error to the caller.
func (s *Scanner) fetchRP(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "UthgardHeraldBot/1.0")

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("profile fetch: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	m := rpRowRe.FindSubmatch(body)
	if m == nil {
		return 0, fmt.Errorf("profile fetch: no realm points row found")
	}
	digits := strings.ReplaceAll(string(m[1]), ",", "")
	rp, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("profile fetch: realm points not numeric: %q", digits)
	}
	return rp, nil
}

// evaluate runs the per-player state machine and returns whether a
// notification was sent.
func (s *Scanner) evaluate(ctx context.Context, p config.TrackedPlayer, rp int, endpoints []string) (bool, error) {
	now := s.now()
	baselineStr, hasBaseline, err := s.store.Get(ctx, keys.RPBaseline(p.ID))
	if err != nil {
		return false, err
	}
	if !hasBaseline {
		return false, s.store.Put(ctx, keys.RPBaseline(p.ID), strconv.Itoa(rp), 0)
	}
	baseline, err := strconv.Atoi(baselineStr)
	if err != nil {
		baseline = 0
	}

	switch {
	case rp < baseline:
		if err := s.store.Put(ctx, keys.RPBaseline(p.ID), strconv.Itoa(rp), 0); err != nil {
			return false, err
		}
		s.store.Delete(ctx, keys.RPActive(p.ID))
		s.store.Delete(ctx, keys.RPLast(p.ID))
		metrics.PlayerPingsTotal.WithLabelValues("rollover").Inc()
		return false, nil

	case rp == baseline:
		return false, nil
	}

	delta := rp - baseline

	_, sessionActive, err := s.store.Get(ctx, keys.RPActive(p.ID))
	if err != nil {
		return false, err
	}

	heartbeatElapsed := s.heartbeatElapsed(ctx, p.ID, now)

	shouldNotify := !sessionActive || delta >= s.bigDelta || heartbeatElapsed
	if !shouldNotify {
		if err := s.store.Put(ctx, keys.RPBaseline(p.ID), strconv.Itoa(rp), 0); err != nil {
			return false, err
		}
		metrics.PlayerPingsTotal.WithLabelValues("skipped").Inc()
		return false, nil
	}

	delivered, err := s.webhook.SendBatch(ctx, webhook.ChannelPlayers, endpoints, "heraldwatch", []webhook.Embed{webhook.PlayerEmbed(p.Name, delta, now)})
	if err != nil {
		return false, err
	}

	if err := s.store.Put(ctx, keys.RPBaseline(p.ID), strconv.Itoa(rp), 0); err != nil {
		return false, err
	}
	if delivered {
		if err := s.store.Put(ctx, keys.RPActive(p.ID), "1", s.sessionWindow); err != nil {
			return false, err
		}
		if err := s.store.Put(ctx, keys.RPLast(p.ID), strconv.FormatInt(now.UnixMilli(), 10), time.Hour); err != nil {
			return false, err
		}
		metrics.PlayerPingsTotal.WithLabelValues("sent").Inc()
	} else {
		metrics.PlayerPingsTotal.WithLabelValues("delivery_failed").Inc()
	}
	return delivered, nil
}

// Simulate drives the same state machine Scan uses for a synthetic RP
// reading, without a profile-page fetch. Used by the admin surface to
// exercise the production decision path on demand.
func (s *Scanner) Simulate(ctx context.Context, p config.TrackedPlayer, rp int, endpoints []string) (bool, error) {
	return s.evaluate(ctx, p, rp, endpoints)
}

func (s *Scanner) heartbeatElapsed(ctx context.Context, playerID string, now time.Time) bool {
	v, ok, err := s.store.Get(ctx, keys.RPLast(playerID))
	if err != nil || !ok {
		return true
	}
	lastMillis, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return true
	}
	return now.Sub(time.UnixMilli(lastMillis)) > s.repingWindow
}
