package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uthgard/heraldwatch/internal/keys"
	"github.com/uthgard/heraldwatch/internal/kvstore"
	"github.com/uthgard/heraldwatch/internal/metrics"
)

const (
	// GlobalPacing is the minimum interval between any two successful sends
	// across every channel and endpoint.
	GlobalPacing = 6 * time.Second

	// BaseInterval is the per-endpoint pacing floor before the penalty
	// multiplier is applied. 3s keeps a 5-endpoint rotation well under the
	// siege window even at max penalty.
	BaseInterval = 3 * time.Second

	jitterMin = 200 * time.Millisecond
	jitterMax = 700 * time.Millisecond

	maxPenalty = 4

	penaltyTTL        = 30 * time.Minute
	lastSendTTL       = time.Hour
	networkCooldown   = 5 * time.Second
	defaultGateWindow = 5 * time.Second

	// MaxEmbedsPerSlice is the Discord-style embed cap per POST.
	MaxEmbedsPerSlice = 10

	// InterSliceDelay is the pause between successive batch slices.
	InterSliceDelay = 2500 * time.Millisecond
)

// Client delivers embed batches through the per-channel endpoint lists,
// honoring cooldowns, pacing, and rate-limit feedback against the KV store.
type Client struct {
	store  kvstore.Store
	http   *http.Client
	now    func() time.Time
	sleep  func(time.Duration)
	rand   *rand.Rand
	logger *zap.SugaredLogger
}

// NewClient builds a delivery client. now/sleep default to wall-clock;
// override them in tests to avoid real sleeps.
func NewClient(store kvstore.Store, logger *zap.SugaredLogger) *Client {
	return &Client{
		store:  store,
		http:   &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
		sleep:  time.Sleep,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger,
	}
}

// WithClock overrides the time source, for deterministic tests.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// WithSleep overrides the sleep function, so tests don't block on real
// pacing waits.
func (c *Client) WithSleep(sleep func(time.Duration)) *Client {
	c.sleep = sleep
	return c
}

// WithHTTPClient overrides the HTTP client, e.g. to point at a test server
// with a custom transport.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// SendBatch delivers embeds to the first working endpoint in the channel's
// list, chunked into slices of ≤MaxEmbedsPerSlice with InterSliceDelay
// between slices. It returns true only if every slice was delivered.
func (c *Client) SendBatch(ctx context.Context, channel Channel, endpoints []string, username string, embeds []Embed) (bool, error) {
	if len(embeds) == 0 {
		return true, nil
	}
	if len(endpoints) == 0 {
		return false, fmt.Errorf("webhook: no endpoints configured for channel %s", channel)
	}

	gateKey := keys.DiscordGate(string(channel))
	claimed, err := c.store.SetNX(ctx, gateKey, "1", defaultGateWindow)
	if err != nil {
		metrics.KVFailuresTotal.WithLabelValues("setnx").Inc()
		return false, fmt.Errorf("webhook: acquiring channel gate: %w", err)
	}
	if !claimed {
		return false, nil
	}
	defer c.store.Delete(ctx, gateKey)

	allDelivered := true
	for i := 0; i < len(embeds); i += MaxEmbedsPerSlice {
		end := i + MaxEmbedsPerSlice
		if end > len(embeds) {
			end = len(embeds)
		}
		slice := embeds[i:end]

		delivered := c.sendSlice(ctx, channel, endpoints, username, slice)
		if !delivered {
			allDelivered = false
		}
		if end < len(embeds) {
			c.sleep(InterSliceDelay)
		}
	}
	return allDelivered, nil
}

// sendSlice tries each endpoint in order until one accepts the payload.
func (c *Client) sendSlice(ctx context.Context, channel Channel, endpoints []string, username string, embeds []Embed) bool {
	for _, endpoint := range endpoints {
		ok := c.sendToEndpoint(ctx, channel, endpoint, username, embeds)
		if ok {
			return true
		}
	}
	return false
}

// sendToEndpoint runs the full cooldown/pacing/POST/response-handling
// sequence for a single endpoint attempt.
func (c *Client) sendToEndpoint(ctx context.Context, channel Channel, endpoint, username string, embeds []Embed) bool {
	pathHash := hashEndpoint(endpoint)

	globalUntil, ok, err := c.store.Get(ctx, keys.DiscordGlobalCooldownUntil)
	if err != nil {
		metrics.KVFailuresTotal.WithLabelValues("get").Inc()
	}
	if ok && c.stillCoolingDown(globalUntil) {
		metrics.WebhookSendsTotal.WithLabelValues(string(channel), "global_cooldown").Inc()
		return false
	}

	cooldownUntil, ok, err := c.store.Get(ctx, keys.DiscordCooldown(pathHash))
	if err != nil {
		metrics.KVFailuresTotal.WithLabelValues("get").Inc()
	}
	if ok && c.stillCoolingDown(cooldownUntil) {
		metrics.WebhookSendsTotal.WithLabelValues(string(channel), "endpoint_cooldown").Inc()
		return false
	}

	wait := c.waitForPacing(ctx, channel, pathHash)
	metrics.WebhookPacingWaitSeconds.WithLabelValues(string(channel)).Observe(wait.Seconds())

	body, err := json.Marshal(struct {
		Username string  `json:"username"`
		Embeds   []Embed `json:"embeds"`
	}{Username: username, Embeds: embeds})
	if err != nil {
		c.logger.Errorw("webhook: marshal payload", "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		c.logger.Errorw("webhook: build request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.setCooldown(ctx, pathHash, networkCooldown)
		c.bumpPenalty(ctx, pathHash)
		metrics.WebhookSendsTotal.WithLabelValues(string(channel), "network_error").Inc()
		c.logger.Warnw("webhook: network error", "endpoint", redactEndpoint(endpoint), "error", err)
		return false
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || isCloudflareRateLimit(resp, respBody):
		c.handleRateLimited(ctx, resp, respBody, pathHash)
		metrics.WebhookSendsTotal.WithLabelValues(string(channel), "rate_limited").Inc()
		return false

	case resp.StatusCode >= 500:
		retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
		if retryAfter <= 0 {
			retryAfter = networkCooldown
		}
		c.setCooldown(ctx, pathHash, retryAfter)
		c.bumpPenalty(ctx, pathHash)
		metrics.WebhookSendsTotal.WithLabelValues(string(channel), "server_error").Inc()
		return false

	case resp.StatusCode >= 300:
		c.logger.Warnw("webhook: non-OK response", "endpoint", redactEndpoint(endpoint), "status", resp.StatusCode, "body", truncate(string(respBody), 200))
		metrics.WebhookSendsTotal.WithLabelValues(string(channel), "client_error").Inc()
		return false
	}

	c.onSuccess(ctx, resp, pathHash)
	metrics.WebhookSendsTotal.WithLabelValues(string(channel), "success").Inc()
	return true
}

func (c *Client) stillCoolingDown(untilISO string) bool {
	t, err := time.Parse(time.RFC3339, untilISO)
	if err != nil {
		return false
	}
	return c.now().Before(t)
}

// waitForPacing sleeps until both the global and per-endpoint pacing floors
// are satisfied, and returns how long it waited.
func (c *Client) waitForPacing(ctx context.Context, channel Channel, pathHash string) time.Duration {
	start := c.now()

	globalLast := c.lastSendMillis(ctx, keys.DiscordGlobalLast)
	if globalLast > 0 {
		elapsed := c.now().Sub(time.UnixMilli(globalLast))
		if elapsed < GlobalPacing {
			c.sleep(GlobalPacing - elapsed)
		}
	}

	penalty := c.getPenalty(ctx, pathHash)
	interval := time.Duration(float64(BaseInterval) * (1 + 0.5*float64(penalty)))
	endpointLast := c.lastSendMillis(ctx, keys.DiscordLast(pathHash))
	if endpointLast > 0 {
		elapsed := c.now().Sub(time.UnixMilli(endpointLast))
		if elapsed < interval {
			c.sleep(interval - elapsed)
		}
	}

	jitter := jitterMin + time.Duration(c.rand.Int63n(int64(jitterMax-jitterMin)))
	c.sleep(jitter)

	return c.now().Sub(start)
}

func (c *Client) lastSendMillis(ctx context.Context, key string) int64 {
	v, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (c *Client) getPenalty(ctx context.Context, pathHash string) int {
	v, ok, err := c.store.Get(ctx, keys.DiscordPenalty(pathHash))
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func (c *Client) bumpPenalty(ctx context.Context, pathHash string) {
	p := c.getPenalty(ctx, pathHash)
	if p < maxPenalty {
		p++
	}
	if err := c.store.Put(ctx, keys.DiscordPenalty(pathHash), strconv.Itoa(p), penaltyTTL); err != nil {
		metrics.KVFailuresTotal.WithLabelValues("put").Inc()
	}
}

func (c *Client) clearPenalty(ctx context.Context, pathHash string) {
	if err := c.store.Delete(ctx, keys.DiscordPenalty(pathHash)); err != nil {
		metrics.KVFailuresTotal.WithLabelValues("delete").Inc()
	}
}

func (c *Client) setCooldown(ctx context.Context, pathHash string, d time.Duration) {
	until := c.now().Add(d).UTC().Format(time.RFC3339)
	if err := c.store.Put(ctx, keys.DiscordCooldown(pathHash), until, d+time.Second); err != nil {
		metrics.KVFailuresTotal.WithLabelValues("put").Inc()
	}
}

func (c *Client) setGlobalCooldown(ctx context.Context, d time.Duration) {
	until := c.now().Add(d).UTC().Format(time.RFC3339)
	if err := c.store.Put(ctx, keys.DiscordGlobalCooldownUntil, until, d+time.Second); err != nil {
		metrics.KVFailuresTotal.WithLabelValues("put").Inc()
	}
}

func (c *Client) handleRateLimited(ctx context.Context, resp *http.Response, body []byte, pathHash string) {
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if v := resp.Header.Get("X-RateLimit-Reset-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			retryAfter = time.Duration(f * float64(time.Second))
		}
	}
	global := strings.EqualFold(resp.Header.Get("X-RateLimit-Global"), "true")

	var payload struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		if payload.RetryAfter > 0 {
			retryAfter = time.Duration(payload.RetryAfter * float64(time.Second))
		}
		if payload.Global {
			global = true
		}
	}
	if retryAfter <= 0 {
		retryAfter = networkCooldown
	}

	if global {
		c.setGlobalCooldown(ctx, retryAfter)
	}
	c.setCooldown(ctx, pathHash, retryAfter)
	c.bumpPenalty(ctx, pathHash)
}

func (c *Client) onSuccess(ctx context.Context, resp *http.Response, pathHash string) {
	nowMillis := strconv.FormatInt(c.now().UnixMilli(), 10)
	if err := c.store.Put(ctx, keys.DiscordLast(pathHash), nowMillis, lastSendTTL); err != nil {
		metrics.KVFailuresTotal.WithLabelValues("put").Inc()
	}
	if err := c.store.Put(ctx, keys.DiscordGlobalLast, nowMillis, lastSendTTL); err != nil {
		metrics.KVFailuresTotal.WithLabelValues("put").Inc()
	}
	c.clearPenalty(ctx, pathHash)

	remaining := resp.Header.Get("X-RateLimit-Remaining")
	resetAfter := resp.Header.Get("X-RateLimit-Reset-After")
	if remaining != "" && resetAfter != "" {
		if n, err := strconv.Atoi(remaining); err == nil && n <= 1 {
			if f, err := strconv.ParseFloat(resetAfter, 64); err == nil {
				c.setCooldown(ctx, pathHash, time.Duration(f*float64(time.Second)))
			}
		}
	}
}

// isCloudflareRateLimit recognizes Cloudflare's "error 1015 - you are being
// rate limited" response, which arrives as a 429-shaped block but sometimes
// surfaces through a different status code than the origin's own 429s.
func isCloudflareRateLimit(resp *http.Response, body []byte) bool {
	if resp.Header.Get("cf-ray") == "" {
		return false
	}
	return bytes.Contains(body, []byte("1015")) && bytes.Contains(body, []byte("rate limited"))
}

func parseRetryAfterHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// hashEndpoint derives the pathHash used as the KV key suffix for an
// endpoint, so webhook URLs (which embed credentials) never appear as KV
// keys themselves.
func hashEndpoint(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:])[:16]
}

func redactEndpoint(endpoint string) string {
	if i := strings.Index(endpoint, "/webhooks/"); i >= 0 {
		return endpoint[:i] + "/webhooks/***"
	}
	return endpoint
}
