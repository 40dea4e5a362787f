// Package metrics exposes Prometheus counters and gauges for the tick
// pipeline and webhook delivery, registered against a private
// prometheus.Registry via promauto and exposed at /metrics by
// internal/admin.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the private registry all heraldwatch metrics are registered
// against. internal/admin mounts it behind /metrics via promhttp.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// TicksTotal counts completed tick invocations, labeled by outcome
	// ("ok", "fetch_error", "parse_error", "parse_empty", "panic").
	TicksTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "heraldwatch_ticks_total",
		Help: "Total number of scheduler tick invocations by outcome.",
	}, []string{"outcome"})

	// UAAlertsTotal counts UA alert candidates by delivery result.
	UAAlertsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "heraldwatch_ua_alerts_total",
		Help: "Under-attack alert candidates by result (sent, delivery_failed).",
	}, []string{"result"})

	// CaptureAlertsTotal counts capture alert outcomes.
	CaptureAlertsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "heraldwatch_capture_alerts_total",
		Help: "Capture alert candidates by result (sent, sent_despite_delivery_failure, delivery_failed_strict).",
	}, []string{"result"})

	// PlayerPingsTotal counts tracked-player activity notifications.
	PlayerPingsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "heraldwatch_player_pings_total",
		Help: "Tracked-player activity notifications by result.",
	}, []string{"result"})

	// WebhookSendsTotal counts webhook POST attempts by channel and HTTP
	// outcome class ("success", "rate_limited", "server_error", "client_error", "network_error",
	// "global_cooldown", "endpoint_cooldown").
	WebhookSendsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "heraldwatch_webhook_sends_total",
		Help: "Webhook POST attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	// WebhookPacingWaitSeconds observes the time spent sleeping for global
	// and per-endpoint pacing before a send.
	WebhookPacingWaitSeconds = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "heraldwatch_webhook_pacing_wait_seconds",
		Help:    "Time spent waiting on pacing/cooldown before a webhook send.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"channel"})

	// KVFailuresTotal counts KV operation failures by op ("get", "put", "delete", "list", "setnx").
	KVFailuresTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "heraldwatch_kv_failures_total",
		Help: "KV store operation failures by operation.",
	}, []string{"op"})

	// LastSnapshotAgeSeconds is a gauge of how stale the last accepted
	// warmap snapshot is, surfaced on the admin health endpoint too.
	LastSnapshotAgeSeconds = factory.NewGauge(prometheus.GaugeOpts{
		Name: "heraldwatch_last_snapshot_age_seconds",
		Help: "Age in seconds of the last accepted warmap snapshot.",
	})
)
