// Package admin exposes the HTTP control surface: a health snapshot, a
// Prometheus scrape endpoint, maintenance actions (cooldown and dedupe-gate
// resets, strict-delivery toggling), a KV dump for debugging, and simulation
// endpoints that drive the production UA/capture/player code paths with a
// synthesized input instead of a real Herald fetch.
//
// A token is accepted via query param, a custom header, or an
// Authorization: Bearer header; auth is disabled entirely when no token is
// configured (local/dev use).
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/uthgard/heraldwatch/internal/config"
	"github.com/uthgard/heraldwatch/internal/diff"
	"github.com/uthgard/heraldwatch/internal/keys"
	"github.com/uthgard/heraldwatch/internal/kvstore"
	"github.com/uthgard/heraldwatch/internal/logging"
	"github.com/uthgard/heraldwatch/internal/metrics"
	"github.com/uthgard/heraldwatch/internal/players"
	"github.com/uthgard/heraldwatch/internal/warmap"
)

// engine is the subset of *engine.Engine the admin surface depends on. A
// narrow interface here keeps this package from importing internal/engine,
// which already imports internal/diff and internal/players directly.
type engine interface {
	Config() *config.Config
	UpdateConfig(cfg *config.Config)
	Detector() *diff.Detector
	Scanner() *players.Scanner
	SnapshotAge(ctx context.Context) (time.Duration, bool, error)
	StrictDelivery(ctx context.Context) bool
}

// Server hosts the admin HTTP routes.
type Server struct {
	store     kvstore.Store
	engine    engine
	logger    *zap.SugaredLogger
	authToken string
}

// NewServer builds an admin Server. authToken empty disables authorization
// (suitable only for a loopback-bound listener in local/dev use).
func NewServer(store kvstore.Store, eng engine, logger *zap.SugaredLogger, authToken string) *Server {
	return &Server{store: store, engine: eng, logger: logger, authToken: authToken}
}

// SetupRoutes mounts every admin route on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleLivez)
	mux.HandleFunc("/admin/health", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/admin/action", s.handleAction)
	mux.HandleFunc("/admin/dump", s.handleDump)
	mux.HandleFunc("/admin/simulate/ua", s.handleSimulateUA)
	mux.HandleFunc("/admin/simulate/capture", s.handleSimulateCapture)
	mux.HandleFunc("/admin/simulate/player", s.handleSimulatePlayer)
}

// handleLivez is a plain liveness probe, unauthenticated and independent of
// KV/config state, for orchestrator health checks.
func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get("X-Heraldwatch-Token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}
	return false
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.authorize(r) {
		return true
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealthz reports process liveness plus the state an operator wants on
// a dashboard: snapshot staleness, the effective strict-delivery flag, and
// cooldown/baseline counts. The full metric counts themselves live on
// /metrics.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	ctx := r.Context()
	cfg := s.engine.Config()

	age, hasSnapshot, err := s.engine.SnapshotAge(ctx)
	if err != nil {
		logging.FromContext(ctx).Warnw("admin: reading snapshot age failed", "error", err)
	}

	globalCooldown, hasGlobalCooldown, err := s.store.Get(ctx, keys.DiscordGlobalCooldownUntil)
	if err != nil {
		logging.FromContext(ctx).Warnw("admin: reading global cooldown failed", "error", err)
	}
	if !hasGlobalCooldown {
		globalCooldown = ""
	}
	endpointCooldowns, err := s.store.List(ctx, "discord:cooldown:", 1000)
	if err != nil {
		logging.FromContext(ctx).Warnw("admin: listing endpoint cooldowns failed", "error", err)
	}
	baselines, err := s.store.List(ctx, "own:", 1000)
	if err != nil {
		logging.FromContext(ctx).Warnw("admin: listing keep baselines failed", "error", err)
	}
	activeSieges, err := s.store.List(ctx, "ua:state:", 1000)
	if err != nil {
		logging.FromContext(ctx).Warnw("admin: listing ua state failed", "error", err)
	}

	resp := struct {
		Status              string  `json:"status"`
		HasSnapshot         bool    `json:"has_snapshot"`
		LastSnapshotAgeSecs float64 `json:"last_snapshot_age_seconds"`
		StrictDelivery      bool    `json:"strict_delivery"`
		TrackedPlayerCount  int     `json:"tracked_player_count"`
		GlobalCooldownUntil string  `json:"global_cooldown_until,omitempty"`
		EndpointCooldowns   int     `json:"endpoint_cooldowns"`
		KeepBaselines       int     `json:"keep_baselines"`
		TrackedSieges       int     `json:"tracked_sieges"`
	}{
		Status:              "ok",
		HasSnapshot:         hasSnapshot,
		LastSnapshotAgeSecs: age.Seconds(),
		StrictDelivery:      s.engine.StrictDelivery(ctx),
		TrackedPlayerCount:  len(cfg.TrackedPlayers),
		GlobalCooldownUntil: globalCooldown,
		EndpointCooldowns:   len(endpointCooldowns),
		KeepBaselines:       len(baselines),
		TrackedSieges:       len(activeSieges),
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAction implements the action={...} maintenance surface.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	action := r.URL.Query().Get("action")
	keep := r.URL.Query().Get("keep")
	realm := r.URL.Query().Get("realm")
	prev := r.URL.Query().Get("prev")

	var err error
	switch action {
	case "strict-on":
		err = s.setStrict(ctx, true)
	case "strict-off":
		err = s.setStrict(ctx, false)
	case "clear-cooldowns":
		err = s.clearCooldowns(ctx)
	case "clear-metrics":
		clearMetrics()
	case "reset-all-ua":
		err = s.resetAllUA(ctx)
	case "reset-ua":
		if keep == "" {
			http.Error(w, "reset-ua requires keep", http.StatusBadRequest)
			return
		}
		err = s.resetUA(ctx, keep)
	case "clear-cap":
		if keep == "" || realm == "" {
			http.Error(w, "clear-cap requires keep and realm", http.StatusBadRequest)
			return
		}
		err = s.clearCap(ctx, keep, realm, prev)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}

	if err != nil {
		s.logger.Warnw("admin: action failed", "action", action, "error", err)
		http.Error(w, "action failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"action": action, "status": "ok"})
}

// setStrict writes the durable flags:strict_delivery key (the value the
// next tick reads, whichever instance runs it) and mirrors the new mode into
// the live config so the current instance picks it up without waiting.
func (s *Server) setStrict(ctx context.Context, strict bool) error {
	value := "0"
	if strict {
		value = "1"
	}
	if err := s.store.Put(ctx, keys.StrictDeliveryFlag, value, 0); err != nil {
		return err
	}
	cfg := s.engine.Config()
	updated := *cfg
	updated.StrictDelivery = strict
	s.engine.UpdateConfig(&updated)
	return nil
}

func (s *Server) clearCooldowns(ctx context.Context) error {
	s.store.Delete(ctx, keys.DiscordGlobalLast)
	s.store.Delete(ctx, keys.DiscordGlobalCooldownUntil)
	return s.deletePrefixes(ctx, "discord:cooldown:", "discord:penalty:", "discord:last:", "discord:gate:")
}

func clearMetrics() {
	metrics.TicksTotal.Reset()
	metrics.UAAlertsTotal.Reset()
	metrics.CaptureAlertsTotal.Reset()
	metrics.PlayerPingsTotal.Reset()
	metrics.WebhookSendsTotal.Reset()
	metrics.KVFailuresTotal.Reset()
}

func (s *Server) resetAllUA(ctx context.Context) error {
	return s.deletePrefixes(ctx, "ua:state:", "ua:suppress:", "ua:claim:", "alert:ua:start:", "alert:ua:nobanner:", "alert:under:")
}

func (s *Server) resetUA(ctx context.Context, keep string) error {
	s.store.Delete(ctx, keys.UAState(keep))
	s.store.Delete(ctx, keys.UASuppress(keep))
	s.store.Delete(ctx, keys.UAAlertStart(keep))
	s.store.Delete(ctx, keys.UANoBanner(keep))
	return s.deletePrefixes(ctx, "ua:claim:"+keep+":", "alert:under:"+keep+":")
}

func (s *Server) clearCap(ctx context.Context, keep, realm, prevOwner string) error {
	s.store.Delete(ctx, keys.CapOnceNewOwner(keep, realm))
	s.store.Delete(ctx, keys.CapSeen(keep, realm))
	if prevOwner != "" {
		s.store.Delete(ctx, keys.CapOnceTransition(keep, prevOwner, realm))
	}
	return s.deletePrefixes(ctx, "cap:any:"+keep+":"+realm+":", "cap:claim:"+keep+":"+realm+":")
}

// deletePrefixes lists and deletes every key sharing each prefix, up to the
// store's list cap.
func (s *Server) deletePrefixes(ctx context.Context, prefixes ...string) error {
	for _, prefix := range prefixes {
		matches, err := s.store.List(ctx, prefix, 1000)
		if err != nil {
			return err
		}
		for _, k := range matches {
			if err := s.store.Delete(ctx, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleDump lets an operator inspect a slice of the KV namespace by prefix.
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}

	prefix := r.URL.Query().Get("prefix")
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	keysList, err := s.store.List(r.Context(), prefix, limit)
	if err != nil {
		http.Error(w, "list failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	out := make(map[string]string, len(keysList))
	for _, k := range keysList {
		v, ok, err := s.store.Get(r.Context(), k)
		if err != nil || !ok {
			continue
		}
		out[k] = v
	}
	writeJSON(w, http.StatusOK, out)
}

// simulateUARequest describes the synthetic keep a /admin/simulate/ua call
// drives through diff.Detector.DetectUA.
type simulateUARequest struct {
	KeepID          string `json:"keep_id"`
	KeepName        string `json:"keep_name"`
	Owner           string `json:"owner"`
	Level           int    `json:"level"`
	ClaimedBy       string `json:"claimed_by"`
	UnderAttack     bool   `json:"under_attack"`
	ViaBannerHeader bool   `json:"via_banner_header"`
}

func (s *Server) handleSimulateUA(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req simulateUARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.KeepID == "" {
		http.Error(w, "keep_id is required", http.StatusBadRequest)
		return
	}

	keep := warmap.Keep{
		ID:                req.KeepID,
		Name:              req.KeepName,
		Type:              warmap.KeepTypeKeep,
		Owner:             warmap.Realm(req.Owner),
		Level:             req.Level,
		ClaimedBy:         req.ClaimedBy,
		HeaderUnderAttack: req.ViaBannerHeader && req.UnderAttack,
	}
	snap := &warmap.Snapshot{UpdatedAt: time.Now(), Keeps: []warmap.Keep{keep}}
	if req.UnderAttack && !req.ViaBannerHeader {
		snap.Events = []warmap.Event{{
			At:       time.Now(),
			Kind:     warmap.EventUnderAttack,
			KeepID:   keep.ID,
			KeepName: keep.Name,
		}}
	}

	cfg := s.engine.Config()
	result, err := s.engine.Detector().DetectUA(r.Context(), snap, cfg.Webhooks.UA)
	if err != nil {
		http.Error(w, "simulate ua failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// simulateCaptureRequest describes a synthetic ownership transition for
// /admin/simulate/capture.
type simulateCaptureRequest struct {
	KeepID    string `json:"keep_id"`
	KeepName  string `json:"keep_name"`
	PrevOwner string `json:"prev_owner"`
	NewOwner  string `json:"new_owner"`
	Leader    string `json:"leader"`
}

func (s *Server) handleSimulateCapture(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req simulateCaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.KeepID == "" || req.NewOwner == "" {
		http.Error(w, "keep_id and new_owner are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.PrevOwner != "" {
		if err := s.store.Put(ctx, keys.Owner(req.KeepID), req.PrevOwner, 0); err != nil {
			http.Error(w, "seeding baseline failed: "+err.Error(), http.StatusBadGateway)
			return
		}
	}

	now := time.Now()
	keep := warmap.Keep{ID: req.KeepID, Name: req.KeepName, Type: warmap.KeepTypeKeep, Owner: warmap.Realm(req.NewOwner)}
	snap := &warmap.Snapshot{
		UpdatedAt: now,
		Keeps:     []warmap.Keep{keep},
		Events: []warmap.Event{{
			At:       now,
			Kind:     warmap.EventCaptured,
			KeepID:   req.KeepID,
			KeepName: req.KeepName,
			NewOwner: warmap.Realm(req.NewOwner),
			Leader:   req.Leader,
		}},
	}

	cfg := s.engine.Config()
	result, err := s.engine.Detector().DetectCaptures(ctx, snap, cfg.Webhooks.Capture)
	if err != nil {
		http.Error(w, "simulate capture failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// simulatePlayerRequest describes a synthetic RP reading for
// /admin/simulate/player.
type simulatePlayerRequest struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	RP       int    `json:"rp"`
}

func (s *Server) handleSimulatePlayer(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req simulatePlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" {
		http.Error(w, "player_id is required", http.StatusBadRequest)
		return
	}

	cfg := s.engine.Config()
	sent, err := s.engine.Scanner().Simulate(r.Context(), config.TrackedPlayer{ID: req.PlayerID, Name: req.Name}, req.RP, cfg.Webhooks.Players)
	if err != nil {
		http.Error(w, "simulate player failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": sent})
}
