// Command heraldwatch runs the warmap ingestion pipeline: a scheduler tick
// every minute, a tracked-player scan every five, and an admin HTTP surface
// for health, metrics, and maintenance actions.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uthgard/heraldwatch/internal/admin"
	"github.com/uthgard/heraldwatch/internal/config"
	"github.com/uthgard/heraldwatch/internal/engine"
	"github.com/uthgard/heraldwatch/internal/kvstore"
	"github.com/uthgard/heraldwatch/internal/kvstore/memkv"
	"github.com/uthgard/heraldwatch/internal/kvstore/rediskv"
	"github.com/uthgard/heraldwatch/internal/logging"
)

// adminShutdownGrace bounds how long the admin HTTP server waits for
// in-flight requests to finish during a graceful shutdown.
const adminShutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars always take precedence)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	store, closeStore := buildStore(cfg, logger)
	defer closeStore()

	eng := engine.New(store, logger, cfg)

	adminSrv := admin.NewServer(store, eng, logger, cfg.AdminToken)
	mux := http.NewServeMux()
	adminSrv.SetupRoutes(mux)
	httpServer := &http.Server{Addr: cfg.AdminAddr, Handler: logging.HTTPTraceMiddleware(logger)(mux)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Infow("admin server listening", "addr", cfg.AdminAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("admin server error", "error", err)
		}
	}()

	go eng.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), adminShutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("admin server shutdown error", "error", err)
	}
}

func buildStore(cfg *config.Config, logger *zap.SugaredLogger) (kvstore.Store, func()) {
	if cfg.Redis.Addr == "" {
		logger.Infow("using in-process KV store (no redis.addr/REDIS_ADDR configured)")
		return memkv.New(), func() {}
	}
	logger.Infow("using redis KV store", "addr", cfg.Redis.Addr)
	rstore := rediskv.New(rediskv.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	return rstore, func() { rstore.Close() }
}
