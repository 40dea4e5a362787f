// Package logging provides the process-wide structured logger: a small
// global with ReplaceGlobals/L() accessors, trace-id propagation through
// context, and an HTTP middleware that stamps every request with one.
// Components take a *zap.SugaredLogger directly rather than this package's
// globals wherever they're constructed with an explicit dependency.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceIDHeader is the canonical HTTP header used to propagate trace IDs.
const TraceIDHeader = "X-Trace-ID"

// TraceIDField is the structured logging field name for trace identifiers.
const TraceIDField = "trace_id"

type contextKey string

const (
	loggerContextKey contextKey = "heraldwatch-logger"
	traceContextKey  contextKey = "heraldwatch-trace-id"
)

var (
	globalMu     sync.RWMutex
	globalLogger = zap.NewNop().Sugar()
)

// New builds a JSON logger at the given level ("debug", "info", "warn",
// "error"). Output goes to stdout; heraldwatch runs as a scheduled job or
// container process, so the runtime/orchestrator owns log retention.
func New(level string, fields ...zap.Field) (*zap.SugaredLogger, error) {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil && level != "" {
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.InitialFields = map[string]any{"service": "heraldwatch"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	sugared := logger.Sugar().With(toAny(fields)...)
	ReplaceGlobals(sugared)
	return sugared, nil
}

func toAny(fields []zap.Field) []any {
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = f
	}
	return out
}

// NewTestLogger returns a logger that discards output, for use in tests.
func NewTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// ReplaceGlobals swaps the fallback logger returned by L.
func ReplaceGlobals(logger *zap.SugaredLogger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *zap.SugaredLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// ContextWithLogger stores a logger in ctx.
func ContextWithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// FromContext retrieves a logger from ctx, falling back to the global logger.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if ctx == nil {
		return L()
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.SugaredLogger); ok && logger != nil {
		return logger
	}
	return L()
}

// ContextWithTraceID stores a trace identifier in ctx.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceContextKey, traceID)
}

// TraceIDFromContext extracts a trace identifier from ctx, if any.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(traceContextKey).(string); ok {
		return traceID
	}
	return ""
}

// GenerateTraceID creates a random 16-byte trace identifier, hex encoded.
func GenerateTraceID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err == nil {
		return hex.EncodeToString(buf[:])
	}
	return fmt.Sprintf("%x", time.Now().UnixNano())
}

// WithTrace enriches ctx with a trace ID (generating one if traceID is
// blank) and returns the derived logger alongside it.
func WithTrace(ctx context.Context, base *zap.SugaredLogger, traceID string) (context.Context, *zap.SugaredLogger, string) {
	tid := strings.TrimSpace(traceID)
	if tid == "" {
		tid = GenerateTraceID()
	}
	if base == nil {
		base = L()
	}
	derived := base.With(TraceIDField, tid)
	ctx = ContextWithTraceID(ctx, tid)
	ctx = ContextWithLogger(ctx, derived)
	return ctx, derived, tid
}

// HTTPTraceMiddleware ensures every admin request carries a trace ID
// propagated through context and response headers.
func HTTPTraceMiddleware(base *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			incoming := strings.TrimSpace(r.Header.Get(TraceIDHeader))
			ctx, logger, traceID := WithTrace(r.Context(), base, incoming)
			r = r.WithContext(ctx)
			w.Header().Set(TraceIDHeader, traceID)
			logger.Debugw("admin request received", "method", r.Method, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}
