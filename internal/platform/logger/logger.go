// Package logger provides structured logging functionality for the application.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/phrazzld/scanrelay/internal/config"
	"github.com/phrazzld/scanrelay/internal/reqctx"
)

// Setup initializes and configures the application's logging system based on
// the provided configuration. It creates a structured JSON logger with the
// appropriate log level, wraps it so every record logged with a context
// carries that context's correlation fields, and sets it as the default
// logger for the application.
func Setup(cfg config.ServerConfig) (*slog.Logger, error) {
	return New(os.Stdout, ParseLevel(cfg.LogLevel)), nil
}

// New builds a context-aware JSON logger writing to out and installs it as
// the slog default.
func New(out io.Writer, level slog.Level) *slog.Logger {
	handler := NewContextHandler(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	}))
	logger := slog.New(handler)

	// This allows using the slog package functions directly (slog.Info, slog.Error, etc.)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a configured level name onto a slog.Level (case-insensitive).
// Unknown names fall back to info with a warning.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		tmpLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		tmpLogger.Warn("invalid log level configured, using default level",
			"configured_level", name,
			"default_level", "info")
		return slog.LevelInfo
	}
}

// ContextHandler is a slog.Handler that stamps the request context found on
// the logging call's context.Context onto each record.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps handler with request context enrichment.
func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{Handler: handler}
}

// Handle implements slog.Handler.
func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if rc, ok := reqctx.FromContext(ctx); ok {
		r.AddAttrs(slog.String("request_id", rc.RequestID))
		if rc.UserID != "" {
			r.AddAttrs(slog.String("user_id", rc.UserID))
		}
		if rc.TenantID != "" {
			r.AddAttrs(slog.String("tenant_id", rc.TenantID))
		}
		if rc.Route != "" {
			r.AddAttrs(slog.String("route", rc.Route))
		}
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// FromContext returns the default logger. Records written through it with
// the *Context methods pick up the request context automatically.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if rc, ok := reqctx.FromContext(ctx); ok && rc.RequestID != "" {
		return l.With("request_id", rc.RequestID)
	}
	return l
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
