// Package logging is the daemon's logging facade: a slog wrapper that
// enriches records with trace/span correlation ids. Every component
// constructor across the daemon (obss, federation, tcpfront, duration,
// protocol) takes a narrow Logger interface rather than calling
// slog.Default(); cmd/obsysd/main.go is the only place a concrete
// *slog.Logger is built.
package logging

import (
	"context"
	"log/slog"

	"obsysd/internal/telemetry/tracing"
)

// Logger is the narrow, context-free capability every internal package
// depends on (obss.Logger, federation.Logger, tcpfront.Logger, ...).
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// CtxLogger additionally threads trace/span correlation through context.
type CtxLogger interface {
	Logger
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
}

type correlatedLogger struct{ base *slog.Logger }

// New wraps base (or slog.Default() if nil) as a CtxLogger.
func New(base *slog.Logger) CtxLogger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

func (l *correlatedLogger) Info(msg string, args ...any)  { l.base.Info(msg, args...) }
func (l *correlatedLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, args...) }
func (l *correlatedLogger) Error(msg string, args ...any) { l.base.Error(msg, args...) }

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, withTrace(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, withTrace(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, withTrace(ctx, attrs)...)
}

func withTrace(ctx context.Context, attrs []any) []any {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID == "" && spanID == "" {
		return attrs
	}
	return append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
}
