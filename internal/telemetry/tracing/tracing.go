// Package tracing is a minimal span tracer: request/operation correlation
// ids threaded through context.Context for the logging facade.
package tracing

import (
	"context"
	randcrypto "crypto/rand"
	"encoding/hex"
	"time"
)

// Span is one traced operation.
type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
}

// SpanContext carries the correlation ids attached to log lines.
type SpanContext struct {
	TraceID, SpanID, ParentSpanID string
	Start, End                   time.Time
}

// Tracer starts spans, or is a no-op when tracing isn't enabled.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (noopSpan) End()                       {}
func (noopSpan) SetAttribute(string, any)   {}
func (noopSpan) Context() SpanContext       { return SpanContext{} }

type simpleTracer struct{}

type simpleSpan struct {
	ctx   SpanContext
	attrs map[string]any
}

// NewTracer returns a real span-generating tracer, or a no-op one.
func NewTracer(enabled bool) Tracer {
	if !enabled {
		return noopTracer{}
	}
	return simpleTracer{}
}

func (simpleTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := SpanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		traceID = newID(16)
	}
	sp := &simpleSpan{
		ctx:   SpanContext{TraceID: traceID, SpanID: newID(8), ParentSpanID: parent.ctx.SpanID, Start: time.Now()},
		attrs: make(map[string]any),
	}
	return context.WithValue(ctx, spanKey{}, sp), sp
}

func (s *simpleSpan) End()                     { s.ctx.End = time.Now() }
func (s *simpleSpan) SetAttribute(k string, v any) { s.attrs[k] = v }
func (s *simpleSpan) Context() SpanContext     { return s.ctx }

type spanKey struct{}

// SpanFromContext returns the active span, or a no-op one if none is set.
func SpanFromContext(ctx context.Context) *simpleSpan {
	if sp, ok := ctx.Value(spanKey{}).(*simpleSpan); ok {
		return sp
	}
	return &simpleSpan{}
}

// ExtractIDs returns the trace/span ids attached to ctx, or empty strings.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sp := SpanFromContext(ctx)
	return sp.ctx.TraceID, sp.ctx.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = randcrypto.Read(b)
	return hex.EncodeToString(b)
}
