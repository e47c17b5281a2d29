package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/MrWong99/parley"

type sessionKey struct{}

// WithSession returns a copy of ctx carrying the session ID. Spans started
// from it by [StartSpan] are tagged with session_id.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionFrom returns the session ID stored by [WithSession], or "".
func SessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// StartSpan starts a span on the global tracer provider. When ctx belongs to
// a session the span carries a session_id attribute. Callers end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := SessionFrom(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("session_id", id)))
	}
	return otel.Tracer(scopeName).Start(ctx, name, opts...)
}

// SpanLogger returns base with trace_id and span_id attached when ctx holds a
// recording span, so log lines from one turn can be joined to its trace.
// A nil base means [slog.Default].
func SpanLogger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return base
	}
	return base.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}
