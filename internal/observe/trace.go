package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tokeyframes/pkg/keyframe"
)

const tracerName = "github.com/MrWong99/tokeyframes"

// Tracer returns the recorder's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTakeSpan starts the span covering the persistence of one take to dir.
func StartTakeSpan(ctx context.Context, take keyframe.Take, dir string) (context.Context, trace.Span) {
	return StartSpan(ctx, "take.flush", trace.WithAttributes(TakeAttributes(take, dir)...))
}

// TakeAttributes describes a take for spans.
func TakeAttributes(take keyframe.Take, dir string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("take.start_tick", take.StartTick),
		attribute.Int64("take.end_tick", take.EndTick),
		attribute.Int("take.rows", take.Len()),
		attribute.Int("take.waveforms", len(take.WaveformNames)),
		attribute.String("take.dir", dir),
	}
}

// CorrelationID returns the hex trace ID of the span in ctx, or "" when
// there is none.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// WithTrace returns l with trace_id and span_id attributes taken from the
// span in ctx. Without a span l is returned as is. A nil l means
// slog.Default().
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
