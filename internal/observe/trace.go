package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Encore tracer.
const tracerName = "github.com/MrWong99/encore"

type guildKey struct{}

// WithGuild scopes ctx to a guild. Spans started and loggers obtained from
// the returned context carry a guild_id attribute.
func WithGuild(ctx context.Context, guildID string) context.Context {
	if guildID == "" {
		return ctx
	}
	return context.WithValue(ctx, guildKey{}, guildID)
}

// GuildID returns the guild ctx was scoped to with [WithGuild], or "".
func GuildID(ctx context.Context) string {
	id, _ := ctx.Value(guildKey{}).(string)
	return id
}

// Tracer returns the Encore tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span, tagging it with the guild from ctx if any. The
// caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := GuildID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("guild_id", id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the guild and trace
// identifiers found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := GuildID(ctx); id != "" {
		l = l.With(slog.String("guild_id", id))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
