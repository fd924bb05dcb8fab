package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestWithGuild(t *testing.T) {
	ctx := context.Background()
	if got := GuildID(ctx); got != "" {
		t.Errorf("GuildID(background) = %q", got)
	}
	if WithGuild(ctx, "") != ctx {
		t.Error("an empty guild should leave ctx untouched")
	}
	if got := GuildID(WithGuild(ctx, "g1")); got != "g1" {
		t.Errorf("GuildID = %q, want g1", got)
	}
}

func TestStartSpan_TagsGuild(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(WithGuild(context.Background(), "g1"), "voice.acquire")
	if CorrelationID(ctx) == "" {
		t.Error("span context has no trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "voice.acquire" {
		t.Fatalf("spans = %+v", spans)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if a.Key == "guild_id" && a.Value.AsString() == "g1" {
			found = true
		}
	}
	if !found {
		t.Error("span is missing the guild_id attribute")
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"guild_id", "trace_id"},
		},
		{
			name: "guild only",
			ctx: func() (context.Context, func()) {
				return WithGuild(context.Background(), "g7"), func() {}
			},
			want:    []string{"guild_id=g7"},
			notWant: []string{"trace_id"},
		},
		{
			name: "guild and span",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(WithGuild(context.Background(), "g7"), "playback.advance")
				return ctx, func() { span.End() }
			},
			want: []string{"guild_id=g7", "trace_id=", "span_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx, end := tt.ctx()
			defer end()

			Logger(ctx).Info("hello")

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(out, nw) {
					t.Errorf("log %q should not contain %q", out, nw)
				}
			}
		})
	}
}
