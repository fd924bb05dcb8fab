package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumByAttr returns the value of the int64 sum data point whose attribute key
// equals value, and whether it was found.
func sumByAttr(t *testing.T, met *metricdata.Metrics, key, value string) (int64, bool) {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", met.Name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.Emit() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordVoiceAcquire(ctx, 1500*time.Millisecond, "connected")
	m.RecordVoiceAcquire(ctx, 12*time.Second, "terminal")
	m.RecordSourcePrepare(ctx, 20*time.Millisecond, "local")
	m.RecordSourcePrepare(ctx, 400*time.Millisecond, "stream")
	m.RecordResolve(ctx, "resolve", 300*time.Millisecond, nil)
	m.RecordResolve(ctx, "resolve", 5*time.Second, errors.New("timeout"))

	rm := collect(t, reader)

	for _, name := range []string{
		"encore.voice.acquire.duration",
		"encore.source.prepare.duration",
		"encore.resolver.duration",
	} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			var total uint64
			for _, dp := range hist.DataPoints {
				total += dp.Count
			}
			if total != 2 {
				t.Errorf("sample count = %d, want 2", total)
			}
		})
	}
}

func TestVoiceAttemptsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordVoiceAttempt(ctx, "invalid_session")
	m.RecordVoiceAttempt(ctx, "invalid_session")
	m.RecordVoiceAttempt(ctx, "connected")

	rm := collect(t, reader)
	met := findMetric(rm, "encore.voice.attempts")
	if met == nil {
		t.Fatal("metric not found")
	}
	if v, ok := sumByAttr(t, met, "outcome", "invalid_session"); !ok || v != 2 {
		t.Errorf("invalid_session = %d (found %v), want 2", v, ok)
	}
	if v, ok := sumByAttr(t, met, "outcome", "connected"); !ok || v != 1 {
		t.Errorf("connected = %d (found %v), want 1", v, ok)
	}
}

func TestTracksFailedCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTrackFailed(ctx, true)
	m.RecordTrackFailed(ctx, false)
	m.RecordTrackFailed(ctx, true)

	rm := collect(t, reader)
	met := findMetric(rm, "encore.tracks.failed")
	if met == nil {
		t.Fatal("metric not found")
	}
	if v, ok := sumByAttr(t, met, "silent", "true"); !ok || v != 2 {
		t.Errorf("silent=true = %d (found %v), want 2", v, ok)
	}
}

func TestLabelledCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, true)
	m.RecordCacheLookup(ctx, false)
	m.RecordCacheLookup(ctx, true)
	m.RecordReaperRelease(ctx, "idle")
	m.RecordPersistenceError(ctx, "record_play")

	rm := collect(t, reader)

	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"encore.resolver.cache", "result", "hit", 2},
		{"encore.resolver.cache", "result", "miss", 1},
		{"encore.reaper.releases", "reason", "idle", 1},
		{"encore.persistence.errors", "op", "record_play", 1},
	}
	for _, tc := range tests {
		t.Run(tc.metric+"/"+tc.value, func(t *testing.T) {
			met := findMetric(rm, tc.metric)
			if met == nil {
				t.Fatalf("metric %q not found", tc.metric)
			}
			if v, ok := sumByAttr(t, met, tc.key, tc.value); !ok || v != tc.want {
				t.Errorf("%s=%s: got %d (found %v), want %d", tc.key, tc.value, v, ok, tc.want)
			}
		})
	}
}

func TestPlainCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.TracksStarted.Add(ctx, 3)
	m.TracksSkipped.Add(ctx, 1)
	m.VoiceRejected.Add(ctx, 2)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"encore.tracks.started": 3,
		"encore.tracks.skipped": 1,
		"encore.voice.rejected": 2,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		sum := met.Data.(metricdata.Sum[int64])
		if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != want {
			t.Errorf("%s = %v, want %d", name, sum.DataPoints, want)
		}
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(n) as Add(n).
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveConnections.Add(ctx, 3)
	m.ActiveConnections.Add(ctx, -1)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"encore.active_sessions", 2},
		{"encore.voice.active_connections", 2},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "encore.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
