package voice

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/encore/internal/observe"
	"github.com/MrWong99/encore/pkg/audio"
	audiomock "github.com/MrWong99/encore/pkg/audio/mock"
	"github.com/MrWong99/encore/pkg/music"
)

var errInvalid = fmt.Errorf("join: %w", audio.ErrInvalidSession)

// sleepRecorder records requested delays without actually sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) get() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestManager(t *testing.T, p audio.Platform, cfg Config, sl *sleepRecorder) *Manager {
	t.Helper()
	return NewManager(p, cfg,
		WithMetrics(testMetrics(t)),
		WithRand(func() float64 { return 0.5 }),
		WithSleep(sl.sleep),
	)
}

func TestBackoff_Properties(t *testing.T) {
	t.Parallel()

	const maxDelay = 30 * time.Second
	r := rand.New(rand.NewPCG(42, 7))
	draws := []float64{0.8, 1.0, 1.2}
	for range 50 {
		draws = append(draws, 0.8+r.Float64()*0.4)
	}

	for _, jitter := range draws {
		prevBase := time.Duration(0)
		for attempt := 1; attempt <= 5; attempt++ {
			base := baseDelay(attempt, 2, maxDelay)
			if base < prevBase {
				t.Errorf("base delay decreased at attempt %d: %v < %v", attempt, base, prevBase)
			}
			prevBase = base
			d := Backoff(attempt, 2, maxDelay, jitter)
			if d > maxDelay {
				t.Errorf("Backoff(%d, jitter=%.3f) = %v exceeds cap %v", attempt, jitter, d, maxDelay)
			}
			if d <= 0 {
				t.Errorf("Backoff(%d, jitter=%.3f) = %v, want > 0", attempt, jitter, d)
			}
		}
	}
}

func TestBackoff_Values(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{1, 1.0, 2 * time.Second},
		{2, 1.0, 4 * time.Second},
		{2, 0.75, 3 * time.Second},
		{3, 1.25, 10 * time.Second},
		{5, 1.0, 30 * time.Second}, // 32s capped
		{4, 1.25, 20 * time.Second},
		{5, 1.25, 30 * time.Second},  // jitter cannot exceed cap
		{100, 1.0, 30 * time.Second}, // no overflow
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, 2, 30*time.Second, tt.jitter); got != tt.want {
			t.Errorf("Backoff(%d, %.1f) = %v, want %v", tt.attempt, tt.jitter, got, tt.want)
		}
	}
}

func TestManager_AcquireFirstTry(t *testing.T) {
	t.Parallel()

	p := &audiomock.Platform{}
	sl := &sleepRecorder{}
	m := newTestManager(t, p, Config{}, sl)

	conn, err := m.Acquire(context.Background(), "g1", "voice-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if conn.ChannelID() != "voice-1" {
		t.Errorf("ChannelID = %q", conn.ChannelID())
	}
	if len(sl.get()) != 0 {
		t.Errorf("unexpected sleeps: %v", sl.get())
	}
	if st := m.Status("g1"); st.Kind != Connected || st.ChannelID != "voice-1" {
		t.Errorf("Status = %+v", st)
	}
	if m.Connection("g1") != conn {
		t.Error("Connection does not return the held handle")
	}
}

func TestManager_RetriesInvalidSession(t *testing.T) {
	t.Parallel()

	p := &audiomock.Platform{ConnectErrors: []error{errInvalid, errInvalid}}
	sl := &sleepRecorder{}
	m := newTestManager(t, p, Config{}, sl)

	if _, err := m.Acquire(context.Background(), "g1", "voice-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := len(p.Calls()); got != 3 {
		t.Errorf("connect calls = %d, want 3", got)
	}
	// rand 0.5 puts jitter at the middle of the band: 2s, then 4s.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	got := sl.get()
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if diff := got[i] - want[i]; diff < -time.Millisecond || diff > time.Millisecond {
			t.Errorf("delay[%d] = %v, want ~%v", i, got[i], want[i])
		}
	}
}

func TestManager_TerminalErrorAborts(t *testing.T) {
	t.Parallel()

	boom := errors.New("missing permissions")
	p := &audiomock.Platform{ConnectError: boom}
	sl := &sleepRecorder{}
	m := newTestManager(t, p, Config{}, sl)

	_, err := m.Acquire(context.Background(), "g1", "voice-1")
	var ce *music.ConnectionError
	if !errors.As(err, &ce) || ce.Kind != music.ConnectionTerminal {
		t.Fatalf("err = %v, want terminal ConnectionError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("cause not wrapped: %v", err)
	}
	if got := len(p.Calls()); got != 1 {
		t.Errorf("connect calls = %d, want 1", got)
	}
	if len(sl.get()) != 0 {
		t.Errorf("slept after terminal error: %v", sl.get())
	}
	if st := m.Status("g1"); st.Kind != Disconnected {
		t.Errorf("Status = %v, want disconnected", st.Kind)
	}
}

func TestManager_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	p := &audiomock.Platform{ConnectError: errInvalid}
	sl := &sleepRecorder{}
	m := newTestManager(t, p, Config{MaxAttempts: 5}, sl)

	_, err := m.Acquire(context.Background(), "g1", "voice-1")
	var ce *music.ConnectionError
	if !errors.As(err, &ce) || ce.Kind != music.ConnectionTerminal || ce.Attempts != 5 {
		t.Fatalf("err = %#v, want terminal after 5 attempts", err)
	}
	if !errors.Is(err, audio.ErrInvalidSession) {
		t.Errorf("last cause not wrapped: %v", err)
	}
	if got := len(p.Calls()); got != 5 {
		t.Errorf("connect calls = %d, want 5", got)
	}
	if got := len(sl.get()); got != 4 {
		t.Errorf("sleeps = %d, want 4", got)
	}

	// In-flight must be cleared so a later acquisition can proceed.
	p.ConnectError = nil
	if _, err := m.Acquire(context.Background(), "g1", "voice-1"); err != nil {
		t.Fatalf("Acquire after exhaustion: %v", err)
	}
}

func TestManager_PerAttemptTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	p := &audiomock.Platform{ConnectFunc: func(ctx context.Context, _, _ string) (audio.Connection, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	sl := &sleepRecorder{}
	m := newTestManager(t, p, Config{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond}, sl)

	_, err := m.Acquire(context.Background(), "g1", "voice-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want wrapped DeadlineExceeded", err)
	}
	if got := len(p.Calls()); got != 2 {
		t.Errorf("connect calls = %d, want 2", got)
	}
}

func TestManager_ConcurrentAcquireRejected(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	p := &audiomock.Platform{ConnectFunc: func(_ context.Context, g, c string) (audio.Connection, error) {
		close(entered)
		<-release
		return &audiomock.Connection{Guild: g, Channel: c}, nil
	}}
	sl := &sleepRecorder{}
	m := newTestManager(t, p, Config{}, sl)

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "g1", "voice-1")
		done <- err
	}()
	<-entered

	st := m.Status("g1")
	if st.Kind != Connecting || st.Attempt != 1 || st.EstimatedWait <= 0 {
		t.Errorf("Status during flight = %+v", st)
	}

	_, err := m.Acquire(context.Background(), "g1", "voice-1")
	if !errors.Is(err, ErrAcquireInFlight) {
		t.Fatalf("second Acquire err = %v, want ErrAcquireInFlight", err)
	}
	if st2 := m.Status("g1"); st2.Attempt != 1 {
		t.Errorf("attempt count changed by rejected call: %d", st2.Attempt)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if got := len(p.Calls()); got != 1 {
		t.Errorf("connect calls = %d, want 1", got)
	}
}

func TestManager_ReuseAndMove(t *testing.T) {
	t.Parallel()

	conn := &audiomock.Connection{Guild: "g1", Channel: "voice-1"}
	p := &audiomock.Platform{ConnectResult: conn}
	sl := &sleepRecorder{}
	m := newTestManager(t, p, Config{}, sl)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "g1", "voice-1"); err != nil {
		t.Fatal(err)
	}
	got, err := m.Acquire(ctx, "g1", "voice-1")
	if err != nil || got != conn {
		t.Fatalf("reuse: %v, %v", got, err)
	}
	if n := len(p.Calls()); n != 1 {
		t.Errorf("connect calls = %d, want 1", n)
	}

	conn.MoveErrors = []error{errInvalid}
	got, err = m.Acquire(ctx, "g1", "voice-2")
	if err != nil || got != conn {
		t.Fatalf("move: %v, %v", got, err)
	}
	if fmt.Sprint(conn.MoveCalls) != "[voice-2 voice-2]" {
		t.Errorf("MoveCalls = %v", conn.MoveCalls)
	}
	if conn.ChannelID() != "voice-2" {
		t.Errorf("ChannelID = %q", conn.ChannelID())
	}
	if n := len(p.Calls()); n != 1 {
		t.Errorf("move reconnected: connect calls = %d", n)
	}
}

func TestManager_ReleaseIdempotent(t *testing.T) {
	t.Parallel()

	conn := &audiomock.Connection{Guild: "g1", Channel: "voice-1"}
	m := newTestManager(t, &audiomock.Platform{ConnectResult: conn}, Config{}, &sleepRecorder{})

	if _, err := m.Acquire(context.Background(), "g1", "voice-1"); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if err := m.Release("g1"); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
	if n := conn.Disconnects(); n != 1 {
		t.Errorf("Disconnect calls = %d, want 1", n)
	}
	if st := m.Status("g1"); st.Kind != Disconnected {
		t.Errorf("Status = %v", st.Kind)
	}
	if len(m.Guilds()) != 0 {
		t.Errorf("Guilds = %v", m.Guilds())
	}
}

func TestManager_ReleaseDuringAcquire(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	conn := &audiomock.Connection{Guild: "g1", Channel: "voice-1"}
	p := &audiomock.Platform{ConnectFunc: func(context.Context, string, string) (audio.Connection, error) {
		close(entered)
		<-release
		return conn, nil
	}}
	m := newTestManager(t, p, Config{}, &sleepRecorder{})

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "g1", "voice-1")
		done <- err
	}()
	<-entered
	_ = m.Release("g1")
	close(release)

	if err := <-done; !errors.Is(err, ErrReleased) {
		t.Fatalf("err = %v, want ErrReleased", err)
	}
	if conn.Disconnects() != 1 {
		t.Errorf("late connection not torn down")
	}
}

func TestManager_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := &audiomock.Platform{ConnectError: errInvalid}
	m := NewManager(p, Config{},
		WithMetrics(testMetrics(t)),
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)

	_, err := m.Acquire(ctx, "g1", "voice-1")
	if !errors.Is(err, context.Canceled) || !music.IsTerminalConnection(err) {
		t.Fatalf("err = %v, want terminal context.Canceled", err)
	}
	if got := len(p.Calls()); got != 1 {
		t.Errorf("connect calls = %d, want 1", got)
	}
}

func TestManager_GuildsIsolated(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, &audiomock.Platform{}, Config{}, &sleepRecorder{})
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			if _, err := m.Acquire(context.Background(), fmt.Sprintf("g%d", i), "voice"); err != nil {
				t.Errorf("Acquire g%d: %v", i, err)
			}
		})
	}
	wg.Wait()
	if n := len(m.Guilds()); n != 10 {
		t.Errorf("Guilds = %d, want 10", n)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if n := len(m.Guilds()); n != 0 {
		t.Errorf("Guilds after Close = %d", n)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	s := Status{Kind: Connecting, Attempt: 2, MaxAttempts: 5, EstimatedWait: 41 * time.Second}
	if got := s.String(); got != "connecting (attempt 2/5, est. wait 41s)" {
		t.Errorf("String = %q", got)
	}
}
