package playback_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/encore/internal/observe"
	"github.com/MrWong99/encore/internal/playback"
	playbackmock "github.com/MrWong99/encore/internal/playback/mock"
	"github.com/MrWong99/encore/internal/reaper"
	"github.com/MrWong99/encore/internal/session"
	"github.com/MrWong99/encore/internal/source"
	"github.com/MrWong99/encore/pkg/audio"
	audiomock "github.com/MrWong99/encore/pkg/audio/mock"
	"github.com/MrWong99/encore/pkg/music"
	musicmock "github.com/MrWong99/encore/pkg/music/mock"
)

const waitTimeout = 2 * time.Second

// ─── Fakes ────────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepLog) get() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type fakeVoice struct {
	mu       sync.Mutex
	err      error
	conns    map[string]*audiomock.Connection
	released []string
}

func (v *fakeVoice) Acquire(_ context.Context, guildID, channelID string) (audio.Connection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	if v.conns == nil {
		v.conns = make(map[string]*audiomock.Connection)
	}
	if c, ok := v.conns[guildID]; ok {
		return c, nil
	}
	c := &audiomock.Connection{Guild: guildID, Channel: channelID}
	v.conns[guildID] = c
	return c, nil
}

func (v *fakeVoice) Release(guildID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.released = append(v.released, guildID)
	delete(v.conns, guildID)
	return nil
}

func (v *fakeVoice) releases() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.released...)
}

// notifyFunc adapts a function to [music.Notifier].
type notifyFunc func(ctx context.Context, guildID, channelID, message string) error

func (f notifyFunc) Notify(ctx context.Context, guildID, channelID, message string) error {
	return f(ctx, guildID, channelID, message)
}

// ─── Harness ──────────────────────────────────────────────────────────────────

var catalogue = map[string]music.TrackMetadata{
	"song-a": {Title: "Song A", URL: "https://youtube.com/watch?v=a", Duration: 180 * time.Second},
	"song-b": {Title: "Song B", URL: "https://youtube.com/watch?v=b", Duration: 200 * time.Second},
	"song-c": {Title: "Song C", URL: "https://youtube.com/watch?v=c", Duration: 240 * time.Second},
	"song-d": {Title: "Song D", URL: "https://youtube.com/watch?v=d", Duration: 150 * time.Second},
}

type harness struct {
	t        *testing.T
	o        *playback.Orchestrator
	store    *session.Store
	dev      *playbackmock.Device
	voice    *fakeVoice
	resolver *musicmock.Resolver
	notifier *musicmock.Notifier
	persist  *musicmock.Persistence
	settings *musicmock.Settings
	clock    *fakeClock
	sleeps   *sleepLog
}

func newHarness(t *testing.T, opts ...playback.Option) *harness {
	t.Helper()
	dev := playbackmock.NewDevice()
	return newHarnessWith(t, dev, dev.Factory(), opts...)
}

func newHarnessWith(t *testing.T, dev *playbackmock.Device, factory playback.DeviceFactory, opts ...playback.Option) *harness {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := &harness{
		t:        t,
		store:    session.NewStore(),
		dev:      dev,
		voice:    &fakeVoice{},
		resolver: &musicmock.Resolver{Tracks: catalogue},
		notifier: &musicmock.Notifier{},
		persist:  &musicmock.Persistence{},
		settings: &musicmock.Settings{},
		clock:    &fakeClock{now: time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)},
		sleeps:   &sleepLog{},
	}
	sources := source.New(h.persist, h.resolver, source.WithMetrics(metrics))
	all := append([]playback.Option{
		playback.WithPersistence(h.persist),
		playback.WithNotifier(h.notifier),
		playback.WithSettings(h.settings),
		playback.WithMetrics(metrics),
		playback.WithClock(h.clock.Now),
		playback.WithSleep(h.sleeps.sleep),
	}, opts...)
	h.o = playback.New(h.store, h.voice, h.resolver, sources, factory, all...)
	t.Cleanup(func() { _ = h.o.Close() })
	return h
}

func (h *harness) play(guildID, query string) playback.PlayResult {
	h.t.Helper()
	res, err := h.o.Play(context.Background(), playback.PlayRequest{
		GuildID:        guildID,
		VoiceChannelID: "voice-1",
		TextChannelID:  "text-1",
		RequesterID:    "user-1",
		Query:          query,
	})
	if err != nil {
		h.t.Fatalf("Play(%q): %v", query, err)
	}
	return res
}

// waitStarted waits for dev to start title and for guildID to report it as
// playing.
func (h *harness) waitStarted(dev *playbackmock.Device, guildID, title string) {
	h.t.Helper()
	select {
	case src := <-dev.Started():
		if src.Track.Title != title {
			h.t.Fatalf("started %q, want %q", src.Track.Title, title)
		}
	case <-time.After(waitTimeout):
		h.t.Fatalf("timed out waiting for %q to start", title)
	}
	h.waitFor("playing "+title, func() bool {
		snap, err := h.o.Snapshot(guildID)
		return err == nil && snap.State == session.StatePlaying &&
			snap.NowPlaying != nil && snap.NowPlaying.Track.Title == title
	})
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// complete ends the current track after elapsed.
func (h *harness) complete(dev *playbackmock.Device, elapsed time.Duration, err error) {
	h.t.Helper()
	h.clock.Advance(elapsed)
	if !dev.Complete(err) {
		h.t.Fatal("Complete: nothing playing")
	}
}

// settle returns once guildID's loop has processed every event posted so
// far.
func (h *harness) settle(guildID string) {
	h.t.Helper()
	_ = h.o.Resume(context.Background(), guildID)
}

func (h *harness) snapshot(guildID string) session.Session {
	h.t.Helper()
	snap, err := h.o.Snapshot(guildID)
	if err != nil {
		h.t.Fatalf("Snapshot: %v", err)
	}
	return snap
}

func (h *harness) messages(prefix string) []string {
	var out []string
	for _, m := range h.notifier.Messages() {
		if strings.HasPrefix(m.Text, prefix) {
			out = append(out, m.Text)
		}
	}
	return out
}

func titles(tracks []music.Track) string {
	names := make([]string, len(tracks))
	for i, t := range tracks {
		names[i] = strings.TrimPrefix(t.Title, "Song ")
	}
	return strings.Join(names, ",")
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestPlay_IdleStartsFirstQueuesSecond(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resA := h.play("g1", "song-a")
	if !resA.Started || resA.Track.Title != "Song A" {
		t.Errorf("first result = %+v, want started Song A", resA)
	}
	resB := h.play("g1", "song-b")
	if resB.Started {
		t.Errorf("second result started, want queued")
	}

	h.waitStarted(h.dev, "g1", "Song A")
	snap := h.snapshot("g1")
	if len(snap.Queue) != 1 || snap.Queue[0].Title != "Song B" {
		t.Errorf("queue = [%s], want [B]", titles(snap.Queue))
	}
	if snap.Voice == nil || snap.TextChannelID != "text-1" {
		t.Errorf("session not bound: voice=%v text=%q", snap.Voice, snap.TextChannelID)
	}
	if snap.NowPlaying.Track.RequesterID != "user-1" {
		t.Errorf("RequesterID = %q", snap.NowPlaying.Track.RequesterID)
	}
	h.waitFor("now-playing notification", func() bool { return len(h.messages("Now playing **Song A")) == 1 })
}

func TestPlay_LoopSingleReplays(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.play("g1", "song-a")
	h.waitStarted(h.dev, "g1", "Song A")
	h.play("g1", "song-b")
	if err := h.o.SetLoopMode(context.Background(), "g1", music.LoopSingle); err != nil {
		t.Fatal(err)
	}

	const n = 3
	for range n {
		h.complete(h.dev, 3*time.Minute, nil)
		h.waitStarted(h.dev, "g1", "Song A")
	}

	if got := len(h.dev.Plays()); got != n+1 {
		t.Errorf("plays = %d, want %d", got, n+1)
	}
	if q := titles(h.snapshot("g1").Queue); q != "B" {
		t.Errorf("queue = [%s], want [B]", q)
	}
	if got := len(h.messages("Now playing")); got != 1 {
		t.Errorf("replays announced: %d now-playing messages", got)
	}
}

func TestPlay_LoopQueueRotates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.play("g1", "song-a")
	h.play("g1", "song-b")
	h.play("g1", "song-c")
	if err := h.o.SetLoopMode(context.Background(), "g1", music.LoopQueue); err != nil {
		t.Fatal(err)
	}
	h.waitStarted(h.dev, "g1", "Song A")

	steps := []struct {
		next string
		want string
	}{
		{"Song B", "C,A"},
		{"Song C", "A,B"},
		{"Song A", "B,C"},
	}
	for _, st := range steps {
		h.complete(h.dev, 3*time.Minute, nil)
		h.waitStarted(h.dev, "g1", st.next)
		if q := titles(h.snapshot("g1").Queue); q != st.want {
			t.Errorf("after advancing to %s: queue = [%s], want [%s]", st.next, q, st.want)
		}
	}
}

func TestPlay_FailingTrackSkippedOnceNotRequeued(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.play("g1", "song-a")
	h.play("g1", "song-b")
	if err := h.o.SetLoopMode(context.Background(), "g1", music.LoopQueue); err != nil {
		t.Fatal(err)
	}
	h.waitStarted(h.dev, "g1", "Song A")

	boom := errors.New("ffmpeg exited with status 1")
	h.complete(h.dev, 10*time.Second, boom)
	h.waitStarted(h.dev, "g1", "Song A") // retry
	if snap := h.snapshot("g1"); snap.Retry.Count != 1 || !errors.Is(snap.Retry.LastError, boom) {
		t.Errorf("retry state = %+v, want count 1 with cause", snap.Retry)
	}

	h.complete(h.dev, 10*time.Second, boom)
	h.waitStarted(h.dev, "g1", "Song B")

	snap := h.snapshot("g1")
	if len(snap.Queue) != 0 {
		t.Errorf("queue = [%s], want empty (failed track must not be re-queued)", titles(snap.Queue))
	}
	if snap.Retry.Count != 0 {
		t.Errorf("retry state not reset: %+v", snap.Retry)
	}
	skipped := h.messages("Skipped **Song A**")
	if len(skipped) != 1 {
		t.Fatalf("skip notifications = %v, want exactly one", skipped)
	}
	if !strings.Contains(skipped[0], "playback failed") {
		t.Errorf("skip message %q lacks error summary", skipped[0])
	}
	if got := h.sleeps.get(); len(got) != 1 || got[0] != time.Second {
		t.Errorf("retry delays = %v, want [1s]", got)
	}

	// B finishing under QUEUE puts B back; A stays gone.
	h.complete(h.dev, 4*time.Minute, nil)
	h.waitStarted(h.dev, "g1", "Song B")
	if q := titles(h.snapshot("g1").Queue); q != "" {
		t.Errorf("queue = [%s], want empty while B loops alone", q)
	}
}

func TestPlay_SilentFailureIsRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.play("g1", "song-a") // declared 180s
	h.waitStarted(h.dev, "g1", "Song A")

	h.complete(h.dev, 800*time.Millisecond, nil)
	h.waitStarted(h.dev, "g1", "Song A")

	snap := h.snapshot("g1")
	var pe *music.PlaybackError
	if snap.Retry.Count != 1 || !errors.As(snap.Retry.LastError, &pe) || !pe.Silent {
		t.Fatalf("retry state = %+v, want one silent failure", snap.Retry)
	}

	h.complete(h.dev, 800*time.Millisecond, nil)
	h.waitFor("queue finished", func() bool { return len(h.messages("Queue finished")) == 1 })

	if got := h.messages("Skipped **Song A**: playback stopped almost immediately"); len(got) != 1 {
		t.Errorf("skip notifications = %v", h.notifier.Messages())
	}
	if st := h.o.State("g1"); st != session.StateIdle {
		t.Errorf("State = %v, want idle", st)
	}
}

func TestPlay_SourceFailureRetriedThenSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.resolver.StreamErr = errors.New("video unavailable")
	h.resolver.StreamURLs = map[string]string{catalogue["song-b"].URL: "https://cdn/b"}

	h.play("g1", "song-a")
	h.play("g1", "song-b")
	h.waitStarted(h.dev, "g1", "Song B")

	if got := h.resolver.CallCount("StreamURL"); got != 3 {
		t.Errorf("StreamURL calls = %d, want 3 (A twice, B once)", got)
	}
	if got := h.messages("Skipped **Song A**: no playable source"); len(got) != 1 {
		t.Errorf("messages = %v", h.notifier.Messages())
	}
	if got := len(h.dev.Plays()); got != 1 {
		t.Errorf("device plays = %d, want 1", got)
	}
}

func TestPlay_QueueFinishedKeepsVoice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.play("g1", "song-a")
	h.waitStarted(h.dev, "g1", "Song A")
	h.complete(h.dev, 3*time.Minute, nil)
	h.waitFor("queue finished", func() bool { return len(h.messages("Queue finished.")) == 1 })

	snap := h.snapshot("g1")
	if snap.State != session.StateIdle || snap.NowPlaying != nil {
		t.Errorf("state = %v now-playing = %v, want idle and empty", snap.State, snap.NowPlaying)
	}
	if snap.Voice == nil {
		t.Error("voice released on queue end")
	}
	if len(h.voice.releases()) != 0 {
		t.Errorf("releases = %v", h.voice.releases())
	}
	if got := h.persist.CallCount("RecordPlay"); got != 1 {
		t.Errorf("RecordPlay calls = %d, want 1", got)
	}

	// Playing again from idle restarts the loop.
	h.play("g1", "song-c")
	h.waitStarted(h.dev, "g1", "Song C")
}

func TestPlay_RecordPlayFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.persist.RecordErr = errors.New("db down")

	h.play("g1", "song-a")
	h.waitStarted(h.dev, "g1", "Song A")
}

func TestStop_DiscardsStaleCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.play("g1", "song-a")
	h.play("g1", "song-b")
	h.waitStarted(h.dev, "g1", "Song A")

	stale := h.dev.Callback()
	if err := h.o.Stop(context.Background(), "g1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stale(nil)
	h.settle("g1")

	snap := h.snapshot("g1")
	if snap.State != session.StateIdle || snap.NowPlaying != nil || len(snap.Queue) != 0 {
		t.Errorf("after stop: state=%v now=%v queue=[%s]", snap.State, snap.NowPlaying, titles(snap.Queue))
	}
	if snap.Voice == nil {
		t.Error("Stop released the connection")
	}
	if got := len(h.dev.Plays()); got != 1 {
		t.Errorf("stale completion started another track: %d plays", got)
	}
	if h.dev.Stops() == 0 {
		t.Error("device not stopped")
	}
	if got := h.messages("Queue finished"); len(got) != 0 {
		t.Errorf("stale completion reported queue end: %v", got)
	}

	h.play("g1", "song-c")
	h.waitStarted(h.dev, "g1", "Song C")
}

func TestStop_CancelsPendingRetry(t *testing.T) {
	t.Parallel()

	sleeping := make(chan struct{}, 1)
	blockingSleep := func(ctx context.Context, _ time.Duration) error {
		sleeping <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	h := newHarness(t, playback.WithSleep(blockingSleep))

	h.play("g1", "song-a")
	h.waitStarted(h.dev, "g1", "Song A")
	h.complete(h.dev, time.Minute, errors.New("broken pipe"))

	select {
	case <-sleeping:
	case <-time.After(waitTimeout):
		t.Fatal("retry delay never started")
	}
	if err := h.o.Stop(context.Background(), "g1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.settle("g1")

	if got := len(h.dev.Plays()); got != 1 {
		t.Errorf("retry ran after stop: %d plays", got)
	}
	if st := h.o.State("g1"); st != session.StateIdle {
		t.Errorf("State = %v", st)
	}
}

func TestSkip(t *testing.T) {
	t.Parallel()

	t.Run("loop off drops skipped", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.play("g1", "song-a")
		h.play("g1", "song-b")
		h.waitStarted(h.dev, "g1", "Song A")

		skipped, err := h.o.Skip(context.Background(), "g1")
		if err != nil || skipped.Title != "Song A" {
			t.Fatalf("Skip = %v, %v", skipped, err)
		}
		h.waitStarted(h.dev, "g1", "Song B")
		if q := titles(h.snapshot("g1").Queue); q != "" {
			t.Errorf("queue = [%s]", q)
		}
	})

	t.Run("loop queue re-appends skipped", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.play("g1", "song-a")
		h.play("g1", "song-b")
		_ = h.o.SetLoopMode(context.Background(), "g1", music.LoopQueue)
		h.waitStarted(h.dev, "g1", "Song A")

		if _, err := h.o.Skip(context.Background(), "g1"); err != nil {
			t.Fatal(err)
		}
		h.waitStarted(h.dev, "g1", "Song B")
		if q := titles(h.snapshot("g1").Queue); q != "A" {
			t.Errorf("queue = [%s], want [A]", q)
		}
	})

	t.Run("loop single moves on", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.play("g1", "song-a")
		h.play("g1", "song-b")
		_ = h.o.SetLoopMode(context.Background(), "g1", music.LoopSingle)
		h.waitStarted(h.dev, "g1", "Song A")

		if _, err := h.o.Skip(context.Background(), "g1"); err != nil {
			t.Fatal(err)
		}
		h.waitStarted(h.dev, "g1", "Song B")
	})

	t.Run("last track finishes queue", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.play("g1", "song-a")
		h.waitStarted(h.dev, "g1", "Song A")

		if _, err := h.o.Skip(context.Background(), "g1"); err != nil {
			t.Fatal(err)
		}
		h.waitFor("queue finished", func() bool { return len(h.messages("Queue finished.")) == 1 })
		if _, err := h.o.Skip(context.Background(), "g1"); !errors.Is(err, playback.ErrNothingPlaying) {
			t.Errorf("Skip when idle = %v, want ErrNothingPlaying", err)
		}
	})

	t.Run("no session", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		if _, err := h.o.Skip(context.Background(), "nope"); !errors.Is(err, playback.ErrNoSession) {
			t.Errorf("err = %v, want ErrNoSession", err)
		}
	})
}

func TestSkip_DuringRetryDelay(t *testing.T) {
	t.Parallel()

	sleeping := make(chan struct{}, 1)
	blockingSleep := func(ctx context.Context, _ time.Duration) error {
		sleeping <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	h := newHarness(t, playback.WithSleep(blockingSleep))

	h.play("g1", "song-a")
	h.play("g1", "song-b")
	_ = h.o.SetLoopMode(context.Background(), "g1", music.LoopQueue)
	h.waitStarted(h.dev, "g1", "Song A")
	h.complete(h.dev, time.Minute, errors.New("broken pipe"))
	<-sleeping

	if _, err := h.o.Skip(context.Background(), "g1"); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	h.waitStarted(h.dev, "g1", "Song B")
	if q := titles(h.snapshot("g1").Queue); q != "" {
		t.Errorf("queue = [%s], failing track must not be re-queued", q)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.o.Pause(ctx, "g1"); !errors.Is(err, playback.ErrNothingPlaying) {
		t.Errorf("Pause without session = %v", err)
	}

	h.play("g1", "song-a")
	h.waitStarted(h.dev, "g1", "Song A")

	if err := h.o.Resume(ctx, "g1"); !errors.Is(err, playback.ErrNotPaused) {
		t.Errorf("Resume while playing = %v, want ErrNotPaused", err)
	}
	if err := h.o.Pause(ctx, "g1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !h.dev.Paused() || h.o.State("g1") != session.StatePaused {
		t.Errorf("not paused: device=%v state=%v", h.dev.Paused(), h.o.State("g1"))
	}
	if err := h.o.Pause(ctx, "g1"); !errors.Is(err, playback.ErrNothingPlaying) {
		t.Errorf("second Pause = %v", err)
	}
	if err := h.o.Resume(ctx, "g1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if h.dev.Paused() || h.o.State("g1") != session.StatePlaying {
		t.Errorf("not resumed: device=%v state=%v", h.dev.Paused(), h.o.State("g1"))
	}
}

func TestPlay_QueueFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.settings.MaxQueue = 2

	h.play("g1", "song-a")
	h.waitStarted(h.dev, "g1", "Song A")
	h.play("g1", "song-b")
	h.play("g1", "song-c")

	_, err := h.o.Play(context.Background(), playback.PlayRequest{GuildID: "g1", VoiceChannelID: "voice-1", Query: "song-d"})
	var qf *music.QueueFullError
	if !errors.As(err, &qf) || qf.Limit != 2 {
		t.Fatalf("err = %v, want QueueFullError{2}", err)
	}
	if q := titles(h.snapshot("g1").Queue); q != "B,C" {
		t.Errorf("queue = [%s], want [B,C]", q)
	}
}

func TestPlay_Errors(t *testing.T) {
	t.Parallel()

	t.Run("resolution", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.o.Play(context.Background(), playback.PlayRequest{GuildID: "g1", VoiceChannelID: "v", Query: "unknown"})
		var re *music.ResolutionError
		if !errors.As(err, &re) || re.Reason != music.ResolutionNoResults {
			t.Errorf("err = %v", err)
		}
		if h.store.Len() != 0 {
			t.Error("session created for failed request")
		}
	})

	t.Run("voice", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.voice.err = &music.ConnectionError{Kind: music.ConnectionTerminal, GuildID: "g1", Attempts: 5}
		_, err := h.o.Play(context.Background(), playback.PlayRequest{GuildID: "g1", VoiceChannelID: "v", Query: "song-a"})
		if !music.IsTerminalConnection(err) {
			t.Errorf("err = %v", err)
		}
		if h.store.Len() != 0 {
			t.Error("session created for failed request")
		}
	})

	t.Run("closed", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_ = h.o.Close()
		_, err := h.o.Play(context.Background(), playback.PlayRequest{GuildID: "g1", VoiceChannelID: "v", Query: "song-a"})
		if !errors.Is(err, playback.ErrClosed) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestQueueOperations(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.play("g1", "song-a")
	h.waitStarted(h.dev, "g1", "Song A")
	h.play("g1", "song-b")
	h.play("g1", "song-c")
	h.play("g1", "song-d")

	if err := h.o.Move(ctx, "g1", 0, 2); err != nil {
		t.Fatal(err)
	}
	if q := titles(h.snapshot("g1").Queue); q != "C,D,B" {
		t.Errorf("after move: [%s]", q)
	}
	removed, err := h.o.Remove(ctx, "g1", 1)
	if err != nil || removed.Title != "Song D" {
		t.Errorf("Remove = %v, %v", removed, err)
	}
	if _, err := h.o.Remove(ctx, "g1", 5); !errors.Is(err, playback.ErrInvalidPosition) {
		t.Errorf("Remove out of range = %v", err)
	}
	if err := h.o.Move(ctx, "g1", 0, 9); !errors.Is(err, playback.ErrInvalidPosition) {
		t.Errorf("Move out of range = %v", err)
	}
	if err := h.o.Shuffle(ctx, "g1"); err != nil {
		t.Errorf("Shuffle: %v", err)
	}
	if n := len(h.snapshot("g1").Queue); n != 2 {
		t.Errorf("shuffle changed length: %d", n)
	}
	n, err := h.o.Clear(ctx, "g1")
	if err != nil || n != 2 {
		t.Errorf("Clear = %d, %v", n, err)
	}
	snap := h.snapshot("g1")
	if len(snap.Queue) != 0 || snap.NowPlaying == nil {
		t.Errorf("Clear touched now-playing or left queue: %+v", snap)
	}

	if err := h.o.SetLoopMode(ctx, "g1", music.LoopMode(9)); err == nil {
		t.Error("invalid loop mode accepted")
	}
	for name, err := range map[string]error{
		"shuffle": h.o.Shuffle(ctx, "nope"),
		"move":    h.o.Move(ctx, "nope", 0, 1),
		"loop":    h.o.SetLoopMode(ctx, "nope", music.LoopQueue),
		"stop":    h.o.Stop(ctx, "nope"),
	} {
		if !errors.Is(err, playback.ErrNoSession) {
			t.Errorf("%s on missing session = %v", name, err)
		}
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.play("g1", "song-a")
	h.play("g1", "song-b")
	h.waitStarted(h.dev, "g1", "Song A")

	if err := h.o.Disconnect(ctx, "g1", "left by command"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := h.o.Snapshot("g1"); !errors.Is(err, playback.ErrNoSession) {
		t.Errorf("session survived disconnect: %v", err)
	}
	if got := h.voice.releases(); len(got) != 1 || got[0] != "g1" {
		t.Errorf("releases = %v", got)
	}
	if h.dev.Stops() == 0 {
		t.Error("device not stopped")
	}
	if h.store.Len() != 0 {
		t.Errorf("store len = %d", h.store.Len())
	}

	// A fresh request builds a new session.
	h.play("g1", "song-c")
	h.waitStarted(h.dev, "g1", "Song C")
}

func TestGuildsAreIsolated(t *testing.T) {
	t.Parallel()

	devs := map[string]*playbackmock.Device{
		"g1": playbackmock.NewDevice(),
		"g2": playbackmock.NewDevice(),
	}
	factory := func(conn audio.Connection) playback.Device { return devs[conn.GuildID()] }
	h := newHarnessWith(t, devs["g1"], factory)

	h.play("g1", "song-a")
	h.play("g2", "song-b")
	h.play("g2", "song-c")
	h.waitStarted(devs["g1"], "g1", "Song A")
	h.waitStarted(devs["g2"], "g2", "Song B")

	// g1 fails hard; g2 keeps going.
	boom := errors.New("decoder crashed")
	h.complete(devs["g1"], time.Second, boom)
	h.waitStarted(devs["g1"], "g1", "Song A")
	h.complete(devs["g1"], time.Second, boom)

	h.complete(devs["g2"], 4*time.Minute, nil)
	h.waitStarted(devs["g2"], "g2", "Song C")

	h.waitFor("g1 idle", func() bool { return h.o.State("g1") == session.StateIdle })
	if q := titles(h.snapshot("g2").Queue); q != "" {
		t.Errorf("g2 queue = [%s]", q)
	}
	for _, m := range h.notifier.Messages() {
		if m.GuildID == "g2" && strings.HasPrefix(m.Text, "Skipped") {
			t.Errorf("g1 failure leaked into g2: %q", m.Text)
		}
	}
}

func TestPlay_AppliesRequesterPreferences(t *testing.T) {
	t.Parallel()
	prefs := &musicmock.PreferenceStore{Prefs: map[string]music.Preferences{
		"user-1": {Volume: 0.8, BassBoost: true},
	}}
	h := newHarness(t, playback.WithPreferences(prefs))

	h.play("g1", "song-a")
	h.waitStarted(h.dev, "g1", "Song A")

	src := h.dev.Plays()[0]
	want := "volume=0.8,highpass=f=30,lowshelf=g=6:f=100,equalizer=f=125:t=q:w=1:g=2"
	if got := src.FilterGraph(); got != want {
		t.Errorf("FilterGraph = %q, want %q", got, want)
	}
}

func TestPlay_DefaultVolumeWithoutPreferences(t *testing.T) {
	t.Parallel()
	h := newHarness(t, playback.WithConfig(playback.Config{DefaultVolume: 0.3}))

	h.play("g1", "song-a")
	h.waitStarted(h.dev, "g1", "Song A")

	if got := h.dev.Plays()[0].FilterGraph(); got != "volume=0.3" {
		t.Errorf("FilterGraph = %q, want volume=0.3", got)
	}
}

func TestSetConfig(t *testing.T) {
	t.Parallel()
	h := newHarness(t, playback.WithConfig(playback.Config{MaxQueueSize: 2}))

	h.o.SetConfig(playback.Config{RetryDelay: 4 * time.Second, MaxQueueSize: 10, DefaultVolume: 2})

	got := h.o.Config()
	if got.RetryDelay != 4*time.Second || got.MaxQueueSize != 10 {
		t.Errorf("Config() = %+v", got)
	}
	if got.DefaultVolume != music.DefaultVolume {
		t.Errorf("out-of-range DefaultVolume = %v, want fallback %v", got.DefaultVolume, music.DefaultVolume)
	}
	if got.MaxRetries <= 0 {
		t.Errorf("MaxRetries = %d, want default applied", got.MaxRetries)
	}
}

// finishQueue plays song-a to the end and waits for guildID to go idle.
func (h *harness) finishQueue(guildID string) {
	h.t.Helper()
	h.play(guildID, "song-a")
	h.waitStarted(h.dev, guildID, "Song A")
	h.complete(h.dev, 3*time.Minute, nil)
	h.waitFor("idle", func() bool {
		snap, err := h.o.Snapshot(guildID)
		return err == nil && snap.State == session.StateIdle && snap.NowPlaying == nil
	})
}

func TestDisconnectIdle(t *testing.T) {
	t.Parallel()

	idle := func(session.Session) (string, bool) { return "idle", true }
	tests := []struct {
		name         string
		playing      bool
		guard        func(session.Session) (string, bool)
		wantErr      error
		wantAnnounce bool
	}{
		{name: "idle guild released", guard: idle, wantAnnounce: true},
		{name: "playing guild kept", playing: true, guard: idle, wantErr: session.ErrBusy},
		{name: "guard refuses", guard: func(session.Session) (string, bool) { return "", false }, wantErr: session.ErrBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			if tt.playing {
				h.play("g1", "song-a")
				h.waitStarted(h.dev, "g1", "Song A")
			} else {
				h.finishQueue("g1")
			}

			announced := false
			err := h.o.DisconnectIdle(context.Background(), "g1", tt.guard, func(ctx context.Context) {
				if _, ok := ctx.Deadline(); !ok {
					t.Error("announce context has no deadline")
				}
				announced = true
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DisconnectIdle = %v, want %v", err, tt.wantErr)
			}
			if announced != tt.wantAnnounce {
				t.Errorf("announced = %v, want %v", announced, tt.wantAnnounce)
			}
			if tt.wantErr != nil {
				snap := h.snapshot("g1")
				if snap.Voice == nil {
					t.Error("voice lost on refused release")
				}
				if len(h.voice.releases()) != 0 {
					t.Errorf("releases = %v", h.voice.releases())
				}
				return
			}
			if got := h.voice.releases(); len(got) != 1 || got[0] != "g1" {
				t.Errorf("releases = %v", got)
			}
			if _, err := h.o.Snapshot("g1"); !errors.Is(err, playback.ErrNoSession) {
				t.Errorf("session survived release: %v", err)
			}
		})
	}
}

func TestDisconnectIdle_NoSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	err := h.o.DisconnectIdle(context.Background(), "nope", nil, nil)
	if !errors.Is(err, playback.ErrNoSession) {
		t.Errorf("DisconnectIdle = %v, want ErrNoSession", err)
	}
}

// A /play that lands while the reaper is announcing its departure wins: the
// guild keeps its connection and the new track keeps playing.
func TestReaper_PlayDuringReleaseNoticeKeepsGuild(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.finishQueue("g1")
	stops := h.dev.Stops()

	var notices []string
	notifier := notifyFunc(func(_ context.Context, _, _, message string) error {
		notices = append(notices, message)
		h.play("g1", "song-b")
		h.waitStarted(h.dev, "g1", "Song B")
		return nil
	})
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	r := reaper.New(h.store, nil, h.o, reaper.Config{},
		reaper.WithNotifier(notifier),
		reaper.WithMetrics(metrics),
		reaper.WithClock(func() time.Time { return time.Now().Add(time.Hour) }),
	)

	if released := r.Sweep(context.Background()); len(released) != 0 {
		t.Errorf("released %v, want none", released)
	}
	if len(notices) != 1 {
		t.Fatalf("notices = %v, want one", notices)
	}
	if got := h.voice.releases(); len(got) != 0 {
		t.Errorf("releases = %v, want none", got)
	}
	snap := h.snapshot("g1")
	if snap.State != session.StatePlaying || snap.NowPlaying == nil || snap.NowPlaying.Track.Title != "Song B" {
		t.Errorf("state = %v now-playing = %v, want Song B playing", snap.State, snap.NowPlaying)
	}
	if snap.Voice == nil {
		t.Error("voice handle lost")
	}
	if got := h.dev.Stops(); got != stops {
		t.Errorf("device stopped %d times, want %d", got, stops)
	}
}
