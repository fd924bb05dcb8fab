package reaper

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/encore/internal/observe"
	"github.com/MrWong99/encore/internal/session"
	audiomock "github.com/MrWong99/encore/pkg/audio/mock"
	"github.com/MrWong99/encore/pkg/music"
	musicmock "github.com/MrWong99/encore/pkg/music/mock"
)

var t0 = time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC)

type fakeCounter struct {
	counts map[string]int
	err    error
}

func (c *fakeCounter) HumanMembers(guildID, _ string) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	return c.counts[guildID], nil
}

// fakeDisconnector claims guilds from store the way the orchestrator does and
// records whether the release notice was sent before each release.
type fakeDisconnector struct {
	mu       sync.Mutex
	store    *session.Store
	notifier *musicmock.Notifier
	calls    []dcCall
	err      error

	// busy makes every claim fail as if a Play had taken the guild back.
	busy bool
}

type dcCall struct {
	guildID       string
	reason        string
	notifiedFirst bool
}

func (d *fakeDisconnector) DisconnectIdle(ctx context.Context, guildID string, guard func(session.Session) (string, bool), announce func(context.Context)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var (
		reason  string
		claimed bool
	)
	err := d.store.View(guildID, func(s session.Session) {
		if s.State.Active() || s.Voice == nil {
			return
		}
		reason, claimed = guard(s)
	})
	if err != nil {
		return err
	}
	if !claimed {
		return session.ErrBusy
	}
	announce(ctx)
	if d.busy {
		return session.ErrBusy
	}
	notified := false
	for _, m := range d.notifier.Messages() {
		if m.GuildID == guildID {
			notified = true
		}
	}
	d.calls = append(d.calls, dcCall{guildID: guildID, reason: reason, notifiedFirst: notified})
	return d.err
}

func (d *fakeDisconnector) get() []dcCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dcCall(nil), d.calls...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// seed creates a session for guildID at t0 with the given state.
func seed(t *testing.T, store *session.Store, guildID string, state session.State, voice bool) {
	t.Helper()
	err := store.GetOrCreate(guildID).Mutate(func(s *session.Session) error {
		s.State = state
		s.TextChannelID = "text-" + guildID
		if voice {
			s.Voice = &audiomock.Connection{Guild: guildID, Channel: "voice-" + guildID}
		}
		if state != session.StateIdle {
			s.NowPlaying = &music.NowPlaying{Track: music.Track{Title: "x"}, StartedAt: t0}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		state      session.State
		voice      bool
		members    int
		counterErr error
		idleFor    time.Duration
		wantReason string // empty: not released
	}{
		{name: "playing with empty channel", state: session.StatePlaying, voice: true, members: 0, idleFor: time.Hour},
		{name: "paused and idle", state: session.StatePaused, voice: true, members: 3, idleFor: time.Hour},
		{name: "advancing", state: session.StateAdvancing, voice: true, members: 0, idleFor: time.Hour},
		{name: "idle with empty channel", state: session.StateIdle, voice: true, members: 0, idleFor: time.Second, wantReason: ReasonEmptyChannel},
		{name: "idle past timeout", state: session.StateIdle, voice: true, members: 2, idleFor: 6 * time.Minute, wantReason: ReasonIdle},
		{name: "idle within timeout", state: session.StateIdle, voice: true, members: 2, idleFor: 4 * time.Minute},
		{name: "idle at timeout", state: session.StateIdle, voice: true, members: 2, idleFor: 5 * time.Minute},
		{name: "counter error within timeout", state: session.StateIdle, voice: true, counterErr: errors.New("no state"), idleFor: time.Minute},
		{name: "counter error past timeout", state: session.StateIdle, voice: true, counterErr: errors.New("no state"), idleFor: 10 * time.Minute, wantReason: ReasonIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := session.NewStore(session.WithClock(func() time.Time { return t0 }))
			seed(t, store, "g1", tt.state, tt.voice)

			notifier := &musicmock.Notifier{}
			dc := &fakeDisconnector{store: store, notifier: notifier}
			counter := &fakeCounter{counts: map[string]int{"g1": tt.members}, err: tt.counterErr}
			r := New(store, counter, dc, Config{},
				WithNotifier(notifier),
				WithMetrics(testMetrics(t)),
				WithClock(func() time.Time { return t0.Add(tt.idleFor) }),
			)

			released := r.Sweep(context.Background())
			calls := dc.get()
			if tt.wantReason == "" {
				if len(released) != 0 || len(calls) != 0 {
					t.Fatalf("released %v (calls %+v), want none", released, calls)
				}
				if len(notifier.Messages()) != 0 {
					t.Errorf("unexpected notifications: %v", notifier.Messages())
				}
				return
			}
			if !slices.Equal(released, []string{"g1"}) || len(calls) != 1 {
				t.Fatalf("released %v, calls %+v", released, calls)
			}
			if calls[0].reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", calls[0].reason, tt.wantReason)
			}
			if !calls[0].notifiedFirst {
				t.Error("disconnected before notifying")
			}
			msgs := notifier.Messages()
			if len(msgs) != 1 || msgs[0].ChannelID != "text-g1" {
				t.Errorf("notifications = %+v", msgs)
			}
		})
	}
}

func TestSweep_EvictsSessionsWithoutVoice(t *testing.T) {
	t.Parallel()

	store := session.NewStore(session.WithClock(func() time.Time { return t0 }))
	seed(t, store, "g1", session.StateIdle, false)
	dc := &fakeDisconnector{store: store, notifier: &musicmock.Notifier{}}
	r := New(store, &fakeCounter{}, dc, Config{}, WithMetrics(testMetrics(t)))

	if got := r.Sweep(context.Background()); len(got) != 0 {
		t.Errorf("released %v", got)
	}
	if store.Len() != 0 {
		t.Errorf("store len = %d, want 0", store.Len())
	}
}

func TestSweep_MixedGuilds(t *testing.T) {
	t.Parallel()

	store := session.NewStore(session.WithClock(func() time.Time { return t0 }))
	seed(t, store, "busy", session.StatePlaying, true)
	seed(t, store, "empty", session.StateIdle, true)
	seed(t, store, "stale", session.StateIdle, true)
	seed(t, store, "quiet", session.StateIdle, true)

	notifier := &musicmock.Notifier{}
	dc := &fakeDisconnector{store: store, notifier: notifier}
	counter := &fakeCounter{counts: map[string]int{"busy": 0, "empty": 0, "stale": 1, "quiet": 1}}
	now := t0.Add(2 * time.Minute)
	r := New(store, counter, dc, Config{IdleTimeout: time.Minute},
		WithNotifier(notifier),
		WithMetrics(testMetrics(t)),
		WithClock(func() time.Time { return now }),
	)

	// Guilds are swept in sorted order.
	got := r.Sweep(context.Background())
	if want := []string{"empty", "quiet", "stale"}; !slices.Equal(got, want) {
		t.Errorf("released %v, want %v", got, want)
	}
}

func TestSweep_DisconnectFailureNotCounted(t *testing.T) {
	t.Parallel()

	store := session.NewStore(session.WithClock(func() time.Time { return t0 }))
	seed(t, store, "g1", session.StateIdle, true)
	dc := &fakeDisconnector{store: store, notifier: &musicmock.Notifier{}, err: errors.New("gateway closed")}
	r := New(store, &fakeCounter{}, dc, Config{}, WithMetrics(testMetrics(t)))

	r.Sweep(context.Background())
	if len(dc.get()) != 1 {
		t.Errorf("disconnect calls = %d", len(dc.get()))
	}
}

func TestSweep_SkipsGuildTakenBack(t *testing.T) {
	t.Parallel()

	store := session.NewStore(session.WithClock(func() time.Time { return t0 }))
	seed(t, store, "g1", session.StateIdle, true)
	notifier := &musicmock.Notifier{}
	dc := &fakeDisconnector{store: store, notifier: notifier, busy: true}
	r := New(store, &fakeCounter{counts: map[string]int{"g1": 0}}, dc, Config{},
		WithNotifier(notifier),
		WithMetrics(testMetrics(t)),
	)

	if got := r.Sweep(context.Background()); len(got) != 0 {
		t.Errorf("released %v, want none", got)
	}
	if len(dc.get()) != 0 {
		t.Errorf("disconnect calls = %+v", dc.get())
	}
	if store.Len() != 1 {
		t.Errorf("store len = %d, want 1", store.Len())
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	store := session.NewStore()
	seed(t, store, "g1", session.StateIdle, true)
	notifier := &musicmock.Notifier{}
	dc := &fakeDisconnector{store: store, notifier: notifier}
	r := New(store, &fakeCounter{}, dc, Config{Interval: 5 * time.Millisecond},
		WithNotifier(notifier),
		WithMetrics(testMetrics(t)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(dc.get()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reaper never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestSetIdleTimeout(t *testing.T) {
	t.Parallel()

	r := New(session.NewStore(), &fakeCounter{}, &fakeDisconnector{notifier: &musicmock.Notifier{}}, Config{IdleTimeout: time.Minute})
	if got := r.IdleTimeout(); got != time.Minute {
		t.Fatalf("IdleTimeout = %v, want 1m", got)
	}
	r.SetIdleTimeout(10 * time.Minute)
	if got := r.IdleTimeout(); got != 10*time.Minute {
		t.Errorf("IdleTimeout = %v, want 10m", got)
	}
	r.SetIdleTimeout(0)
	if got := r.IdleTimeout(); got != DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v, want default", got)
	}
}
