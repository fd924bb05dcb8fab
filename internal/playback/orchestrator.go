// Package playback drives the per-guild playback state machine.
//
// Every guild with activity gets one event loop goroutine. Commands mutate
// the shared [session.Store] and post events to the loop; the device's
// completion callback does nothing but post an event. The loop classifies
// completions, picks the next track by loop mode, retries failed tracks once
// and skips them afterwards, all inside a bounded loop.
//
// Stop, Skip and Disconnect bump the session generation and cancel the
// loop's running advance, so pending retries and late completions of the old
// track are discarded.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/encore/internal/observe"
	"github.com/MrWong99/encore/internal/session"
	"github.com/MrWong99/encore/internal/source"
	"github.com/MrWong99/encore/internal/voice"
	"github.com/MrWong99/encore/pkg/audio"
	"github.com/MrWong99/encore/pkg/music"
)

var (
	// ErrNoSession is returned for operations on a guild without a session.
	ErrNoSession = errors.New("playback: no active session")

	// ErrNothingPlaying is returned by Skip and Pause when no track is
	// playing.
	ErrNothingPlaying = errors.New("playback: nothing is playing")

	// ErrNotPaused is returned by Resume when playback is not paused.
	ErrNotPaused = errors.New("playback: not paused")

	// ErrInvalidPosition is returned for out-of-range queue positions.
	ErrInvalidPosition = errors.New("playback: queue position out of range")

	// ErrClosed is returned after [Orchestrator.Close].
	ErrClosed = errors.New("playback: orchestrator closed")
)

// Defaults.
const (
	defaultRetryDelay   = time.Second
	defaultMaxRetries   = 1
	defaultMaxQueueSize = 100
	eventBuffer         = 32
	collaboratorTimeout = 5 * time.Second
)

// Compile-time check that *voice.Manager satisfies [VoiceManager].
var _ VoiceManager = (*voice.Manager)(nil)

// VoiceManager acquires and releases per-guild voice connections.
type VoiceManager interface {
	Acquire(ctx context.Context, guildID, channelID string) (audio.Connection, error)
	Release(guildID string) error
}

// SourcePreparer turns a track into a playable source.
type SourcePreparer interface {
	Prepare(ctx context.Context, track music.Track, prefs music.Preferences) (source.Source, error)
}

// Config tunes retry behaviour. Zero values select the defaults.
type Config struct {
	// RetryDelay is the pause before retrying a failed track. Default: 1s.
	RetryDelay time.Duration

	// MaxRetries is how often a failing track is retried before it is
	// skipped. Default: 1.
	MaxRetries int

	// MaxQueueSize bounds the queue when no [music.Settings] is configured.
	// Default: 100.
	MaxQueueSize int

	// DefaultVolume applies to requests without a requester or when the
	// preference lookup fails. Default: [music.DefaultVolume].
	DefaultVolume float64
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaultMaxQueueSize
	}
	if c.DefaultVolume <= 0 || c.DefaultVolume > 1 {
		c.DefaultVolume = music.DefaultVolume
	}
	return c
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithConfig sets retry and queue tuning.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithPersistence sets the best-effort play history and media cache.
func WithPersistence(p music.Persistence) Option {
	return func(o *Orchestrator) { o.persistence = p }
}

// WithNotifier sets where user-facing messages are delivered.
func WithNotifier(n music.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithSettings sets the per-guild settings source.
func WithSettings(s music.Settings) Option {
	return func(o *Orchestrator) { o.settings = s }
}

// WithPreferences sets the per-user preference store.
func WithPreferences(p music.PreferenceStore) Option {
	return func(o *Orchestrator) { o.prefs = p }
}

// WithClassifier replaces the silent-failure heuristic.
func WithClassifier(c Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides how the retry delay is waited out.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithRand sets the random source used by Shuffle.
func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.rand = r }
}

// PlayRequest asks for a query to be resolved and queued.
type PlayRequest struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	RequesterID    string
	Query          string
}

// PlayResult describes where a requested track ended up.
type PlayResult struct {
	Track music.Track

	// Started is true when the guild was idle and the track plays next.
	Started bool

	// Position is the 1-based queue position when Started is false.
	Position int
}

// Orchestrator runs playback for all guilds.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	store    *session.Store
	voice    VoiceManager
	resolver music.Resolver
	sources  SourcePreparer
	devices  DeviceFactory

	cfgMu       sync.RWMutex
	cfg         Config
	persistence music.Persistence
	notifier    music.Notifier
	settings    music.Settings
	prefs       music.PreferenceStore
	classifier  Classifier
	metrics     *observe.Metrics
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	rand        *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	loops  map[string]*guildLoop
	gates  map[string]*sync.RWMutex
	closed bool
}

// New creates an Orchestrator.
func New(store *session.Store, vm VoiceManager, resolver music.Resolver, sources SourcePreparer, devices DeviceFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		voice:      vm,
		resolver:   resolver,
		sources:    sources,
		devices:    devices,
		classifier: DefaultClassifier(),
		now:        time.Now,
		sleep:      sleepCtx,
		loops:      make(map[string]*guildLoop),
		gates:      make(map[string]*sync.RWMutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg = o.cfg.withDefaults()
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Play resolves req.Query, acquires the voice connection, enqueues the track
// and starts playback when the guild was idle.
func (o *Orchestrator) Play(ctx context.Context, req PlayRequest) (PlayResult, error) {
	if o.isClosed() {
		return PlayResult{}, ErrClosed
	}

	ctx = observe.WithGuild(ctx, req.GuildID)
	md, err := o.resolver.Resolve(ctx, req.Query)
	if err != nil {
		return PlayResult{}, err
	}
	track := md.Track(req.Query, req.RequesterID, o.now())

	// Held until the track is enqueued so DisconnectIdle cannot release the
	// connection in between.
	gate := o.gate(req.GuildID)
	gate.RLock()
	defer gate.RUnlock()

	conn, err := o.voice.Acquire(ctx, req.GuildID, req.VoiceChannelID)
	if err != nil {
		return PlayResult{}, err
	}

	limit := o.maxQueueSize(ctx, req.GuildID)
	djRole := o.djRole(ctx, req.GuildID)

	var res PlayResult
	enqueue := func(s *session.Session) error {
		s.Voice = conn
		s.DJRoleID = djRole
		if req.TextChannelID != "" {
			s.TextChannelID = req.TextChannelID
		}
		if err := s.Enqueue(track, limit); err != nil {
			return err
		}
		res = PlayResult{Track: track}
		if s.State == session.StateIdle && s.NowPlaying == nil {
			s.State = session.StateAdvancing
			res.Started = true
		} else {
			res.Position = len(s.Queue)
		}
		return nil
	}

	// A concurrent Disconnect may evict the session between GetOrCreate and
	// Mutate; one retry re-creates it.
	for range 2 {
		err = o.store.GetOrCreate(req.GuildID).Mutate(enqueue)
		if !errors.Is(err, session.ErrNotFound) {
			break
		}
	}
	if err != nil {
		return PlayResult{}, err
	}

	if res.Started {
		l := o.loop(req.GuildID)
		if l == nil {
			return PlayResult{}, ErrClosed
		}
		l.post(event{kind: evStart})
	}
	observe.Logger(ctx).Info("playback: queued",
		"title", track.Title,
		"started", res.Started,
		"position", res.Position,
	)
	return res, nil
}

// Skip ends the current track and advances. It returns the skipped track.
func (o *Orchestrator) Skip(_ context.Context, guildID string) (music.Track, error) {
	var skipped music.Track
	err := o.store.Mutate(guildID, func(s *session.Session) error {
		if s.NowPlaying == nil && s.State != session.StateAdvancing {
			return ErrNothingPlaying
		}
		if s.NowPlaying != nil {
			skipped = s.NowPlaying.Track
		}
		s.Generation++
		return nil
	})
	if err != nil {
		return music.Track{}, sessionErr(err)
	}
	l := o.loop(guildID)
	if l == nil {
		return music.Track{}, ErrClosed
	}
	l.interrupt()
	l.post(event{kind: evSkip})
	return skipped, nil
}

// Stop clears the queue and the current track. The voice connection stays
// held.
func (o *Orchestrator) Stop(ctx context.Context, guildID string) error {
	err := o.store.Mutate(guildID, func(s *session.Session) error {
		s.Generation++
		s.Queue = nil
		s.NowPlaying = nil
		s.State = session.StateIdle
		s.Retry = session.RetryState{}
		return nil
	})
	if err != nil {
		return sessionErr(err)
	}
	if l := o.existing(guildID); l != nil {
		l.interrupt()
		return l.call(ctx, func() error {
			l.stopDevice()
			l.hasCurrent = false
			return nil
		})
	}
	return nil
}

// Pause pauses the playing track.
func (o *Orchestrator) Pause(ctx context.Context, guildID string) error {
	l := o.existing(guildID)
	if l == nil {
		return ErrNothingPlaying
	}
	return l.call(ctx, func() error {
		return o.store.Mutate(guildID, func(s *session.Session) error {
			if s.State != session.StatePlaying || l.device == nil {
				return ErrNothingPlaying
			}
			if err := l.device.Pause(); err != nil {
				return fmt.Errorf("playback: pause: %w", err)
			}
			s.State = session.StatePaused
			return nil
		})
	})
}

// Resume resumes a paused track.
func (o *Orchestrator) Resume(ctx context.Context, guildID string) error {
	l := o.existing(guildID)
	if l == nil {
		return ErrNotPaused
	}
	return l.call(ctx, func() error {
		return o.store.Mutate(guildID, func(s *session.Session) error {
			if s.State != session.StatePaused || l.device == nil {
				return ErrNotPaused
			}
			if err := l.device.Resume(); err != nil {
				return fmt.Errorf("playback: resume: %w", err)
			}
			s.State = session.StatePlaying
			return nil
		})
	})
}

// SetLoopMode changes the guild's loop mode.
func (o *Orchestrator) SetLoopMode(_ context.Context, guildID string, mode music.LoopMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("playback: invalid loop mode %d", int(mode))
	}
	return sessionErr(o.store.Mutate(guildID, func(s *session.Session) error {
		s.LoopMode = mode
		return nil
	}))
}

// Shuffle randomises the queue order.
func (o *Orchestrator) Shuffle(_ context.Context, guildID string) error {
	return sessionErr(o.store.Mutate(guildID, func(s *session.Session) error {
		s.Shuffle(o.rand)
		return nil
	}))
}

// Remove deletes the track at the 0-based queue index.
func (o *Orchestrator) Remove(_ context.Context, guildID string, index int) (music.Track, error) {
	var removed music.Track
	err := o.store.Mutate(guildID, func(s *session.Session) error {
		t, ok := s.Remove(index)
		if !ok {
			return ErrInvalidPosition
		}
		removed = t
		return nil
	})
	return removed, sessionErr(err)
}

// Move relocates the track at 0-based index from to index to.
func (o *Orchestrator) Move(_ context.Context, guildID string, from, to int) error {
	return sessionErr(o.store.Mutate(guildID, func(s *session.Session) error {
		if !s.Move(from, to) {
			return ErrInvalidPosition
		}
		return nil
	}))
}

// Clear empties the queue without touching the current track. It returns the
// number of removed tracks.
func (o *Orchestrator) Clear(_ context.Context, guildID string) (int, error) {
	var n int
	err := o.store.Mutate(guildID, func(s *session.Session) error {
		n = s.Clear()
		return nil
	})
	return n, sessionErr(err)
}

// Snapshot returns a copy of the guild's session.
func (o *Orchestrator) Snapshot(guildID string) (session.Session, error) {
	var snap session.Session
	err := o.store.View(guildID, func(s session.Session) { snap = s })
	return snap, sessionErr(err)
}

// State returns the guild's playback state; guilds without a session are
// idle.
func (o *Orchestrator) State(guildID string) session.State {
	st := session.StateIdle
	_ = o.store.View(guildID, func(s session.Session) { st = s.State })
	return st
}

// Disconnect stops playback, releases the voice connection and evicts the
// session. reason is logged.
func (o *Orchestrator) Disconnect(ctx context.Context, guildID, reason string) error {
	_ = o.store.Mutate(guildID, func(s *session.Session) error {
		s.Generation++
		s.Queue = nil
		s.NowPlaying = nil
		s.Voice = nil
		s.State = session.StateIdle
		s.Retry = session.RetryState{}
		return nil
	})
	o.stopLoop(ctx, guildID)

	err := o.voice.Release(guildID)
	o.store.Evict(guildID)
	observe.Logger(observe.WithGuild(ctx, guildID)).Info("playback: disconnected", "reason", reason)
	if err != nil {
		return fmt.Errorf("playback: disconnect guild %s: %w", guildID, err)
	}
	return nil
}

// DisconnectIdle is [Orchestrator.Disconnect] for guilds nobody is using.
//
// The guild is claimed first: if it is playing, paused or advancing, or guard
// rejects it, nothing changes and [session.ErrBusy] is returned. guard runs
// under the session lock and supplies the logged reason. announce then runs
// with a bounded context. A Play that arrives before the release takes the
// guild back and DisconnectIdle returns [session.ErrBusy].
func (o *Orchestrator) DisconnectIdle(ctx context.Context, guildID string, guard func(session.Session) (reason string, ok bool), announce func(context.Context)) error {
	var (
		gen    uint64
		conn   audio.Connection
		reason = "idle"
	)
	err := o.store.Mutate(guildID, func(s *session.Session) error {
		if s.State.Active() || s.Voice == nil {
			return session.ErrBusy
		}
		if guard != nil {
			r, ok := guard(*s)
			if !ok {
				return session.ErrBusy
			}
			reason = r
		}
		s.Generation++
		gen, conn = s.Generation, s.Voice
		s.Voice = nil
		return nil
	})
	if err != nil {
		return sessionErr(err)
	}

	if announce != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
		announce(actx)
		cancel()
	}

	gate := o.gate(guildID)
	if !gate.TryLock() {
		o.unclaim(guildID, conn)
		return session.ErrBusy
	}
	defer gate.Unlock()
	err = o.store.Mutate(guildID, func(s *session.Session) error {
		if s.Generation != gen || s.Voice != nil || s.State.Active() {
			return session.ErrBusy
		}
		return nil
	})
	if errors.Is(err, session.ErrBusy) {
		o.unclaim(guildID, conn)
		return err
	}
	if err != nil {
		return sessionErr(err)
	}
	return o.Disconnect(ctx, guildID, reason)
}

// unclaim hands conn back to a session DisconnectIdle gave up on.
func (o *Orchestrator) unclaim(guildID string, conn audio.Connection) {
	_ = o.store.Mutate(guildID, func(s *session.Session) error {
		if s.Voice == nil {
			s.Voice = conn
		}
		return nil
	})
}

// Close stops every guild loop and its device. Voice connections are left to
// the voice manager.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	loops := make([]*guildLoop, 0, len(o.loops))
	for _, l := range o.loops {
		loops = append(loops, l)
	}
	o.loops = make(map[string]*guildLoop)
	o.mu.Unlock()

	o.cancel()
	for _, l := range loops {
		<-l.done
	}
	return nil
}

// loop returns the guild's loop, starting it if needed. It returns nil after
// Close.
func (o *Orchestrator) loop(guildID string) *guildLoop {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	if l, ok := o.loops[guildID]; ok {
		return l
	}
	l := newGuildLoop(o, guildID)
	o.loops[guildID] = l
	o.metrics.ActiveSessions.Add(o.ctx, 1)
	go l.run(o.ctx)
	return l
}

// gate returns the lock that orders Play against DisconnectIdle for guildID.
func (o *Orchestrator) gate(guildID string) *sync.RWMutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.gates[guildID]
	if !ok {
		g = new(sync.RWMutex)
		o.gates[guildID] = g
	}
	return g
}

func (o *Orchestrator) existing(guildID string) *guildLoop {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loops[guildID]
}

func (o *Orchestrator) stopLoop(ctx context.Context, guildID string) {
	o.mu.Lock()
	l, ok := o.loops[guildID]
	delete(o.loops, guildID)
	o.mu.Unlock()
	if !ok {
		return
	}
	l.interrupt()
	close(l.quit)
	select {
	case <-l.done:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) maxQueueSize(ctx context.Context, guildID string) int {
	if o.settings == nil {
		return o.Config().MaxQueueSize
	}
	if n := o.settings.MaxQueueSize(ctx, guildID); n > 0 {
		return n
	}
	return o.Config().MaxQueueSize
}

// Config returns the active configuration.
func (o *Orchestrator) Config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// SetConfig replaces the configuration. A retry delay already being waited
// out is not shortened.
func (o *Orchestrator) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	o.cfgMu.Lock()
	o.cfg = cfg
	o.cfgMu.Unlock()
	slog.Info("playback: configuration updated", "retry_delay", cfg.RetryDelay, "max_retries", cfg.MaxRetries, "max_queue_size", cfg.MaxQueueSize)
}

func (o *Orchestrator) djRole(ctx context.Context, guildID string) string {
	if o.settings == nil {
		return ""
	}
	id, _ := o.settings.DJRoleID(ctx, guildID)
	return id
}

func (o *Orchestrator) preferences(ctx context.Context, userID string) music.Preferences {
	fallback := music.Preferences{Volume: o.Config().DefaultVolume}
	if o.prefs == nil || userID == "" {
		return fallback
	}
	p, err := o.prefs.Preferences(ctx, userID)
	if err != nil {
		slog.Warn("playback: preferences lookup failed", "user_id", userID, "err", err)
		o.metrics.RecordPersistenceError(ctx, "preferences")
		return fallback
	}
	return p
}

func (o *Orchestrator) recordPlay(ctx context.Context, guildID string, track music.Track) {
	if o.persistence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
	defer cancel()
	if err := o.persistence.RecordPlay(ctx, guildID, track); err != nil {
		slog.Warn("playback: record play failed", "guild_id", guildID, "url", track.URL, "err", err)
		o.metrics.RecordPersistenceError(ctx, "record_play")
	}
}

// notify delivers message to the guild's text channel. Failures are logged.
func (o *Orchestrator) notify(ctx context.Context, guildID, message string) {
	if o.notifier == nil {
		return
	}
	var channelID string
	_ = o.store.View(guildID, func(s session.Session) { channelID = s.TextChannelID })
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collaboratorTimeout)
	defer cancel()
	if err := o.notifier.Notify(ctx, guildID, channelID, message); err != nil {
		slog.Warn("playback: notify failed", "guild_id", guildID, "err", err)
	}
}

// sessionErr maps a missing session to [ErrNoSession].
func sessionErr(err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return ErrNoSession
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
