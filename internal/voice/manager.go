// Package voice acquires, holds and releases the per-guild voice transport.
//
// [Manager] allows at most one acquisition in flight per guild, retries
// invalidated sessions and per-attempt timeouts with jittered exponential
// backoff, aborts immediately on any other transport error, and exposes a
// read-only [Status] for status reporting.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/encore/internal/observe"
	"github.com/MrWong99/encore/pkg/audio"
	"github.com/MrWong99/encore/pkg/music"
)

// Default acquisition parameters.
const (
	defaultMaxAttempts    = 5
	defaultAttemptTimeout = 5 * time.Second
	defaultBackoffBase    = 2.0
	defaultMaxDelay       = 30 * time.Second
	defaultJitterMin      = 0.8
	defaultJitterMax      = 1.2
)

var (
	// ErrAcquireInFlight is returned by [Manager.Acquire] when another
	// acquisition for the same guild has not finished yet.
	ErrAcquireInFlight = errors.New("voice: connection attempt already in flight")

	// ErrReleased is returned (wrapped) when the guild was released while an
	// acquisition was still running.
	ErrReleased = errors.New("voice: released during acquisition")
)

// Config configures a [Manager]. Zero values select the defaults.
type Config struct {
	// MaxAttempts bounds the attempts per acquisition. Default: 5.
	MaxAttempts int

	// AttemptTimeout bounds each individual attempt. Default: 5s.
	AttemptTimeout time.Duration

	// BackoffBase is the exponent base, in seconds, of the inter-attempt
	// delay. Default: 2.
	BackoffBase float64

	// MaxDelay caps every inter-attempt delay. Default: 30s.
	MaxDelay time.Duration

	// JitterMin and JitterMax bound the random delay multiplier.
	// Defaults: 0.8 and 1.2.
	JitterMin float64
	JitterMax float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	if c.BackoffBase <= 1 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.JitterMin <= 0 || c.JitterMax < c.JitterMin {
		c.JitterMin, c.JitterMax = defaultJitterMin, defaultJitterMax
	}
	return c
}

// Option configures optional [Manager] behaviour.
type Option func(*Manager)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithRand overrides the uniform [0,1) source used for jitter.
func WithRand(fn func() float64) Option {
	return func(mgr *Manager) { mgr.rand = fn }
}

// WithSleep overrides how inter-attempt delays are waited out.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(mgr *Manager) { mgr.sleep = fn }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = fn }
}

// guildState is the per-guild connection and attempt bookkeeping.
type guildState struct {
	conn audio.Connection

	inFlight      bool
	target        string
	attempt       int
	lastAttempt   time.Time
	nextAttemptAt time.Time
}

// Manager owns one voice connection per guild.
//
// All methods are safe for concurrent use.
type Manager struct {
	platform audio.Platform
	cfg      Config
	metrics  *observe.Metrics
	rand     func() float64
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	mu     sync.Mutex
	guilds map[string]*guildState
}

// NewManager creates a Manager that connects through platform.
func NewManager(platform audio.Platform, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		platform: platform,
		cfg:      cfg.withDefaults(),
		rand:     rand.Float64,
		sleep:    sleepCtx,
		now:      time.Now,
		guilds:   make(map[string]*guildState),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Acquire returns a voice connection for guildID in channelID.
//
// If the guild is already connected to channelID the existing handle is
// returned. If it is connected elsewhere the connection is moved. Otherwise a
// new connection is established with up to Config.MaxAttempts attempts.
// A concurrent Acquire for the same guild returns [ErrAcquireInFlight]
// immediately without touching the attempt counter.
//
// Failures are returned as *[music.ConnectionError] with Kind Terminal.
func (m *Manager) Acquire(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	m.mu.Lock()
	gs, ok := m.guilds[guildID]
	if !ok {
		gs = &guildState{}
		m.guilds[guildID] = gs
	}
	if gs.inFlight {
		m.mu.Unlock()
		m.metrics.VoiceRejected.Add(ctx, 1)
		return nil, ErrAcquireInFlight
	}
	if gs.conn != nil && gs.conn.ChannelID() == channelID {
		conn := gs.conn
		m.mu.Unlock()
		return conn, nil
	}
	existing := gs.conn
	gs.inFlight = true
	gs.target = channelID
	gs.attempt = 0
	m.mu.Unlock()

	ctx, span := observe.StartSpan(observe.WithGuild(ctx, guildID), "voice.acquire")
	span.SetAttributes(
		attribute.String("channel_id", channelID),
		attribute.Bool("move", existing != nil),
	)
	defer span.End()

	start := m.now()
	var (
		conn audio.Connection
		err  error
	)
	if existing != nil {
		conn, err = m.attempt(ctx, gs, guildID, func(actx context.Context) (audio.Connection, error) {
			return existing, existing.Move(actx, channelID)
		})
	} else {
		conn, err = m.attempt(ctx, gs, guildID, func(actx context.Context) (audio.Connection, error) {
			return m.platform.Connect(actx, guildID, channelID)
		})
	}

	m.mu.Lock()
	gs.inFlight = false
	gs.nextAttemptAt = time.Time{}
	attempts := gs.attempt
	released := m.guilds[guildID] != gs
	switch {
	case err == nil && !released:
		gs.conn = conn
	case err != nil && !released && gs.conn == nil:
		delete(m.guilds, guildID)
	}
	m.mu.Unlock()

	if err == nil && released {
		if existing == nil {
			_ = conn.Disconnect()
		}
		err = &music.ConnectionError{Kind: music.ConnectionTerminal, GuildID: guildID, Attempts: attempts, Err: ErrReleased}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.RecordVoiceAcquire(ctx, m.now().Sub(start), "failed")
		slog.Warn("voice: acquisition failed", "guild_id", guildID, "channel_id", channelID, "err", err)
		return nil, err
	}

	if existing == nil {
		m.metrics.ActiveConnections.Add(ctx, 1)
	}
	m.metrics.RecordVoiceAcquire(ctx, m.now().Sub(start), "connected")
	slog.Info("voice: connected", "guild_id", guildID, "channel_id", channelID, "attempts", attempts, "moved", existing != nil)
	return conn, nil
}

// attempt runs op up to MaxAttempts times with backoff between attempts.
func (m *Manager) attempt(ctx context.Context, gs *guildState, guildID string, op func(context.Context) (audio.Connection, error)) (audio.Connection, error) {
	var lastErr error
	for n := 1; n <= m.cfg.MaxAttempts; n++ {
		if n > 1 {
			delay := Backoff(n-1, m.cfg.BackoffBase, m.cfg.MaxDelay, m.jitter())
			m.mu.Lock()
			gs.nextAttemptAt = m.now().Add(delay)
			m.mu.Unlock()

			slog.Info("voice: retrying connection",
				"guild_id", guildID,
				"attempt", n,
				"max_attempts", m.cfg.MaxAttempts,
				"delay", delay,
			)
			if err := m.sleep(ctx, delay); err != nil {
				return nil, &music.ConnectionError{Kind: music.ConnectionTerminal, GuildID: guildID, Attempts: n - 1, Err: err}
			}
		}

		m.mu.Lock()
		gs.attempt = n
		gs.lastAttempt = m.now()
		gs.nextAttemptAt = time.Time{}
		m.mu.Unlock()

		actx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		conn, err := op(actx)
		cancel()
		if err == nil {
			m.metrics.RecordVoiceAttempt(ctx, "connected")
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, &music.ConnectionError{Kind: music.ConnectionTerminal, GuildID: guildID, Attempts: n, Err: ctx.Err()}
		}

		ce := classify(guildID, n, err)
		m.metrics.RecordVoiceAttempt(ctx, outcome(err))
		if ce.Kind == music.ConnectionTerminal {
			return nil, ce
		}
		slog.Debug("voice: attempt failed", "guild_id", guildID, "attempt", n, "err", err)
		lastErr = ce
	}
	return nil, &music.ConnectionError{
		Kind:     music.ConnectionTerminal,
		GuildID:  guildID,
		Attempts: m.cfg.MaxAttempts,
		Err:      fmt.Errorf("voice: %d attempts exhausted: %w", m.cfg.MaxAttempts, lastErr),
	}
}

// classify maps a transport error to a retryable or terminal connection
// error. Invalidated sessions and per-attempt timeouts are retryable;
// everything else aborts.
func classify(guildID string, attempt int, err error) *music.ConnectionError {
	kind := music.ConnectionTerminal
	if errors.Is(err, audio.ErrInvalidSession) || errors.Is(err, context.DeadlineExceeded) {
		kind = music.ConnectionRetryable
	}
	return &music.ConnectionError{Kind: kind, GuildID: guildID, Attempts: attempt, Err: err}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, audio.ErrInvalidSession):
		return "invalid_session"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func (m *Manager) jitter() float64 {
	return m.cfg.JitterMin + m.rand()*(m.cfg.JitterMax-m.cfg.JitterMin)
}

// Release disconnects the guild's voice connection, if any, and forgets all
// per-guild state. An acquisition still in flight will discard its result.
// Release is idempotent.
func (m *Manager) Release(guildID string) error {
	m.mu.Lock()
	gs, ok := m.guilds[guildID]
	delete(m.guilds, guildID)
	m.mu.Unlock()
	if !ok || gs.conn == nil {
		return nil
	}

	m.metrics.ActiveConnections.Add(context.Background(), -1)
	if err := gs.conn.Disconnect(); err != nil {
		return fmt.Errorf("voice: disconnect guild %s: %w", guildID, err)
	}
	slog.Info("voice: released", "guild_id", guildID)
	return nil
}

// Connection returns the guild's held connection, or nil.
func (m *Manager) Connection(guildID string) audio.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gs, ok := m.guilds[guildID]; ok {
		return gs.conn
	}
	return nil
}

// Status reports the guild's connection state. While connecting,
// EstimatedWait is the worst case: the remaining backoff delays (un-jittered
// upper band) plus one attempt timeout per remaining attempt.
func (m *Manager) Status(guildID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs, ok := m.guilds[guildID]
	switch {
	case !ok:
		return Status{Kind: Disconnected}
	case gs.inFlight:
		return Status{
			Kind:          Connecting,
			ChannelID:     gs.target,
			Attempt:       gs.attempt,
			MaxAttempts:   m.cfg.MaxAttempts,
			EstimatedWait: m.estimateWait(gs),
		}
	case gs.conn != nil:
		return Status{Kind: Connected, ChannelID: gs.conn.ChannelID()}
	default:
		return Status{Kind: Disconnected}
	}
}

// estimateWait must be called with m.mu held.
func (m *Manager) estimateWait(gs *guildState) time.Duration {
	var wait time.Duration
	if !gs.nextAttemptAt.IsZero() {
		if d := gs.nextAttemptAt.Sub(m.now()); d > 0 {
			wait += d
		}
	}
	attempt := max(gs.attempt, 1)
	for n := attempt; n <= m.cfg.MaxAttempts; n++ {
		wait += m.cfg.AttemptTimeout
		if n > attempt {
			wait += Backoff(n-1, m.cfg.BackoffBase, m.cfg.MaxDelay, m.cfg.JitterMax)
		}
	}
	return wait
}

// Guilds returns the IDs of guilds currently holding a connection.
func (m *Manager) Guilds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.guilds))
	for id, gs := range m.guilds {
		if gs.conn != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close releases every held connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.guilds))
	for id := range m.guilds {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Release(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
