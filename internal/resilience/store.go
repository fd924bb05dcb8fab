package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/encore/internal/observe"
	"github.com/MrWong99/encore/pkg/music"
	"github.com/MrWong99/encore/pkg/store"
)

var _ store.Store = (*GuardedStore)(nil)

// GuardedStore routes every call to the wrapped [store.Store] through a
// shared [CircuitBreaker] and bounds each call with a timeout. Failures are
// counted in the persistence error metric.
type GuardedStore struct {
	inner   store.Store
	cb      *CircuitBreaker
	timeout time.Duration
	metrics *observe.Metrics
}

// GuardOption configures a [GuardedStore].
type GuardOption func(*GuardedStore)

// WithCallTimeout bounds each backend call. Default: 2s.
func WithCallTimeout(d time.Duration) GuardOption {
	return func(g *GuardedStore) { g.timeout = d }
}

// WithGuardMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithGuardMetrics(m *observe.Metrics) GuardOption {
	return func(g *GuardedStore) { g.metrics = m }
}

// NewGuardedStore wraps inner.
func NewGuardedStore(inner store.Store, cb *CircuitBreaker, opts ...GuardOption) *GuardedStore {
	g := &GuardedStore{inner: inner, cb: cb, timeout: 2 * time.Second}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Breaker returns the shared breaker, for health reporting.
func (g *GuardedStore) Breaker() *CircuitBreaker { return g.cb }

func (g *GuardedStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := g.cb.Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(ctx)
	})
	if err != nil {
		g.metrics.RecordPersistenceError(ctx, op)
		if !errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: store call failed", "op", op, "err", err)
		}
	}
	return err
}

// CachedLocalPath implements [music.Persistence].
func (g *GuardedStore) CachedLocalPath(ctx context.Context, url string) (path string, ok bool, err error) {
	err = g.do(ctx, "cached_path", func(ctx context.Context) error {
		path, ok, err = g.inner.CachedLocalPath(ctx, url)
		return err
	})
	return path, ok, err
}

// RecordPlay implements [music.Persistence].
func (g *GuardedStore) RecordPlay(ctx context.Context, guildID string, track music.Track) error {
	return g.do(ctx, "record_play", func(ctx context.Context) error {
		return g.inner.RecordPlay(ctx, guildID, track)
	})
}

// SetCachedPath implements [store.Store].
func (g *GuardedStore) SetCachedPath(ctx context.Context, url, path string) error {
	return g.do(ctx, "set_cached_path", func(ctx context.Context) error {
		return g.inner.SetCachedPath(ctx, url, path)
	})
}

// Preferences implements [music.PreferenceStore].
func (g *GuardedStore) Preferences(ctx context.Context, userID string) (p music.Preferences, err error) {
	err = g.do(ctx, "preferences", func(ctx context.Context) error {
		p, err = g.inner.Preferences(ctx, userID)
		return err
	})
	return p, err
}

// SetPreferences implements [music.PreferenceStore].
func (g *GuardedStore) SetPreferences(ctx context.Context, userID string, prefs music.Preferences) error {
	return g.do(ctx, "set_preferences", func(ctx context.Context) error {
		return g.inner.SetPreferences(ctx, userID, prefs)
	})
}

// GuildSettings implements [store.Store].
func (g *GuardedStore) GuildSettings(ctx context.Context, guildID string) (gs store.GuildSettings, err error) {
	err = g.do(ctx, "guild_settings", func(ctx context.Context) error {
		gs, err = g.inner.GuildSettings(ctx, guildID)
		return err
	})
	return gs, err
}

// SaveGuildSettings implements [store.Store].
func (g *GuardedStore) SaveGuildSettings(ctx context.Context, gs store.GuildSettings) error {
	return g.do(ctx, "save_guild_settings", func(ctx context.Context) error {
		return g.inner.SaveGuildSettings(ctx, gs)
	})
}

// TopTracks implements [store.Store].
func (g *GuardedStore) TopTracks(ctx context.Context, guildID string, limit int) (stats []store.PlayStat, err error) {
	err = g.do(ctx, "top_tracks", func(ctx context.Context) error {
		stats, err = g.inner.TopTracks(ctx, guildID, limit)
		return err
	})
	return stats, err
}

// Ping bypasses the breaker so health checks see the real backend state.
func (g *GuardedStore) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}

// Close closes the wrapped store.
func (g *GuardedStore) Close() error {
	return g.inner.Close()
}
