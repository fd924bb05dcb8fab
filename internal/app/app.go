// Package app wires all Encore subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the background loops (gateway, reaper, config
// watcher, HTTP server), and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithPlatform,
// WithStore, WithResolver, etc.). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/encore/internal/config"
	"github.com/MrWong99/encore/internal/discord"
	"github.com/MrWong99/encore/internal/discord/commands"
	"github.com/MrWong99/encore/internal/health"
	"github.com/MrWong99/encore/internal/observe"
	"github.com/MrWong99/encore/internal/playback"
	"github.com/MrWong99/encore/internal/playback/ffmpeg"
	"github.com/MrWong99/encore/internal/reaper"
	"github.com/MrWong99/encore/internal/resilience"
	"github.com/MrWong99/encore/internal/session"
	"github.com/MrWong99/encore/internal/source"
	"github.com/MrWong99/encore/internal/voice"
	"github.com/MrWong99/encore/pkg/audio"
	"github.com/MrWong99/encore/pkg/music"
	"github.com/MrWong99/encore/pkg/music/youtube"
	"github.com/MrWong99/encore/pkg/store"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	configPath string
	logLevel   *slog.LevelVar

	// Injected or created in New.
	platform audio.Platform
	members  reaper.MemberCounter
	notifier music.Notifier
	rawStore store.Store
	resolver music.Resolver
	devices  playback.DeviceFactory
	metrics  *observe.Metrics

	// Created in New.
	bot      *discord.Bot
	store    *resilience.GuardedStore
	settings *store.Settings
	sessions *session.Store
	voice    *voice.Manager
	player   *playback.Orchestrator
	reaper   *reaper.Reaper
	watcher  *config.Watcher
	health   *health.Handler
	server   *http.Server
	listener net.Listener

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPlatform injects the voice platform. When set, no Discord gateway is
// opened and slash commands are not registered.
func WithPlatform(p audio.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithMembers injects the voice membership source used by the reaper.
func WithMembers(m reaper.MemberCounter) Option {
	return func(a *App) { a.members = m }
}

// WithNotifier injects the chat notifier.
func WithNotifier(n music.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithStore injects the persistence backend instead of opening one from
// config. The App takes ownership and closes it on Shutdown.
func WithStore(s store.Store) Option {
	return func(a *App) { a.rawStore = s }
}

// WithResolver injects the track resolver instead of the YouTube resolver.
func WithResolver(r music.Resolver) Option {
	return func(a *App) { a.resolver = r }
}

// WithDevices injects the playback device factory instead of ffmpeg.
func WithDevices(f playback.DeviceFactory) Option {
	return func(a *App) { a.devices = f }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLogLevel registers the level variable that hot reload adjusts.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
//
// New performs all initialisation synchronously: storage connection and
// migration, gateway connection, resolver and engine construction, command
// registration and the HTTP listener.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	// ── 2. Discord gateway ───────────────────────────────────────────────
	if err := a.initGateway(ctx); err != nil {
		a.closeAll()
		return nil, err
	}

	// ── 3. Engine ────────────────────────────────────────────────────────
	a.initEngine()

	// ── 4. Commands ──────────────────────────────────────────────────────
	if a.bot != nil {
		a.registerCommands()
	}

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	// ── 6. HTTP ──────────────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		a.closeAll()
		return nil, err
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.rawStore == nil {
		s, err := OpenStore(ctx, a.cfg.Storage)
		if err != nil {
			return err
		}
		a.rawStore = s
	}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "store"})
	a.store = resilience.NewGuardedStore(a.rawStore, cb, resilience.WithGuardMetrics(a.metrics))
	a.settings = store.NewSettings(a.store, a.cfg.Playback.MaxQueueSize, a.cfg.Discord.DJRoleID)
	return nil
}

func (a *App) initGateway(ctx context.Context) error {
	if a.platform != nil {
		if a.members == nil {
			return errors.New("app: an injected platform needs a member counter")
		}
		return nil
	}
	bot, err := discord.New(ctx, discord.Config{
		Token:   a.cfg.Discord.Token,
		GuildID: a.cfg.Discord.GuildID,
	})
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	slog.Info("discord bot connected", "guild_id", a.cfg.Discord.GuildID)
	a.bot = bot
	a.platform = bot.Platform()
	if a.members == nil {
		a.members = bot.Members()
	}
	if a.notifier == nil {
		a.notifier = bot.Notifier()
	}
	return nil
}

func (a *App) initEngine() {
	if a.resolver == nil {
		rc := a.cfg.Resolver
		a.resolver = youtube.New(youtube.Config{
			RateLimit:     rc.RateLimit,
			Burst:         rc.Burst,
			CacheTTL:      rc.CacheTTL,
			CacheSize:     rc.CacheSize,
			SearchResults: rc.SearchResults,
		}, youtube.WithMetrics(a.metrics))
	}
	if a.devices == nil {
		a.devices = ffmpeg.Factory(ffmpeg.WithBinary(a.cfg.Playback.FFmpegPath))
	}

	a.sessions = session.NewStore()

	vc := a.cfg.Voice
	a.voice = voice.NewManager(a.platform, voice.Config{
		MaxAttempts:    vc.MaxAttempts,
		AttemptTimeout: vc.AttemptTimeout,
		BackoffBase:    vc.BackoffBase,
		MaxDelay:       vc.MaxDelay,
		JitterMin:      vc.JitterMin,
		JitterMax:      vc.JitterMax,
	}, voice.WithMetrics(a.metrics))

	sources := source.New(a.store, a.resolver, source.WithMetrics(a.metrics))

	pc := a.cfg.Playback
	opts := []playback.Option{
		playback.WithConfig(playbackConfig(pc)),
		playback.WithClassifier(classifier(pc)),
		playback.WithPersistence(a.store),
		playback.WithSettings(a.settings),
		playback.WithPreferences(a.store),
		playback.WithMetrics(a.metrics),
	}
	if a.notifier != nil {
		opts = append(opts, playback.WithNotifier(a.notifier))
	}
	a.player = playback.New(a.sessions, a.voice, a.resolver, sources, a.devices, opts...)

	ropts := []reaper.Option{reaper.WithMetrics(a.metrics)}
	if a.notifier != nil {
		ropts = append(ropts, reaper.WithNotifier(a.notifier))
	}
	a.reaper = reaper.New(a.sessions, a.members, a.player, reaper.Config{
		Interval:    a.cfg.Reaper.Interval,
		IdleTimeout: a.cfg.Reaper.IdleTimeout,
	}, ropts...)
}

func (a *App) registerCommands() {
	router := a.bot.Router()
	commands.NewMusicCommands(router, commands.MusicConfig{
		Player:   a.player,
		Voice:    a.voice,
		Locator:  a.bot.Members(),
		Resolver: a.resolver,
		Perms:    discord.NewPermissionChecker(a.settings),
	})
	commands.NewSettingsCommands(router, a.store, a.settings)
}

func (a *App) initHTTP() error {
	checks := []health.Checker{health.Ping("store", a.store)}
	if a.bot != nil {
		checks = append(checks, health.Connected("discord", a.bot.Connected))
	}
	a.health = health.New(checks...)

	if a.cfg.Server.ListenAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Handler returns the HTTP handler serving /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Addr returns the bound HTTP address, or "" when the server is disabled.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Player returns the playback orchestrator.
func (a *App) Player() *playback.Orchestrator { return a.player }

// Voice returns the voice connection manager.
func (a *App) Voice() *voice.Manager { return a.voice }

// Reaper returns the idle reaper.
func (a *App) Reaper() *reaper.Reaper { return a.reaper }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// applyConfig is the watcher callback. Only log level, playback tuning and
// the idle timeout apply live; other changes are logged.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("config: log level changed", "level", d.NewLogLevel)
	}
	if d.PlaybackChanged {
		a.player.SetConfig(playbackConfig(new.Playback))
	}
	if d.IdleTimeoutChanged {
		a.reaper.SetIdleTimeout(new.Reaper.IdleTimeout)
		slog.Info("config: idle timeout changed", "idle_timeout", new.Reaper.IdleTimeout)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: changes require a restart", "sections", d.RestartRequired)
	}
	a.cfg = new
}

func playbackConfig(pc config.PlaybackConfig) playback.Config {
	return playback.Config{
		RetryDelay:    pc.RetryDelay,
		MaxRetries:    pc.MaxRetries,
		MaxQueueSize:  pc.MaxQueueSize,
		DefaultVolume: pc.DefaultVolume,
	}
}

func classifier(pc config.PlaybackConfig) playback.ThresholdClassifier {
	c := playback.DefaultClassifier()
	if pc.SilentFailureElapsed > 0 {
		c.Elapsed = pc.SilentFailureElapsed
	}
	if pc.SilentFailureMinDuration > 0 {
		c.MinDuration = pc.SilentFailureMinDuration
	}
	return c
}

// SlogLevel maps a config level to slog.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the background loops and blocks until ctx is cancelled or one
// of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.bot != nil {
		g.Go(func() error { return a.bot.Run(ctx) })
	}
	g.Go(func() error { return a.reaper.Run(ctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}
	if a.server != nil {
		g.Go(func() error {
			slog.Info("http server listening", "addr", a.Addr())
			if err := a.server.Serve(a.listener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: playback first, then voice
// connections, the gateway and finally storage. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		closers := a.closers()
		slog.Info("shutting down", "closers", len(closers))

		var errs []error
		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closers lists the teardown steps in order.
func (a *App) closers() []func() error {
	var cs []func() error
	if a.listener != nil {
		cs = append(cs, func() error {
			if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		})
	}
	if a.player != nil {
		cs = append(cs, a.player.Close)
	}
	if a.voice != nil {
		cs = append(cs, a.voice.Close)
	}
	if a.bot != nil {
		cs = append(cs, a.bot.Close)
	}
	if a.store != nil {
		cs = append(cs, a.store.Close)
	}
	return cs
}

// closeAll releases whatever New managed to create before failing.
func (a *App) closeAll() {
	for _, c := range a.closers() {
		_ = c()
	}
}
