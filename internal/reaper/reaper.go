// Package reaper periodically releases voice connections that nobody is
// listening to.
//
// A guild's connection is released when its voice channel has no non-bot
// members left, or when the guild has been idle longer than the idle
// timeout. Guilds that are playing, paused or advancing are never touched.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/encore/internal/observe"
	"github.com/MrWong99/encore/internal/session"
	"github.com/MrWong99/encore/pkg/music"
)

// Defaults.
const (
	DefaultInterval    = 60 * time.Second
	DefaultIdleTimeout = 300 * time.Second
)

// Release reasons, also used as metric attribute values.
const (
	ReasonEmptyChannel = "empty_channel"
	ReasonIdle         = "idle"
)

// MemberCounter counts the non-bot members in a voice channel.
type MemberCounter interface {
	HumanMembers(guildID, channelID string) (int, error)
}

// Disconnector releases a guild's voice connection and session.
//
// DisconnectIdle must claim the guild only if it is not active and guard
// accepts it, call announce once claimed, and return [session.ErrBusy] when
// the guild was not released because it is in use.
type Disconnector interface {
	DisconnectIdle(ctx context.Context, guildID string, guard func(session.Session) (reason string, ok bool), announce func(context.Context)) error
}

// Config tunes the sweep. Zero values select the defaults.
type Config struct {
	Interval    time.Duration
	IdleTimeout time.Duration
}

// Option configures a [Reaper].
type Option func(*Reaper)

// WithNotifier sets where release notices are sent.
func WithNotifier(n music.Notifier) Option {
	return func(r *Reaper) { r.notifier = n }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// Reaper sweeps the session store.
type Reaper struct {
	store    *session.Store
	members  MemberCounter
	dc       Disconnector
	notifier music.Notifier
	metrics  *observe.Metrics
	now      func() time.Time

	interval    time.Duration
	idleTimeout atomic.Int64
}

// New creates a Reaper.
func New(store *session.Store, members MemberCounter, dc Disconnector, cfg Config, opts ...Option) *Reaper {
	r := &Reaper{
		store:    store,
		members:  members,
		dc:       dc,
		now:      time.Now,
		interval: cfg.Interval,
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	r.SetIdleTimeout(cfg.IdleTimeout)
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// IdleTimeout returns the current idle threshold.
func (r *Reaper) IdleTimeout() time.Duration {
	return time.Duration(r.idleTimeout.Load())
}

// SetIdleTimeout changes the idle threshold for subsequent sweeps. A
// non-positive d restores the default.
func (r *Reaper) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultIdleTimeout
	}
	r.idleTimeout.Store(int64(d))
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	slog.Info("reaper: started", "interval", r.interval, "idle_timeout", r.IdleTimeout())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep checks every guild once and returns the IDs it released.
func (r *Reaper) Sweep(ctx context.Context) []string {
	var released []string
	for _, guildID := range r.store.Guilds() {
		if ctx.Err() != nil {
			break
		}
		var snap session.Session
		if err := r.store.View(guildID, func(s session.Session) { snap = s }); err != nil {
			continue
		}
		if snap.Voice == nil {
			r.store.Evict(guildID)
			continue
		}
		if _, _, ok := r.check(snap); !ok {
			continue
		}
		if r.release(ctx, guildID) {
			released = append(released, guildID)
		}
	}
	return released
}

// check decides whether the guild in snap should be released.
func (r *Reaper) check(snap session.Session) (reason, message string, release bool) {
	if snap.Voice == nil || snap.State.Active() {
		return "", "", false
	}

	if r.members != nil {
		n, err := r.members.HumanMembers(snap.GuildID, snap.Voice.ChannelID())
		switch {
		case err != nil:
			slog.Warn("reaper: member count failed", "guild_id", snap.GuildID, "err", err)
		case n == 0:
			return ReasonEmptyChannel, "Leaving the voice channel because everyone left.", true
		}
	}

	if timeout := r.IdleTimeout(); r.now().Sub(snap.LastActivity) > timeout {
		return ReasonIdle, fmt.Sprintf("Leaving the voice channel after %s of inactivity.", timeout.Round(time.Second)), true
	}
	return "", "", false
}

// release re-checks the guild while claiming it, notifies, then disconnects.
func (r *Reaper) release(ctx context.Context, guildID string) bool {
	var reason, message, channelID string
	guard := func(s session.Session) (string, bool) {
		var ok bool
		reason, message, ok = r.check(s)
		channelID = s.TextChannelID
		return reason, ok
	}
	announce := func(ctx context.Context) {
		if r.notifier == nil {
			return
		}
		if err := r.notifier.Notify(ctx, guildID, channelID, message); err != nil {
			slog.Warn("reaper: notify failed", "guild_id", guildID, "err", err)
		}
	}

	err := r.dc.DisconnectIdle(ctx, guildID, guard, announce)
	switch {
	case errors.Is(err, session.ErrBusy):
		slog.Debug("reaper: guild in use, skipped", "guild_id", guildID)
		return false
	case err != nil:
		slog.Warn("reaper: disconnect failed", "guild_id", guildID, "reason", reason, "err", err)
		return false
	}
	r.metrics.RecordReaperRelease(ctx, reason)
	slog.Info("reaper: released connection", "guild_id", guildID, "reason", reason)
	return true
}
