// Package store defines the persistence contract shared by Encore's storage
// backends: the best-effort media and play-history store the playback engine
// consumes, per-user audio preferences, and per-guild settings.
//
// Implementations live in sub-packages:
//
//   - [github.com/MrWong99/encore/pkg/store/postgres] (pgx connection pool)
//   - [github.com/MrWong99/encore/pkg/store/sqlite] (mattn/go-sqlite3)
//   - [github.com/MrWong99/encore/pkg/store/memstore] (process memory)
//
// All implementations are safe for concurrent use.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/encore/pkg/music"
)

// GuildSettings is the stored per-guild configuration. Zero fields mean
// "use the deployment default".
type GuildSettings struct {
	GuildID      string
	MaxQueueSize int
	DJRoleID     string
}

// PlayStat aggregates the play history of one track within a guild.
type PlayStat struct {
	URL        string
	Title      string
	Plays      int
	LastPlayed time.Time
}

// Store is implemented by every storage backend.
type Store interface {
	music.Persistence
	music.PreferenceStore

	// SetCachedPath registers a downloaded local copy of url.
	SetCachedPath(ctx context.Context, url, path string) error

	// GuildSettings returns the stored settings for guildID. A guild without
	// a record yields a zero GuildSettings with GuildID set and no error.
	GuildSettings(ctx context.Context, guildID string) (GuildSettings, error)

	// SaveGuildSettings upserts s.
	SaveGuildSettings(ctx context.Context, s GuildSettings) error

	// TopTracks returns up to limit tracks of guildID ordered by play count,
	// most played first.
	TopTracks(ctx context.Context, guildID string, limit int) ([]PlayStat, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// Settings adapts a [Store] to [music.Settings], falling back to deployment
// defaults when a guild has no record or the backend fails.
type Settings struct {
	store           Store
	defaultMaxQueue int
	defaultDJRole   string
}

var _ music.Settings = (*Settings)(nil)

// NewSettings returns a [music.Settings] view over s. defaultDJRole may be
// empty, meaning no role gate.
func NewSettings(s Store, defaultMaxQueue int, defaultDJRole string) *Settings {
	return &Settings{store: s, defaultMaxQueue: defaultMaxQueue, defaultDJRole: defaultDJRole}
}

// MaxQueueSize implements [music.Settings].
func (s *Settings) MaxQueueSize(ctx context.Context, guildID string) int {
	gs, err := s.store.GuildSettings(ctx, guildID)
	if err != nil {
		slog.Warn("store: load guild settings", "guild_id", guildID, "err", err)
		return s.defaultMaxQueue
	}
	if gs.MaxQueueSize > 0 {
		return gs.MaxQueueSize
	}
	return s.defaultMaxQueue
}

// DJRoleID implements [music.Settings].
func (s *Settings) DJRoleID(ctx context.Context, guildID string) (string, bool) {
	gs, err := s.store.GuildSettings(ctx, guildID)
	if err != nil {
		slog.Warn("store: load guild settings", "guild_id", guildID, "err", err)
	} else if gs.DJRoleID != "" {
		return gs.DJRoleID, true
	}
	return s.defaultDJRole, s.defaultDJRole != ""
}

// NormalizePreferences clamps the volume of p.
func NormalizePreferences(p music.Preferences) music.Preferences {
	p.Volume = music.ClampVolume(p.Volume)
	return p
}
