// Package postgres is a PostgreSQL-backed [store.Store] built on a pgx
// connection pool.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, "postgres://encore@localhost/encore")
//	if err != nil { … }
//	defer s.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/encore/pkg/music"
	"github.com/MrWong99/encore/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store holds a single [pgxpool.Pool]. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// CachedLocalPath implements [music.Persistence].
func (s *Store) CachedLocalPath(ctx context.Context, url string) (string, bool, error) {
	var path string
	err := s.pool.QueryRow(ctx, `SELECT local_path FROM media_cache WHERE url = $1`, url).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres store: cached path: %w", err)
	}
	return path, true, nil
}

// SetCachedPath implements [store.Store].
func (s *Store) SetCachedPath(ctx context.Context, url, path string) error {
	const q = `
		INSERT INTO media_cache (url, local_path, cached_at)
		VALUES ($1, $2, now())
		ON CONFLICT (url) DO UPDATE
		    SET local_path = EXCLUDED.local_path,
		        cached_at  = EXCLUDED.cached_at`

	if _, err := s.pool.Exec(ctx, q, url, path); err != nil {
		return fmt.Errorf("postgres store: set cached path: %w", err)
	}
	return nil
}

// RecordPlay implements [music.Persistence].
func (s *Store) RecordPlay(ctx context.Context, guildID string, track music.Track) error {
	const q = `
		INSERT INTO play_history (guild_id, url, title, play_count, last_played)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (guild_id, url) DO UPDATE
		    SET play_count  = play_history.play_count + 1,
		        title       = EXCLUDED.title,
		        last_played = EXCLUDED.last_played`

	if _, err := s.pool.Exec(ctx, q, guildID, track.URL, track.Title); err != nil {
		return fmt.Errorf("postgres store: record play: %w", err)
	}
	return nil
}

// TopTracks implements [store.Store].
func (s *Store) TopTracks(ctx context.Context, guildID string, limit int) ([]store.PlayStat, error) {
	const q = `
		SELECT url, title, play_count, last_played
		FROM   play_history
		WHERE  guild_id = $1
		ORDER  BY play_count DESC, last_played DESC, url
		LIMIT  $2`

	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, q, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: top tracks: %w", err)
	}
	stats, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.PlayStat, error) {
		var st store.PlayStat
		err := row.Scan(&st.URL, &st.Title, &st.Plays, &st.LastPlayed)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan top tracks: %w", err)
	}
	if stats == nil {
		stats = []store.PlayStat{}
	}
	return stats, nil
}

// Preferences implements [music.PreferenceStore].
func (s *Store) Preferences(ctx context.Context, userID string) (music.Preferences, error) {
	var p music.Preferences
	err := s.pool.QueryRow(ctx,
		`SELECT volume, bass_boost FROM user_preferences WHERE user_id = $1`, userID,
	).Scan(&p.Volume, &p.BassBoost)
	if errors.Is(err, pgx.ErrNoRows) {
		return music.DefaultPreferences(), nil
	}
	if err != nil {
		return music.Preferences{}, fmt.Errorf("postgres store: preferences: %w", err)
	}
	return p, nil
}

// SetPreferences implements [music.PreferenceStore].
func (s *Store) SetPreferences(ctx context.Context, userID string, prefs music.Preferences) error {
	const q = `
		INSERT INTO user_preferences (user_id, volume, bass_boost, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE
		    SET volume     = EXCLUDED.volume,
		        bass_boost = EXCLUDED.bass_boost,
		        updated_at = EXCLUDED.updated_at`

	prefs = store.NormalizePreferences(prefs)
	if _, err := s.pool.Exec(ctx, q, userID, prefs.Volume, prefs.BassBoost); err != nil {
		return fmt.Errorf("postgres store: set preferences: %w", err)
	}
	return nil
}

// GuildSettings implements [store.Store].
func (s *Store) GuildSettings(ctx context.Context, guildID string) (store.GuildSettings, error) {
	gs := store.GuildSettings{GuildID: guildID}
	err := s.pool.QueryRow(ctx,
		`SELECT max_queue_size, dj_role_id FROM guild_settings WHERE guild_id = $1`, guildID,
	).Scan(&gs.MaxQueueSize, &gs.DJRoleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return gs, nil
	}
	if err != nil {
		return store.GuildSettings{}, fmt.Errorf("postgres store: guild settings: %w", err)
	}
	return gs, nil
}

// SaveGuildSettings implements [store.Store].
func (s *Store) SaveGuildSettings(ctx context.Context, gs store.GuildSettings) error {
	const q = `
		INSERT INTO guild_settings (guild_id, max_queue_size, dj_role_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (guild_id) DO UPDATE
		    SET max_queue_size = EXCLUDED.max_queue_size,
		        dj_role_id     = EXCLUDED.dj_role_id,
		        updated_at     = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, q, gs.GuildID, gs.MaxQueueSize, gs.DJRoleID); err != nil {
		return fmt.Errorf("postgres store: save guild settings: %w", err)
	}
	return nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
