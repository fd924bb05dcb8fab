// Package sqlite is a single-file [store.Store] backed by
// github.com/mattn/go-sqlite3. It suits single-instance deployments that do
// not want to run PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MrWong99/encore/pkg/music"
	"github.com/MrWong99/encore/pkg/store"
)

var _ store.Store = (*Store)(nil)

var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
}

var tables = []string{
	`CREATE TABLE IF NOT EXISTS media_cache (
		url TEXT PRIMARY KEY,
		local_path TEXT NOT NULL,
		cached_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS play_history (
		guild_id TEXT NOT NULL,
		url TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		play_count INTEGER NOT NULL DEFAULT 0,
		last_played INTEGER NOT NULL,
		PRIMARY KEY (guild_id, url)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_play_history_guild_count ON play_history (guild_id, play_count DESC)`,
	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id TEXT PRIMARY KEY,
		volume REAL NOT NULL,
		bass_boost INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS guild_settings (
		guild_id TEXT PRIMARY KEY,
		max_queue_size INTEGER NOT NULL DEFAULT 0,
		dj_role_id TEXT NOT NULL DEFAULT ''
	)`,
}

// Store wraps a *sql.DB. Timestamps are stored as Unix nanoseconds.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database file at path and migrates it.
// ":memory:" is accepted for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serialises
	// writers.
	db.SetMaxOpenConns(1)

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := migrate(initCtx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite store: %s: %w", p, err)
		}
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	defer tx.Rollback()
	for _, q := range tables {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite store: migrate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return nil
}

// CachedLocalPath implements [music.Persistence].
func (s *Store) CachedLocalPath(ctx context.Context, url string) (string, bool, error) {
	var path string
	err := s.db.QueryRowContext(ctx, "SELECT local_path FROM media_cache WHERE url = ?", url).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite store: cached path: %w", err)
	}
	return path, true, nil
}

// SetCachedPath implements [store.Store].
func (s *Store) SetCachedPath(ctx context.Context, url, path string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_cache (url, local_path, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET local_path = excluded.local_path, cached_at = excluded.cached_at`,
		url, path, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite store: set cached path: %w", err)
	}
	return nil
}

// RecordPlay implements [music.Persistence].
func (s *Store) RecordPlay(ctx context.Context, guildID string, track music.Track) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO play_history (guild_id, url, title, play_count, last_played) VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(guild_id, url) DO UPDATE SET
			play_count = play_count + 1,
			title = excluded.title,
			last_played = excluded.last_played`,
		guildID, track.URL, track.Title, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite store: record play: %w", err)
	}
	return nil
}

// TopTracks implements [store.Store].
func (s *Store) TopTracks(ctx context.Context, guildID string, limit int) ([]store.PlayStat, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, title, play_count, last_played FROM play_history
		WHERE guild_id = ?
		ORDER BY play_count DESC, last_played DESC, url
		LIMIT ?`, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: top tracks: %w", err)
	}
	defer rows.Close()

	stats := []store.PlayStat{}
	for rows.Next() {
		var (
			st   store.PlayStat
			last int64
		)
		if err := rows.Scan(&st.URL, &st.Title, &st.Plays, &last); err != nil {
			return nil, fmt.Errorf("sqlite store: scan top tracks: %w", err)
		}
		st.LastPlayed = time.Unix(0, last)
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: top tracks: %w", err)
	}
	return stats, nil
}

// Preferences implements [music.PreferenceStore].
func (s *Store) Preferences(ctx context.Context, userID string) (music.Preferences, error) {
	var p music.Preferences
	err := s.db.QueryRowContext(ctx,
		"SELECT volume, bass_boost FROM user_preferences WHERE user_id = ?", userID,
	).Scan(&p.Volume, &p.BassBoost)
	if errors.Is(err, sql.ErrNoRows) {
		return music.DefaultPreferences(), nil
	}
	if err != nil {
		return music.Preferences{}, fmt.Errorf("sqlite store: preferences: %w", err)
	}
	return p, nil
}

// SetPreferences implements [music.PreferenceStore].
func (s *Store) SetPreferences(ctx context.Context, userID string, prefs music.Preferences) error {
	prefs = store.NormalizePreferences(prefs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, volume, bass_boost) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET volume = excluded.volume, bass_boost = excluded.bass_boost`,
		userID, prefs.Volume, prefs.BassBoost)
	if err != nil {
		return fmt.Errorf("sqlite store: set preferences: %w", err)
	}
	return nil
}

// GuildSettings implements [store.Store].
func (s *Store) GuildSettings(ctx context.Context, guildID string) (store.GuildSettings, error) {
	gs := store.GuildSettings{GuildID: guildID}
	err := s.db.QueryRowContext(ctx,
		"SELECT max_queue_size, dj_role_id FROM guild_settings WHERE guild_id = ?", guildID,
	).Scan(&gs.MaxQueueSize, &gs.DJRoleID)
	if errors.Is(err, sql.ErrNoRows) {
		return gs, nil
	}
	if err != nil {
		return store.GuildSettings{}, fmt.Errorf("sqlite store: guild settings: %w", err)
	}
	return gs, nil
}

// SaveGuildSettings implements [store.Store].
func (s *Store) SaveGuildSettings(ctx context.Context, gs store.GuildSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, max_queue_size, dj_role_id) VALUES (?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET max_queue_size = excluded.max_queue_size, dj_role_id = excluded.dj_role_id`,
		gs.GuildID, gs.MaxQueueSize, gs.DJRoleID)
	if err != nil {
		return fmt.Errorf("sqlite store: save guild settings: %w", err)
	}
	return nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
