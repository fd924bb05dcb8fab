package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMediaCache = `
CREATE TABLE IF NOT EXISTS media_cache (
    url         TEXT         PRIMARY KEY,
    local_path  TEXT         NOT NULL,
    cached_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlPlayHistory = `
CREATE TABLE IF NOT EXISTS play_history (
    guild_id     TEXT         NOT NULL,
    url          TEXT         NOT NULL,
    title        TEXT         NOT NULL DEFAULT '',
    play_count   INTEGER      NOT NULL DEFAULT 0,
    last_played  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (guild_id, url)
);

CREATE INDEX IF NOT EXISTS idx_play_history_guild_count
    ON play_history (guild_id, play_count DESC);
`

const ddlPreferences = `
CREATE TABLE IF NOT EXISTS user_preferences (
    user_id     TEXT              PRIMARY KEY,
    volume      DOUBLE PRECISION  NOT NULL,
    bass_boost  BOOLEAN           NOT NULL DEFAULT FALSE,
    updated_at  TIMESTAMPTZ       NOT NULL DEFAULT now()
);
`

const ddlGuildSettings = `
CREATE TABLE IF NOT EXISTS guild_settings (
    guild_id        TEXT         PRIMARY KEY,
    max_queue_size  INTEGER      NOT NULL DEFAULT 0,
    dj_role_id      TEXT         NOT NULL DEFAULT '',
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates all tables and indexes. It is idempotent and safe to call
// on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlMediaCache, ddlPlayHistory, ddlPreferences, ddlGuildSettings} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
