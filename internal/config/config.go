// Package config provides the configuration schema, loader and hot-reload
// watcher for the Encore music service.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StorageDriver selects the persistence backend.
type StorageDriver string

const (
	StoragePostgres StorageDriver = "postgres"
	StorageSQLite   StorageDriver = "sqlite"
	StorageMemory   StorageDriver = "memory"
)

// IsValid reports whether d is a supported driver.
func (d StorageDriver) IsValid() bool {
	switch d {
	case StoragePostgres, StorageSQLite, StorageMemory:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] and then overridden
// from ENCORE_* environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"   envPrefix:"SERVER_"`
	Discord  DiscordConfig  `yaml:"discord"  envPrefix:"DISCORD_"`
	Playback PlaybackConfig `yaml:"playback" envPrefix:"PLAYBACK_"`
	Voice    VoiceConfig    `yaml:"voice"    envPrefix:"VOICE_"`
	Reaper   ReaperConfig   `yaml:"reaper"   envPrefix:"REAPER_"`
	Resolver ResolverConfig `yaml:"resolver" envPrefix:"RESOLVER_"`
	Storage  StorageConfig  `yaml:"storage"  envPrefix:"STORAGE_"`
}

// ServerConfig holds logging and the HTTP listener for health and metrics.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health/metrics server (e.g.,
	// ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL"`
}

// DiscordConfig holds the bot credentials.
type DiscordConfig struct {
	// Token is the bot token. Prefer ENCORE_DISCORD_TOKEN over the file.
	Token string `yaml:"token" env:"TOKEN"`

	// GuildID registers slash commands to a single guild for fast iteration.
	// Empty registers them globally.
	GuildID string `yaml:"guild_id" env:"GUILD_ID"`

	// DJRoleID is the deployment-wide DJ role used when a guild has none
	// stored. Empty disables the gate.
	DJRoleID string `yaml:"dj_role_id" env:"DJ_ROLE_ID"`
}

// PlaybackConfig tunes the playback engine. Hot-reloadable.
type PlaybackConfig struct {
	MaxQueueSize             int           `yaml:"max_queue_size" env:"MAX_QUEUE_SIZE"`
	RetryDelay               time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	MaxRetries               int           `yaml:"max_retries" env:"MAX_RETRIES"`
	SilentFailureElapsed     time.Duration `yaml:"silent_failure_elapsed" env:"SILENT_FAILURE_ELAPSED"`
	SilentFailureMinDuration time.Duration `yaml:"silent_failure_min_duration" env:"SILENT_FAILURE_MIN_DURATION"`
	DefaultVolume            float64       `yaml:"default_volume" env:"DEFAULT_VOLUME"`
	FFmpegPath               string        `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
}

// VoiceConfig tunes voice connection acquisition.
type VoiceConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"`
	BackoffBase    float64       `yaml:"backoff_base" env:"BACKOFF_BASE"`
	MaxDelay       time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	JitterMin      float64       `yaml:"jitter_min" env:"JITTER_MIN"`
	JitterMax      float64       `yaml:"jitter_max" env:"JITTER_MAX"`
}

// ReaperConfig tunes the idle reaper. IdleTimeout is hot-reloadable.
type ReaperConfig struct {
	Interval    time.Duration `yaml:"interval" env:"INTERVAL"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// ResolverConfig tunes the YouTube resolver.
type ResolverConfig struct {
	RateLimit     float64       `yaml:"rate_limit" env:"RATE_LIMIT"`
	Burst         int           `yaml:"burst" env:"BURST"`
	CacheTTL      time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	CacheSize     int           `yaml:"cache_size" env:"CACHE_SIZE"`
	SearchResults int           `yaml:"search_results" env:"SEARCH_RESULTS"`
}

// StorageConfig selects and addresses the persistence backend.
type StorageConfig struct {
	Driver StorageDriver `yaml:"driver" env:"DRIVER"`

	// DSN is a PostgreSQL connection string or a SQLite file path.
	DSN string `yaml:"dsn" env:"DSN"`
}

// Default returns a config populated with the built-in defaults. YAML and
// environment values are applied on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Playback: PlaybackConfig{
			MaxQueueSize:             100,
			RetryDelay:               time.Second,
			MaxRetries:               1,
			SilentFailureElapsed:     1500 * time.Millisecond,
			SilentFailureMinDuration: 3 * time.Second,
			DefaultVolume:            0.5,
			FFmpegPath:               "ffmpeg",
		},
		Voice: VoiceConfig{
			MaxAttempts:    5,
			AttemptTimeout: 5 * time.Second,
			BackoffBase:    2,
			MaxDelay:       30 * time.Second,
			JitterMin:      0.8,
			JitterMax:      1.2,
		},
		Reaper: ReaperConfig{
			Interval:    60 * time.Second,
			IdleTimeout: 300 * time.Second,
		},
		Resolver: ResolverConfig{
			RateLimit:     5,
			Burst:         10,
			CacheTTL:      time.Hour,
			CacheSize:     1024,
			SearchResults: 10,
		},
		Storage: StorageConfig{
			Driver: StorageMemory,
		},
	}
}
