package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ENCORE_DISCORD_TOKEN.
const EnvPrefix = "ENCORE_"

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
// With no arguments it loads ".env".
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config]. An empty path skips the file
// and builds the config from defaults and environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over [Default], applies ENCORE_* environment overrides
// and validates the result. Unknown YAML keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}

	if cfg.Discord.Token == "" {
		add("discord.token is required (set %sDISCORD_TOKEN)", EnvPrefix)
	}

	p := cfg.Playback
	if p.MaxQueueSize <= 0 {
		add("playback.max_queue_size must be positive, got %d", p.MaxQueueSize)
	}
	if p.RetryDelay < 0 {
		add("playback.retry_delay must not be negative, got %s", p.RetryDelay)
	}
	if p.MaxRetries < 0 {
		add("playback.max_retries must not be negative, got %d", p.MaxRetries)
	}
	if p.SilentFailureElapsed < 0 || p.SilentFailureMinDuration < 0 {
		add("playback.silent_failure_* thresholds must not be negative")
	}
	if p.DefaultVolume < 0 || p.DefaultVolume > 1 {
		add("playback.default_volume %.2f is out of range [0, 1]", p.DefaultVolume)
	}

	v := cfg.Voice
	if v.MaxAttempts < 1 {
		add("voice.max_attempts must be at least 1, got %d", v.MaxAttempts)
	}
	if v.AttemptTimeout <= 0 {
		add("voice.attempt_timeout must be positive, got %s", v.AttemptTimeout)
	}
	if v.BackoffBase <= 1 {
		add("voice.backoff_base must be greater than 1, got %g", v.BackoffBase)
	}
	if v.MaxDelay <= 0 {
		add("voice.max_delay must be positive, got %s", v.MaxDelay)
	}
	if v.JitterMin <= 0 || v.JitterMax < v.JitterMin {
		add("voice.jitter_min/jitter_max must satisfy 0 < min <= max, got %g/%g", v.JitterMin, v.JitterMax)
	}

	if cfg.Reaper.Interval <= 0 {
		add("reaper.interval must be positive, got %s", cfg.Reaper.Interval)
	}
	if cfg.Reaper.IdleTimeout <= 0 {
		add("reaper.idle_timeout must be positive, got %s", cfg.Reaper.IdleTimeout)
	}

	if cfg.Resolver.RateLimit < 0 {
		add("resolver.rate_limit must not be negative, got %g", cfg.Resolver.RateLimit)
	}
	if cfg.Resolver.CacheSize < 0 {
		add("resolver.cache_size must not be negative, got %d", cfg.Resolver.CacheSize)
	}

	switch {
	case !cfg.Storage.Driver.IsValid():
		add("storage.driver %q is invalid; valid values: postgres, sqlite, memory", cfg.Storage.Driver)
	case cfg.Storage.Driver != StorageMemory && cfg.Storage.DSN == "":
		add("storage.dsn is required for driver %q (set %sSTORAGE_DSN)", cfg.Storage.Driver, EnvPrefix)
	}

	return errors.Join(errs...)
}
