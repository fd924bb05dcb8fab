package music

import "context"

// Resolver turns user queries into playable track metadata. Implementations
// own their caching and rate limiting; callers treat them as a black box with
// bounded latency.
type Resolver interface {
	// Resolve returns the best match for query, which may be a URL or free
	// text. Failures are returned as *[ResolutionError].
	Resolve(ctx context.Context, query string) (TrackMetadata, error)

	// Search returns up to maxResults candidates for query.
	Search(ctx context.Context, query string, maxResults int) ([]TrackMetadata, error)

	// StreamURL returns a direct, short-lived media URL for the track page
	// URL, suitable as transcoder input.
	StreamURL(ctx context.Context, url string) (string, error)
}

// Persistence is the best-effort media/history store. Failures must never
// abort playback.
type Persistence interface {
	// CachedLocalPath returns the path of a previously downloaded copy of url.
	CachedLocalPath(ctx context.Context, url string) (path string, ok bool, err error)

	// RecordPlay records that track started playing in guildID.
	RecordPlay(ctx context.Context, guildID string, track Track) error
}

// Notifier delivers user-facing messages to a guild's text channel.
// Delivery is fire-and-forget; errors are logged by the caller, never retried.
type Notifier interface {
	Notify(ctx context.Context, guildID, channelID, message string) error
}

// Settings exposes read-only per-guild configuration.
type Settings interface {
	// MaxQueueSize is the upper bound on queued tracks for guildID.
	MaxQueueSize(ctx context.Context, guildID string) int

	// DJRoleID returns the role required for queue-control commands.
	DJRoleID(ctx context.Context, guildID string) (roleID string, ok bool)
}

// PreferenceStore persists per-user [Preferences].
type PreferenceStore interface {
	Preferences(ctx context.Context, userID string) (Preferences, error)
	SetPreferences(ctx context.Context, userID string, prefs Preferences) error
}
