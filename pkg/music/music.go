// Package music defines the domain model shared by every part of Encore: the
// immutable [Track] value, the [LoopMode] enum, per-user playback
// [Preferences], the error taxonomy, and the collaborator interfaces the
// playback engine consumes ([Resolver], [Persistence], [Notifier],
// [Settings], [PreferenceStore]).
//
// Concrete collaborators live in sub-packages (music/youtube) and in
// pkg/store. Test doubles are in music/mock.
package music

import (
	"fmt"
	"strings"
	"time"
)

// Track is a resolved, playable item. It is created once when resolution
// succeeds and never mutated afterwards; copies are passed by value and a
// given Track is held either by a queue slot or by the now-playing slot.
type Track struct {
	// Query is the raw user request that produced this track.
	Query string

	// Title is the human-readable title reported by the resolver.
	Title string

	// URL is the canonical page URL of the track. It keys play history and
	// the local media cache.
	URL string

	// Duration is the declared length. Zero means unknown (live streams).
	Duration time.Duration

	// ThumbnailURL is an optional artwork URL.
	ThumbnailURL string

	// Uploader is the channel or artist name.
	Uploader string

	// RequesterID is the platform user ID of the member who queued the track.
	RequesterID string

	// AddedAt is when the track was queued.
	AddedAt time.Time
}

// String returns "Title (m:ss)" or just the title when the duration is unknown.
func (t Track) String() string {
	if t.Duration <= 0 {
		return t.Title
	}
	return fmt.Sprintf("%s (%s)", t.Title, FormatDuration(t.Duration))
}

// TrackMetadata is what a [Resolver] returns. It becomes a [Track] once the
// requester and queue time are attached via [TrackMetadata.Track].
type TrackMetadata struct {
	Title        string
	URL          string
	Duration     time.Duration
	ThumbnailURL string
	Uploader     string
}

// Track builds an immutable [Track] for the given request.
func (m TrackMetadata) Track(query, requesterID string, addedAt time.Time) Track {
	return Track{
		Query:        query,
		Title:        m.Title,
		URL:          m.URL,
		Duration:     m.Duration,
		ThumbnailURL: m.ThumbnailURL,
		Uploader:     m.Uploader,
		RequesterID:  requesterID,
		AddedAt:      addedAt,
	}
}

// NowPlaying pairs the current track with the time playback started.
type NowPlaying struct {
	Track     Track
	StartedAt time.Time
}

// LoopMode controls what happens when a track finishes.
type LoopMode int

const (
	// LoopOff plays the queue once.
	LoopOff LoopMode = iota

	// LoopSingle replays the current track until the mode changes or the
	// track is skipped.
	LoopSingle

	// LoopQueue re-appends each finished track to the tail of the queue.
	LoopQueue
)

// String returns the lower-case name of the mode.
func (m LoopMode) String() string {
	switch m {
	case LoopOff:
		return "off"
	case LoopSingle:
		return "single"
	case LoopQueue:
		return "queue"
	default:
		return fmt.Sprintf("LoopMode(%d)", int(m))
	}
}

// IsValid reports whether m is one of the defined modes.
func (m LoopMode) IsValid() bool {
	return m >= LoopOff && m <= LoopQueue
}

// ParseLoopMode parses "off", "single" or "queue" (case-insensitive).
func ParseLoopMode(s string) (LoopMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none":
		return LoopOff, nil
	case "single", "song", "track":
		return LoopSingle, nil
	case "queue", "all":
		return LoopQueue, nil
	}
	return LoopOff, fmt.Errorf("music: unknown loop mode %q", s)
}

// DefaultVolume is the volume applied when a user has no stored preference.
const DefaultVolume = 0.5

// Preferences are the per-requester audio settings applied when a track is
// transcoded.
type Preferences struct {
	// Volume in the range [0, 1].
	Volume float64

	// BassBoost enables the bass-boost filter chain.
	BassBoost bool
}

// DefaultPreferences returns the preferences used for users without a stored
// record.
func DefaultPreferences() Preferences {
	return Preferences{Volume: DefaultVolume}
}

// ClampVolume limits v to [0, 1].
func ClampVolume(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// FormatDuration renders d as "m:ss" or "h:mm:ss". Unknown durations render
// as "live".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "live"
	}
	total := int(d.Round(time.Second) / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// TotalDuration sums the declared durations of tracks. Tracks with unknown
// duration contribute nothing.
func TotalDuration(tracks []Track) time.Duration {
	var total time.Duration
	for _, t := range tracks {
		if t.Duration > 0 {
			total += t.Duration
		}
	}
	return total
}
