// Package mock provides in-memory test doubles for the collaborator
// interfaces in package music.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	res := &mock.Resolver{Tracks: map[string]music.TrackMetadata{
//	    "song-a": {Title: "Song A", URL: "https://example.com/a", Duration: 3 * time.Minute},
//	}}
//
//	// inject res into the system under test …
//
//	if got := res.CallCount("Resolve"); got != 1 {
//	    t.Errorf("expected 1 Resolve call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/encore/pkg/music"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder is embedded by every mock.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// Resolver
// ─────────────────────────────────────────────────────────────────────────────

// Resolver is a configurable test double for [music.Resolver].
type Resolver struct {
	recorder

	// Tracks maps a query to its resolution. Queries not present resolve to a
	// *music.ResolutionError with reason NoResults.
	Tracks map[string]music.TrackMetadata

	// ResolveErr, when non-nil, is returned by every Resolve call.
	ResolveErr error

	// SearchResult is returned by Search (truncated to maxResults).
	SearchResult []music.TrackMetadata

	// StreamURLs maps a page URL to its stream URL. Missing entries return
	// StreamErr or, when that is nil, "<url>#stream".
	StreamURLs map[string]string

	// StreamErr is returned by StreamURL for unmapped URLs when non-nil.
	StreamErr error
}

// Resolve implements [music.Resolver].
func (m *Resolver) Resolve(_ context.Context, query string) (music.TrackMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Resolve", query)
	if m.ResolveErr != nil {
		return music.TrackMetadata{}, m.ResolveErr
	}
	md, ok := m.Tracks[query]
	if !ok {
		return music.TrackMetadata{}, &music.ResolutionError{Query: query, Reason: music.ResolutionNoResults}
	}
	return md, nil
}

// Search implements [music.Resolver].
func (m *Resolver) Search(_ context.Context, query string, maxResults int) ([]music.TrackMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Search", query, maxResults)
	out := m.SearchResult
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return append([]music.TrackMetadata(nil), out...), nil
}

// StreamURL implements [music.Resolver].
func (m *Resolver) StreamURL(_ context.Context, url string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("StreamURL", url)
	if s, ok := m.StreamURLs[url]; ok {
		return s, nil
	}
	if m.StreamErr != nil {
		return "", m.StreamErr
	}
	return url + "#stream", nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Persistence
// ─────────────────────────────────────────────────────────────────────────────

// Persistence is a configurable test double for [music.Persistence].
type Persistence struct {
	recorder

	// LocalPaths maps a track URL to a cached file path.
	LocalPaths map[string]string

	// CachedErr is returned by CachedLocalPath when non-nil.
	CachedErr error

	// RecordErr is returned by RecordPlay when non-nil.
	RecordErr error

	// Played records the URLs passed to RecordPlay in order.
	Played []string
}

// CachedLocalPath implements [music.Persistence].
func (m *Persistence) CachedLocalPath(_ context.Context, url string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CachedLocalPath", url)
	if m.CachedErr != nil {
		return "", false, m.CachedErr
	}
	p, ok := m.LocalPaths[url]
	return p, ok, nil
}

// RecordPlay implements [music.Persistence].
func (m *Persistence) RecordPlay(_ context.Context, guildID string, track music.Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecordPlay", guildID, track.URL)
	if m.RecordErr != nil {
		return m.RecordErr
	}
	m.Played = append(m.Played, track.URL)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Notifier
// ─────────────────────────────────────────────────────────────────────────────

// Message is a notification captured by [Notifier].
type Message struct {
	GuildID   string
	ChannelID string
	Text      string
}

// Notifier is a configurable test double for [music.Notifier].
type Notifier struct {
	recorder

	// Err is returned by Notify when non-nil. The message is still recorded.
	Err error

	messages []Message
}

// Notify implements [music.Notifier].
func (m *Notifier) Notify(_ context.Context, guildID, channelID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Notify", guildID, channelID, message)
	m.messages = append(m.messages, Message{GuildID: guildID, ChannelID: channelID, Text: message})
	return m.Err
}

// Messages returns a copy of all captured notifications.
func (m *Notifier) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Settings
// ─────────────────────────────────────────────────────────────────────────────

// Settings is a configurable test double for [music.Settings].
type Settings struct {
	recorder

	// MaxQueue is returned by MaxQueueSize. Zero means 100.
	MaxQueue int

	// DJRoles maps guild IDs to DJ role IDs.
	DJRoles map[string]string
}

// MaxQueueSize implements [music.Settings].
func (m *Settings) MaxQueueSize(_ context.Context, guildID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MaxQueueSize", guildID)
	if m.MaxQueue == 0 {
		return 100
	}
	return m.MaxQueue
}

// DJRoleID implements [music.Settings].
func (m *Settings) DJRoleID(_ context.Context, guildID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DJRoleID", guildID)
	id, ok := m.DJRoles[guildID]
	return id, ok
}

// ─────────────────────────────────────────────────────────────────────────────
// PreferenceStore
// ─────────────────────────────────────────────────────────────────────────────

// PreferenceStore is an in-memory [music.PreferenceStore].
type PreferenceStore struct {
	recorder

	// Prefs holds stored preferences by user ID.
	Prefs map[string]music.Preferences

	// Err is returned by both methods when non-nil.
	Err error
}

// Preferences implements [music.PreferenceStore].
func (m *PreferenceStore) Preferences(_ context.Context, userID string) (music.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Preferences", userID)
	if m.Err != nil {
		return music.Preferences{}, m.Err
	}
	if p, ok := m.Prefs[userID]; ok {
		return p, nil
	}
	return music.DefaultPreferences(), nil
}

// SetPreferences implements [music.PreferenceStore].
func (m *PreferenceStore) SetPreferences(_ context.Context, userID string, prefs music.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetPreferences", userID, prefs)
	if m.Err != nil {
		return m.Err
	}
	if m.Prefs == nil {
		m.Prefs = make(map[string]music.Preferences)
	}
	m.Prefs[userID] = prefs
	return nil
}

// Compile-time interface checks.
var (
	_ music.Resolver        = (*Resolver)(nil)
	_ music.Persistence     = (*Persistence)(nil)
	_ music.Notifier        = (*Notifier)(nil)
	_ music.Settings        = (*Settings)(nil)
	_ music.PreferenceStore = (*PreferenceStore)(nil)
)
