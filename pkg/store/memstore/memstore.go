// Package memstore is an in-process [store.Store] used for development and
// tests. Nothing survives a restart.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/encore/pkg/music"
	"github.com/MrWong99/encore/pkg/store"
)

var _ store.Store = (*Store)(nil)

type playKey struct {
	guildID string
	url     string
}

// Store keeps everything in maps guarded by a single mutex.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	paths    map[string]string
	plays    map[playKey]store.PlayStat
	prefs    map[string]music.Preferences
	settings map[string]store.GuildSettings
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		now:      time.Now,
		paths:    make(map[string]string),
		plays:    make(map[playKey]store.PlayStat),
		prefs:    make(map[string]music.Preferences),
		settings: make(map[string]store.GuildSettings),
	}
}

// CachedLocalPath implements [music.Persistence].
func (s *Store) CachedLocalPath(_ context.Context, url string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.paths[url]
	return p, ok, nil
}

// SetCachedPath implements [store.Store].
func (s *Store) SetCachedPath(_ context.Context, url, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[url] = path
	return nil
}

// RecordPlay implements [music.Persistence].
func (s *Store) RecordPlay(_ context.Context, guildID string, track music.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := playKey{guildID: guildID, url: track.URL}
	st := s.plays[k]
	st.URL = track.URL
	st.Title = track.Title
	st.Plays++
	st.LastPlayed = s.now()
	s.plays[k] = st
	return nil
}

// TopTracks implements [store.Store].
func (s *Store) TopTracks(_ context.Context, guildID string, limit int) ([]store.PlayStat, error) {
	s.mu.RLock()
	var out []store.PlayStat
	for k, st := range s.plays {
		if k.guildID == guildID {
			out = append(out, st)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b store.PlayStat) int {
		if c := cmp.Compare(b.Plays, a.Plays); c != 0 {
			return c
		}
		if c := b.LastPlayed.Compare(a.LastPlayed); c != 0 {
			return c
		}
		return cmp.Compare(a.URL, b.URL)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []store.PlayStat{}
	}
	return out, nil
}

// Preferences implements [music.PreferenceStore]. Unknown users get
// [music.DefaultPreferences].
func (s *Store) Preferences(_ context.Context, userID string) (music.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prefs[userID]; ok {
		return p, nil
	}
	return music.DefaultPreferences(), nil
}

// SetPreferences implements [music.PreferenceStore].
func (s *Store) SetPreferences(_ context.Context, userID string, prefs music.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[userID] = store.NormalizePreferences(prefs)
	return nil
}

// GuildSettings implements [store.Store].
func (s *Store) GuildSettings(_ context.Context, guildID string) (store.GuildSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if gs, ok := s.settings[guildID]; ok {
		return gs, nil
	}
	return store.GuildSettings{GuildID: guildID}, nil
}

// SaveGuildSettings implements [store.Store].
func (s *Store) SaveGuildSettings(_ context.Context, gs store.GuildSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[gs.GuildID] = gs
	return nil
}

// Ping implements [store.Store].
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store].
func (s *Store) Close() error { return nil }
