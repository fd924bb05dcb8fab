// Package storetest holds a conformance suite run against every
// [store.Store] implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/encore/pkg/music"
	"github.com/MrWong99/encore/pkg/store"
)

// Run exercises s. The store must be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("CachedPath", func(t *testing.T) {
		if _, ok, err := s.CachedLocalPath(ctx, "https://example.com/none"); err != nil || ok {
			t.Fatalf("CachedLocalPath(unknown) = ok=%v err=%v, want miss", ok, err)
		}
		if err := s.SetCachedPath(ctx, "https://example.com/a", "/cache/a.opus"); err != nil {
			t.Fatalf("SetCachedPath: %v", err)
		}
		if err := s.SetCachedPath(ctx, "https://example.com/a", "/cache/a2.opus"); err != nil {
			t.Fatalf("SetCachedPath overwrite: %v", err)
		}
		p, ok, err := s.CachedLocalPath(ctx, "https://example.com/a")
		if err != nil || !ok || p != "/cache/a2.opus" {
			t.Errorf("CachedLocalPath = (%q, %v, %v), want /cache/a2.opus", p, ok, err)
		}
	})

	t.Run("Preferences", func(t *testing.T) {
		p, err := s.Preferences(ctx, "user-unknown")
		if err != nil {
			t.Fatalf("Preferences: %v", err)
		}
		if p != music.DefaultPreferences() {
			t.Errorf("Preferences(unknown) = %+v, want defaults", p)
		}

		if err := s.SetPreferences(ctx, "user-1", music.Preferences{Volume: 0.8, BassBoost: true}); err != nil {
			t.Fatalf("SetPreferences: %v", err)
		}
		p, err = s.Preferences(ctx, "user-1")
		if err != nil {
			t.Fatalf("Preferences: %v", err)
		}
		if p.Volume != 0.8 || !p.BassBoost {
			t.Errorf("Preferences = %+v, want volume 0.8 bass boost", p)
		}

		if err := s.SetPreferences(ctx, "user-1", music.Preferences{Volume: 7}); err != nil {
			t.Fatalf("SetPreferences: %v", err)
		}
		p, _ = s.Preferences(ctx, "user-1")
		if p.Volume != 1 || p.BassBoost {
			t.Errorf("Preferences after clamp = %+v, want volume 1 no bass boost", p)
		}
	})

	t.Run("GuildSettings", func(t *testing.T) {
		gs, err := s.GuildSettings(ctx, "guild-none")
		if err != nil {
			t.Fatalf("GuildSettings: %v", err)
		}
		if gs != (store.GuildSettings{GuildID: "guild-none"}) {
			t.Errorf("GuildSettings(unknown) = %+v", gs)
		}

		want := store.GuildSettings{GuildID: "guild-1", MaxQueueSize: 25, DJRoleID: "role-dj"}
		if err := s.SaveGuildSettings(ctx, want); err != nil {
			t.Fatalf("SaveGuildSettings: %v", err)
		}
		want.MaxQueueSize = 30
		if err := s.SaveGuildSettings(ctx, want); err != nil {
			t.Fatalf("SaveGuildSettings update: %v", err)
		}
		got, err := s.GuildSettings(ctx, "guild-1")
		if err != nil {
			t.Fatalf("GuildSettings: %v", err)
		}
		if got != want {
			t.Errorf("GuildSettings = %+v, want %+v", got, want)
		}
	})

	t.Run("PlayHistory", func(t *testing.T) {
		track := func(n string) music.Track {
			return music.Track{Title: "Song " + n, URL: "https://example.com/" + n, Duration: 3 * time.Minute}
		}
		plays := []struct {
			guild string
			track music.Track
		}{
			{"guild-1", track("a")},
			{"guild-1", track("b")},
			{"guild-1", track("b")},
			{"guild-1", track("c")},
			{"guild-1", track("b")},
			{"guild-1", track("c")},
			{"guild-2", track("a")},
		}
		for _, p := range plays {
			if err := s.RecordPlay(ctx, p.guild, p.track); err != nil {
				t.Fatalf("RecordPlay: %v", err)
			}
		}

		top, err := s.TopTracks(ctx, "guild-1", 2)
		if err != nil {
			t.Fatalf("TopTracks: %v", err)
		}
		if len(top) != 2 {
			t.Fatalf("TopTracks returned %d entries, want 2", len(top))
		}
		if top[0].URL != "https://example.com/b" || top[0].Plays != 3 || top[0].Title != "Song b" {
			t.Errorf("top[0] = %+v, want b with 3 plays", top[0])
		}
		if top[1].URL != "https://example.com/c" || top[1].Plays != 2 {
			t.Errorf("top[1] = %+v, want c with 2 plays", top[1])
		}
		if top[0].LastPlayed.IsZero() {
			t.Error("LastPlayed not set")
		}

		other, err := s.TopTracks(ctx, "guild-2", 10)
		if err != nil {
			t.Fatalf("TopTracks: %v", err)
		}
		if len(other) != 1 || other[0].Plays != 1 {
			t.Errorf("guild-2 history = %+v, want one play of a", other)
		}

		none, err := s.TopTracks(ctx, "guild-empty", 10)
		if err != nil {
			t.Fatalf("TopTracks: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("empty guild history = %+v", none)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}
