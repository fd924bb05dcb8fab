package discord

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/encore/internal/session"
	"github.com/MrWong99/encore/pkg/music"
	"github.com/MrWong99/encore/pkg/store"
)

func queueOf(n int) []music.Track {
	tracks := make([]music.Track, n)
	for idx := range tracks {
		tracks[idx] = music.Track{Title: fmt.Sprintf("Track %d", idx+1), Duration: time.Minute}
	}
	return tracks
}

func TestNowPlayingEmbed(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	empty := NowPlayingEmbed(session.Session{}, now)
	if empty.Description != "Nothing is playing." {
		t.Errorf("empty description = %q", empty.Description)
	}

	sess := session.Session{
		State:    session.StatePaused,
		LoopMode: music.LoopQueue,
		Queue:    queueOf(2),
		NowPlaying: &music.NowPlaying{
			Track: music.Track{
				Title:        "Song",
				URL:          "https://www.youtube.com/watch?v=abc",
				Duration:     3 * time.Minute,
				ThumbnailURL: "https://i.ytimg.com/vi/abc/hqdefault.jpg",
				RequesterID:  "u1",
			},
			StartedAt: now.Add(-90 * time.Second),
		},
	}
	embed := NowPlayingEmbed(sess, now)
	if embed.Color != embedColorYellow {
		t.Errorf("paused color = %#x, want %#x", embed.Color, embedColorYellow)
	}
	if embed.Thumbnail == nil || embed.Thumbnail.URL != sess.NowPlaying.Track.ThumbnailURL {
		t.Error("thumbnail not set")
	}
	fields := map[string]string{}
	for _, f := range embed.Fields {
		fields[f.Name] = f.Value
	}
	want := map[string]string{
		"Progress":     "1:30 / 3:00",
		"Loop":         "queue",
		"Up Next":      "2",
		"Requested by": "<@u1>",
	}
	for name, v := range want {
		if fields[name] != v {
			t.Errorf("field %q = %q, want %q", name, fields[name], v)
		}
	}
}

func TestQueueEmbed(t *testing.T) {
	t.Parallel()

	sess := session.Session{Queue: queueOf(23)}

	tests := []struct {
		page      int
		wantFirst string
		wantLast  string
		footer    string
	}{
		{page: 1, wantFirst: "`1.` Track 1", wantLast: "`10.` Track 10", footer: "Page 1/3"},
		{page: 3, wantFirst: "`21.` Track 21", wantLast: "`23.` Track 23", footer: "Page 3/3"},
		{page: 9, wantFirst: "`21.` Track 21", wantLast: "`23.` Track 23", footer: "Page 3/3"},
		{page: 0, wantFirst: "`1.` Track 1", wantLast: "`10.` Track 10", footer: "Page 1/3"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("page %d", tt.page), func(t *testing.T) {
			t.Parallel()
			embed := QueueEmbed(sess, tt.page)
			lines := strings.Split(strings.TrimSpace(embed.Description), "\n")
			if !strings.HasPrefix(lines[0], tt.wantFirst) {
				t.Errorf("first line = %q, want prefix %q", lines[0], tt.wantFirst)
			}
			if !strings.HasPrefix(lines[len(lines)-1], tt.wantLast) {
				t.Errorf("last line = %q, want prefix %q", lines[len(lines)-1], tt.wantLast)
			}
			if !strings.HasPrefix(embed.Footer.Text, tt.footer) {
				t.Errorf("footer = %q, want prefix %q", embed.Footer.Text, tt.footer)
			}
			if !strings.Contains(embed.Footer.Text, "23:00 total") {
				t.Errorf("footer %q lacks total duration", embed.Footer.Text)
			}
		})
	}

	empty := QueueEmbed(session.Session{}, 1)
	if !strings.Contains(empty.Description, "The queue is empty.") {
		t.Errorf("empty queue description = %q", empty.Description)
	}
}

func TestQueueButtons(t *testing.T) {
	t.Parallel()

	if QueueButtons(QueuePageSize, 1) != nil {
		t.Error("single page should have no buttons")
	}

	rows := QueueButtons(25, 1)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0].(discordgo.ActionsRow)
	prev := row.Components[0].(discordgo.Button)
	next := row.Components[1].(discordgo.Button)
	if !prev.Disabled || next.Disabled {
		t.Errorf("page 1 buttons disabled = (%v, %v), want (true, false)", prev.Disabled, next.Disabled)
	}
	if next.CustomID != QueuePagePrefix+"2" {
		t.Errorf("next custom id = %q", next.CustomID)
	}
}

func TestStatsEmbed(t *testing.T) {
	t.Parallel()

	embed := StatsEmbed([]store.PlayStat{
		{URL: "https://a", Title: "A", Plays: 3},
		{URL: "https://b", Title: "B", Plays: 1},
	})
	if !strings.Contains(embed.Description, "`1.` [A](https://a) · 3 plays") {
		t.Errorf("description = %q", embed.Description)
	}
	if got := StatsEmbed(nil).Description; got != "Nothing has been played yet." {
		t.Errorf("empty description = %q", got)
	}
}
