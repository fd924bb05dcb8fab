package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/encore/internal/session"
	"github.com/MrWong99/encore/pkg/music"
	"github.com/MrWong99/encore/pkg/store"
)

const (
	embedColorGreen  = 0x2ECC71
	embedColorYellow = 0xF1C40F
	embedColorBlue   = 0x3498DB

	// QueuePageSize is the number of upcoming tracks shown per queue page.
	QueuePageSize = 10

	// QueuePagePrefix prefixes the custom_id of queue paging buttons.
	QueuePagePrefix = "queue_page:"
)

// NowPlayingEmbed renders the current track with elapsed time.
func NowPlayingEmbed(sess session.Session, now time.Time) *discordgo.MessageEmbed {
	if sess.NowPlaying == nil {
		return &discordgo.MessageEmbed{
			Title:       "Now Playing",
			Description: "Nothing is playing.",
			Color:       embedColorYellow,
		}
	}
	np := sess.NowPlaying
	t := np.Track

	elapsed := now.Sub(np.StartedAt)
	if elapsed < 0 || np.StartedAt.IsZero() {
		elapsed = 0
	}
	progress := music.FormatDuration(elapsed)
	if t.Duration > 0 {
		if elapsed > t.Duration {
			elapsed = t.Duration
		}
		progress = music.FormatDuration(elapsed) + " / " + music.FormatDuration(t.Duration)
	} else if elapsed == 0 {
		progress = "live"
	}

	color := embedColorGreen
	if sess.State == session.StatePaused {
		color = embedColorYellow
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Progress", Value: progress, Inline: true},
		{Name: "Loop", Value: sess.LoopMode.String(), Inline: true},
		{Name: "Up Next", Value: fmt.Sprintf("%d", len(sess.Queue)), Inline: true},
	}
	if t.Uploader != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Uploader", Value: t.Uploader, Inline: true})
	}
	if t.RequesterID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Requested by", Value: "<@" + t.RequesterID + ">", Inline: true})
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Now Playing",
		Description: fmt.Sprintf("[%s](%s)", t.Title, t.URL),
		Color:       color,
		Fields:      fields,
		Footer:      &discordgo.MessageEmbedFooter{Text: sess.State.String()},
	}
	if t.ThumbnailURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: t.ThumbnailURL}
	}
	return embed
}

// QueuePages returns the number of pages needed to list queueLen tracks.
// An empty queue still has one page.
func QueuePages(queueLen int) int {
	if queueLen <= 0 {
		return 1
	}
	return (queueLen + QueuePageSize - 1) / QueuePageSize
}

// QueueEmbed renders page (1-based, clamped) of the guild's queue. The
// footer carries the total queued duration.
func QueueEmbed(sess session.Session, page int) *discordgo.MessageEmbed {
	pages := QueuePages(len(sess.Queue))
	page = min(max(page, 1), pages)

	var b strings.Builder
	if sess.NowPlaying != nil {
		fmt.Fprintf(&b, "**Now:** %s\n\n", sess.NowPlaying.Track)
	}
	if len(sess.Queue) == 0 {
		b.WriteString("The queue is empty.")
	}
	start := (page - 1) * QueuePageSize
	end := min(start+QueuePageSize, len(sess.Queue))
	for idx := start; idx < end; idx++ {
		fmt.Fprintf(&b, "`%d.` %s\n", idx+1, sess.Queue[idx])
	}

	total := music.TotalDuration(sess.Queue)
	return &discordgo.MessageEmbed{
		Title:       "Queue",
		Description: b.String(),
		Color:       embedColorBlue,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Page %d/%d · %d tracks · %s total · loop %s",
				page, pages, len(sess.Queue), music.FormatDuration(total), sess.LoopMode),
		},
	}
}

// QueueButtons returns the paging row for page, or nil when there is a single
// page.
func QueueButtons(queueLen, page int) []discordgo.MessageComponent {
	pages := QueuePages(queueLen)
	if pages <= 1 {
		return nil
	}
	page = min(max(page, 1), pages)
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "Previous",
				Style:    discordgo.SecondaryButton,
				CustomID: fmt.Sprintf("%s%d", QueuePagePrefix, page-1),
				Disabled: page <= 1,
			},
			discordgo.Button{
				Label:    "Next",
				Style:    discordgo.SecondaryButton,
				CustomID: fmt.Sprintf("%s%d", QueuePagePrefix, page+1),
				Disabled: page >= pages,
			},
		}},
	}
}

// StatsEmbed lists the most played tracks of a guild.
func StatsEmbed(stats []store.PlayStat) *discordgo.MessageEmbed {
	var b strings.Builder
	if len(stats) == 0 {
		b.WriteString("Nothing has been played yet.")
	}
	for idx, s := range stats {
		fmt.Fprintf(&b, "`%d.` [%s](%s) · %d plays\n", idx+1, s.Title, s.URL, s.Plays)
	}
	return &discordgo.MessageEmbed{
		Title:       "Most Played",
		Description: b.String(),
		Color:       embedColorBlue,
	}
}
