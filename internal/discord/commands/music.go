// Package commands implements the Encore slash command handlers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/encore/internal/discord"
	"github.com/MrWong99/encore/internal/playback"
	"github.com/MrWong99/encore/internal/session"
	"github.com/MrWong99/encore/internal/voice"
	"github.com/MrWong99/encore/pkg/music"
)

const (
	// playTimeout bounds resolution plus voice acquisition, which includes
	// the reconnect backoff schedule.
	playTimeout = 90 * time.Second

	// commandTimeout bounds every other playback command.
	commandTimeout = 10 * time.Second

	autocompleteTimeout = 2500 * time.Millisecond
	autocompleteResults = 10
)

// Player is the playback surface the commands drive. It is satisfied by
// *playback.Orchestrator.
type Player interface {
	Play(ctx context.Context, req playback.PlayRequest) (playback.PlayResult, error)
	Skip(ctx context.Context, guildID string) (music.Track, error)
	Stop(ctx context.Context, guildID string) error
	Pause(ctx context.Context, guildID string) error
	Resume(ctx context.Context, guildID string) error
	SetLoopMode(ctx context.Context, guildID string, mode music.LoopMode) error
	Shuffle(ctx context.Context, guildID string) error
	Remove(ctx context.Context, guildID string, index int) (music.Track, error)
	Move(ctx context.Context, guildID string, from, to int) error
	Clear(ctx context.Context, guildID string) (int, error)
	Snapshot(guildID string) (session.Session, error)
	Disconnect(ctx context.Context, guildID, reason string) error
}

var _ Player = (*playback.Orchestrator)(nil)

// VoiceStatus reports a guild's voice connection state.
type VoiceStatus interface {
	Status(guildID string) voice.Status
}

// VoiceLocator finds the voice channel a member is connected to.
type VoiceLocator interface {
	UserVoiceChannel(guildID, userID string) (string, bool)
}

// MusicCommands holds the dependencies of the playback slash commands.
type MusicCommands struct {
	player   Player
	voice    VoiceStatus
	locator  VoiceLocator
	resolver music.Resolver
	perms    *discord.PermissionChecker
	now      func() time.Time
}

// MusicConfig holds the dependencies for [NewMusicCommands].
type MusicConfig struct {
	Player   Player
	Voice    VoiceStatus
	Locator  VoiceLocator
	Resolver music.Resolver // optional; enables /play autocomplete
	Perms    *discord.PermissionChecker
}

// NewMusicCommands creates MusicCommands and registers its handlers with
// router.
func NewMusicCommands(router *discord.CommandRouter, cfg MusicConfig) *MusicCommands {
	mc := &MusicCommands{
		player:   cfg.Player,
		voice:    cfg.Voice,
		locator:  cfg.Locator,
		resolver: cfg.Resolver,
		perms:    cfg.Perms,
		now:      time.Now,
	}
	mc.Register(router)
	return mc
}

// Register registers the playback commands with the router.
func (mc *MusicCommands) Register(router *discord.CommandRouter) {
	for _, def := range mc.Definitions() {
		router.RegisterCommand(def.Name, def, mc.handler(def.Name))
	}
	if mc.resolver != nil {
		router.RegisterAutocomplete("play", mc.autocompletePlay)
	}
	router.RegisterComponentPrefix(discord.QueuePagePrefix, mc.handleQueuePage)
}

func (mc *MusicCommands) handler(name string) discord.HandlerFunc {
	switch name {
	case "play":
		return mc.handlePlay
	case "skip":
		return mc.djOnly(mc.handleSkip)
	case "stop":
		return mc.djOnly(mc.handleStop)
	case "pause":
		return mc.djOnly(mc.handlePause)
	case "resume":
		return mc.djOnly(mc.handleResume)
	case "loop":
		return mc.djOnly(mc.handleLoop)
	case "shuffle":
		return mc.djOnly(mc.handleShuffle)
	case "clear":
		return mc.djOnly(mc.handleClear)
	case "remove":
		return mc.djOnly(mc.handleRemove)
	case "move":
		return mc.djOnly(mc.handleMove)
	case "leave":
		return mc.djOnly(mc.handleLeave)
	case "queue":
		return mc.handleQueue
	case "nowplaying":
		return mc.handleNowPlaying
	case "status":
		return mc.handleStatus
	}
	return func(r discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(r, i, "Unknown command.")
	}
}

func (mc *MusicCommands) djOnly(h discord.HandlerFunc) discord.HandlerFunc {
	return func(r discord.Responder, i *discordgo.InteractionCreate) {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if !mc.perms.IsDJ(ctx, i) {
			discord.RespondEphemeral(r, i, "You need the DJ role to use this command.")
			return
		}
		h(r, i)
	}
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (mc *MusicCommands) Definitions() []*discordgo.ApplicationCommand {
	minPos := 1.0
	return []*discordgo.ApplicationCommand{
		{
			Name:        "play",
			Description: "Play a song or add it to the queue",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:         discordgo.ApplicationCommandOptionString,
				Name:         "query",
				Description:  "A YouTube URL or search terms",
				Required:     true,
				Autocomplete: mc.resolver != nil,
			}},
		},
		{Name: "skip", Description: "Skip the current track"},
		{Name: "stop", Description: "Stop playback and clear the queue"},
		{Name: "pause", Description: "Pause the current track"},
		{Name: "resume", Description: "Resume the paused track"},
		{
			Name:        "loop",
			Description: "Set the loop mode",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "mode",
				Description: "What to repeat",
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "Off", Value: music.LoopOff.String()},
					{Name: "Current track", Value: music.LoopSingle.String()},
					{Name: "Whole queue", Value: music.LoopQueue.String()},
				},
			}},
		},
		{Name: "shuffle", Description: "Shuffle the queue"},
		{Name: "clear", Description: "Remove every queued track"},
		{
			Name:        "remove",
			Description: "Remove a track from the queue",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "position",
				Description: "Queue position (1 is next)",
				Required:    true,
				MinValue:    &minPos,
			}},
		},
		{
			Name:        "move",
			Description: "Move a track within the queue",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "from",
					Description: "Current queue position",
					Required:    true,
					MinValue:    &minPos,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "to",
					Description: "New queue position",
					Required:    true,
					MinValue:    &minPos,
				},
			},
		},
		{Name: "leave", Description: "Stop playback and leave the voice channel"},
		{
			Name:        "queue",
			Description: "Show the queue",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "page",
				Description: "Page number",
				MinValue:    &minPos,
			}},
		},
		{Name: "nowplaying", Description: "Show the current track"},
		{Name: "status", Description: "Show the voice connection status"},
	}
}

func (mc *MusicCommands) handlePlay(r discord.Responder, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, "This command only works in a server.")
		return
	}
	query := strings.TrimSpace(stringOption(i, "query"))
	if query == "" {
		discord.RespondEphemeral(r, i, "Tell me what to play.")
		return
	}
	userID := interactionUserID(i)
	channelID, ok := mc.locator.UserVoiceChannel(i.GuildID, userID)
	if !ok {
		discord.RespondEphemeral(r, i, "Join a voice channel first.")
		return
	}

	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
	defer cancel()

	res, err := mc.player.Play(ctx, playback.PlayRequest{
		GuildID:        i.GuildID,
		VoiceChannelID: channelID,
		TextChannelID:  i.ChannelID,
		RequesterID:    userID,
		Query:          query,
	})
	if err != nil {
		slog.Info("discord: play failed", "guild_id", i.GuildID, "query", query, "err", err)
		discord.FollowUp(r, i, mc.playFailure(i.GuildID, err))
		return
	}
	if res.Started {
		discord.FollowUp(r, i, fmt.Sprintf("Now playing **%s**.", res.Track))
		return
	}
	discord.FollowUp(r, i, fmt.Sprintf("Queued **%s** at position %d.", res.Track, res.Position))
}

func (mc *MusicCommands) playFailure(guildID string, err error) string {
	var ce *music.ConnectionError
	if errors.As(err, &ce) {
		if st := mc.voice.Status(guildID); st.Kind == voice.Connecting {
			return fmt.Sprintf("Could not join voice yet: %s.", st)
		}
		return "Could not join your voice channel. Try again in a moment."
	}
	if errors.Is(err, playback.ErrClosed) {
		return "The player is shutting down."
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "That took too long. Try again."
	}
	return fmt.Sprintf("Could not play that: %s.", music.Summary(err))
}

func (mc *MusicCommands) handleSkip(r discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	t, err := mc.player.Skip(ctx, i.GuildID)
	if err != nil {
		respondPlaybackErr(r, i, err)
		return
	}
	if t.Title == "" {
		discord.Respond(r, i, "Skipped.")
		return
	}
	discord.Respond(r, i, fmt.Sprintf("Skipped **%s**.", t.Title))
}

func (mc *MusicCommands) handleStop(r discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := mc.player.Stop(ctx, i.GuildID); err != nil {
		respondPlaybackErr(r, i, err)
		return
	}
	discord.Respond(r, i, "Stopped playback and cleared the queue.")
}

func (mc *MusicCommands) handlePause(r discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := mc.player.Pause(ctx, i.GuildID); err != nil {
		respondPlaybackErr(r, i, err)
		return
	}
	discord.Respond(r, i, "Paused.")
}

func (mc *MusicCommands) handleResume(r discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := mc.player.Resume(ctx, i.GuildID); err != nil {
		respondPlaybackErr(r, i, err)
		return
	}
	discord.Respond(r, i, "Resumed.")
}

func (mc *MusicCommands) handleLoop(r discord.Responder, i *discordgo.InteractionCreate) {
	mode, err := music.ParseLoopMode(stringOption(i, "mode"))
	if err != nil {
		discord.RespondEphemeral(r, i, "Unknown loop mode. Use off, single or queue.")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := mc.player.SetLoopMode(ctx, i.GuildID, mode); err != nil {
		respondPlaybackErr(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf("Loop mode set to **%s**.", mode))
}

func (mc *MusicCommands) handleShuffle(r discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := mc.player.Shuffle(ctx, i.GuildID); err != nil {
		respondPlaybackErr(r, i, err)
		return
	}
	discord.Respond(r, i, "Shuffled the queue.")
}

func (mc *MusicCommands) handleClear(r discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	n, err := mc.player.Clear(ctx, i.GuildID)
	if err != nil {
		respondPlaybackErr(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf("Removed %d tracks from the queue.", n))
}

func (mc *MusicCommands) handleRemove(r discord.Responder, i *discordgo.InteractionCreate) {
	pos, ok := intOption(i, "position")
	if !ok {
		discord.RespondEphemeral(r, i, "Give a queue position.")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	t, err := mc.player.Remove(ctx, i.GuildID, int(pos)-1)
	if err != nil {
		respondPlaybackErr(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf("Removed **%s**.", t.Title))
}

func (mc *MusicCommands) handleMove(r discord.Responder, i *discordgo.InteractionCreate) {
	from, okFrom := intOption(i, "from")
	to, okTo := intOption(i, "to")
	if !okFrom || !okTo {
		discord.RespondEphemeral(r, i, "Give both queue positions.")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := mc.player.Move(ctx, i.GuildID, int(from)-1, int(to)-1); err != nil {
		respondPlaybackErr(r, i, err)
		return
	}
	discord.Respond(r, i, fmt.Sprintf("Moved track %d to position %d.", from, to))
}

func (mc *MusicCommands) handleLeave(r discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := mc.player.Disconnect(ctx, i.GuildID, "leave command"); err != nil {
		discord.RespondError(r, i, err)
		return
	}
	discord.Respond(r, i, "Left the voice channel.")
}

func (mc *MusicCommands) handleQueue(r discord.Responder, i *discordgo.InteractionCreate) {
	page := 1
	if p, ok := intOption(i, "page"); ok {
		page = int(p)
	}
	sess, err := mc.player.Snapshot(i.GuildID)
	if err != nil && !errors.Is(err, playback.ErrNoSession) {
		discord.RespondError(r, i, err)
		return
	}
	discord.RespondEmbed(r, i, discord.QueueEmbed(sess, page), discord.QueueButtons(len(sess.Queue), page)...)
}

func (mc *MusicCommands) handleQueuePage(r discord.Responder, i *discordgo.InteractionCreate) {
	page, err := strconv.Atoi(strings.TrimPrefix(i.MessageComponentData().CustomID, discord.QueuePagePrefix))
	if err != nil {
		discord.RespondEphemeral(r, i, "Invalid page.")
		return
	}
	sess, err := mc.player.Snapshot(i.GuildID)
	if err != nil && !errors.Is(err, playback.ErrNoSession) {
		discord.RespondError(r, i, err)
		return
	}
	discord.UpdateEmbed(r, i, discord.QueueEmbed(sess, page), discord.QueueButtons(len(sess.Queue), page)...)
}

func (mc *MusicCommands) handleNowPlaying(r discord.Responder, i *discordgo.InteractionCreate) {
	sess, err := mc.player.Snapshot(i.GuildID)
	if err != nil && !errors.Is(err, playback.ErrNoSession) {
		discord.RespondError(r, i, err)
		return
	}
	discord.RespondEmbed(r, i, discord.NowPlayingEmbed(sess, mc.now()))
}

func (mc *MusicCommands) handleStatus(r discord.Responder, i *discordgo.InteractionCreate) {
	st := mc.voice.Status(i.GuildID)
	msg := "Voice: " + st.String()
	if st.Kind == voice.Connected && st.ChannelID != "" {
		msg += fmt.Sprintf(" to <#%s>", st.ChannelID)
	}
	if sess, err := mc.player.Snapshot(i.GuildID); err == nil {
		msg += fmt.Sprintf("\nPlayback: %s, %d queued, loop %s", sess.State, len(sess.Queue), sess.LoopMode)
	}
	discord.RespondEphemeral(r, i, msg)
}

func (mc *MusicCommands) autocompletePlay(r discord.Responder, i *discordgo.InteractionCreate) {
	query := strings.TrimSpace(stringOption(i, "query"))
	if len(query) < 3 {
		discord.RespondChoices(r, i, nil)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), autocompleteTimeout)
	defer cancel()
	hits, err := mc.resolver.Search(ctx, query, autocompleteResults)
	if err != nil {
		slog.Debug("discord: autocomplete search failed", "query", query, "err", err)
		discord.RespondChoices(r, i, nil)
		return
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(hits))
	for _, h := range hits {
		// Choice values are capped at 100 characters; page URLs fit.
		if h.URL == "" || len(h.URL) > 100 {
			continue
		}
		name := h.Title
		if h.Duration > 0 {
			name = fmt.Sprintf("%s (%s)", h.Title, music.FormatDuration(h.Duration))
		}
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: truncate(name, 100), Value: h.URL})
	}
	discord.RespondChoices(r, i, choices)
}

// respondPlaybackErr maps orchestrator errors to ephemeral replies.
func respondPlaybackErr(r discord.Responder, i *discordgo.InteractionCreate, err error) {
	switch {
	case errors.Is(err, playback.ErrNoSession), errors.Is(err, playback.ErrNothingPlaying):
		discord.RespondEphemeral(r, i, "Nothing is playing.")
	case errors.Is(err, playback.ErrNotPaused):
		discord.RespondEphemeral(r, i, "Playback is not paused.")
	case errors.Is(err, playback.ErrInvalidPosition):
		discord.RespondEphemeral(r, i, "There is no track at that position.")
	default:
		discord.RespondError(r, i, err)
	}
}
