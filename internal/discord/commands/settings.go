package commands

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/encore/internal/discord"
	"github.com/MrWong99/encore/pkg/music"
	"github.com/MrWong99/encore/pkg/store"
)

const (
	storeTimeout = 5 * time.Second
	statsLimit   = 10

	// maxQueueCeiling caps what admins may configure per guild.
	maxQueueCeiling = 1000
)

// Library is the storage surface used by the preference, stats and settings
// commands.
type Library interface {
	music.PreferenceStore
	GuildSettings(ctx context.Context, guildID string) (store.GuildSettings, error)
	SaveGuildSettings(ctx context.Context, s store.GuildSettings) error
	TopTracks(ctx context.Context, guildID string, limit int) ([]store.PlayStat, error)
}

// SettingsCommands holds the dependencies of /volume, /bassboost, /stats and
// /settings.
type SettingsCommands struct {
	lib      Library
	settings music.Settings
}

// NewSettingsCommands creates SettingsCommands and registers its handlers
// with router. settings supplies the effective per-guild values shown by
// /settings show.
func NewSettingsCommands(router *discord.CommandRouter, lib Library, settings music.Settings) *SettingsCommands {
	sc := &SettingsCommands{lib: lib, settings: settings}
	sc.Register(router)
	return sc
}

// Register registers the commands with the router.
func (sc *SettingsCommands) Register(router *discord.CommandRouter) {
	defs := sc.Definitions()
	router.RegisterCommand("volume", defs[0], sc.handleVolume)
	router.RegisterCommand("bassboost", defs[1], sc.handleBassBoost)
	router.RegisterCommand("stats", defs[2], sc.handleStats)
	router.RegisterCommand("settings/show", defs[3], sc.adminOnly(sc.handleShow))
	router.RegisterCommand("settings/max-queue", defs[3], sc.adminOnly(sc.handleMaxQueue))
	router.RegisterCommand("settings/dj-role", defs[3], sc.adminOnly(sc.handleDJRole))
}

// Definitions returns the ApplicationCommand definitions for Discord, in the
// order volume, bassboost, stats, settings.
func (sc *SettingsCommands) Definitions() []*discordgo.ApplicationCommand {
	zero, one := 0.0, 1.0
	manageGuild := int64(discordgo.PermissionManageGuild)
	return []*discordgo.ApplicationCommand{
		{
			Name:        "volume",
			Description: "Set your playback volume for tracks you request",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "percent",
				Description: "Volume from 0 to 100",
				Required:    true,
				MinValue:    &zero,
				MaxValue:    100,
			}},
		},
		{
			Name:        "bassboost",
			Description: "Toggle bass boost for tracks you request",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        "enabled",
				Description: "Whether bass boost is on",
				Required:    true,
			}},
		},
		{Name: "stats", Description: "Show the most played tracks in this server"},
		{
			Name:                     "settings",
			Description:              "Configure Encore for this server",
			DefaultMemberPermissions: &manageGuild,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "show",
					Description: "Show the current settings",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "max-queue",
					Description: "Set the maximum queue length",
					Options: []*discordgo.ApplicationCommandOption{{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "size",
						Description: "Maximum number of queued tracks",
						Required:    true,
						MinValue:    &one,
						MaxValue:    maxQueueCeiling,
					}},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "dj-role",
					Description: "Set or clear the role required to control playback",
					Options: []*discordgo.ApplicationCommandOption{{
						Type:        discordgo.ApplicationCommandOptionRole,
						Name:        "role",
						Description: "Leave empty to let everyone control playback",
					}},
				},
			},
		},
	}
}

func (sc *SettingsCommands) adminOnly(h discord.HandlerFunc) discord.HandlerFunc {
	return func(r discord.Responder, i *discordgo.InteractionCreate) {
		if i.GuildID == "" || !discord.IsAdmin(i) {
			discord.RespondEphemeral(r, i, "You need the Manage Server permission to change settings.")
			return
		}
		h(r, i)
	}
}

func (sc *SettingsCommands) handleVolume(r discord.Responder, i *discordgo.InteractionCreate) {
	pct, ok := intOption(i, "percent")
	if !ok {
		discord.RespondEphemeral(r, i, "Give a volume from 0 to 100.")
		return
	}
	vol := music.ClampVolume(float64(pct) / 100)
	prefs, err := sc.update(interactionUserID(i), func(p *music.Preferences) { p.Volume = vol })
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	discord.RespondEphemeral(r, i, fmt.Sprintf("Volume set to %d%%. It applies from your next track.", int(math.Round(prefs.Volume*100))))
}

func (sc *SettingsCommands) handleBassBoost(r discord.Responder, i *discordgo.InteractionCreate) {
	on, ok := boolOption(i, "enabled")
	if !ok {
		discord.RespondEphemeral(r, i, "Say whether bass boost should be on.")
		return
	}
	if _, err := sc.update(interactionUserID(i), func(p *music.Preferences) { p.BassBoost = on }); err != nil {
		discord.RespondError(r, i, err)
		return
	}
	state := "off"
	if on {
		state = "on"
	}
	discord.RespondEphemeral(r, i, fmt.Sprintf("Bass boost turned %s. It applies from your next track.", state))
}

func (sc *SettingsCommands) update(userID string, apply func(*music.Preferences)) (music.Preferences, error) {
	if userID == "" {
		return music.Preferences{}, fmt.Errorf("commands: unknown user")
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	prefs, err := sc.lib.Preferences(ctx, userID)
	if err != nil {
		return music.Preferences{}, fmt.Errorf("commands: load preferences: %w", err)
	}
	apply(&prefs)
	prefs = store.NormalizePreferences(prefs)
	if err := sc.lib.SetPreferences(ctx, userID, prefs); err != nil {
		return music.Preferences{}, fmt.Errorf("commands: save preferences: %w", err)
	}
	return prefs, nil
}

func (sc *SettingsCommands) handleStats(r discord.Responder, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, "This command only works in a server.")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	stats, err := sc.lib.TopTracks(ctx, i.GuildID, statsLimit)
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	discord.RespondEmbed(r, i, discord.StatsEmbed(stats))
}

func (sc *SettingsCommands) handleShow(r discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	var b strings.Builder
	fmt.Fprintf(&b, "**Max queue:** %d\n", sc.settings.MaxQueueSize(ctx, i.GuildID))
	if role, ok := sc.settings.DJRoleID(ctx, i.GuildID); ok && role != "" {
		fmt.Fprintf(&b, "**DJ role:** <@&%s>", role)
	} else {
		b.WriteString("**DJ role:** none (everyone can control playback)")
	}
	discord.RespondEphemeral(r, i, b.String())
}

func (sc *SettingsCommands) handleMaxQueue(r discord.Responder, i *discordgo.InteractionCreate) {
	size, ok := intOption(i, "size")
	if !ok || size < 1 || size > maxQueueCeiling {
		discord.RespondEphemeral(r, i, fmt.Sprintf("Give a size from 1 to %d.", maxQueueCeiling))
		return
	}
	err := sc.modify(i.GuildID, func(gs *store.GuildSettings) { gs.MaxQueueSize = int(size) })
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	discord.RespondEphemeral(r, i, fmt.Sprintf("Max queue size set to %d.", size))
}

func (sc *SettingsCommands) handleDJRole(r discord.Responder, i *discordgo.InteractionCreate) {
	role := stringOption(i, "role")
	err := sc.modify(i.GuildID, func(gs *store.GuildSettings) { gs.DJRoleID = role })
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}
	if role == "" {
		discord.RespondEphemeral(r, i, "DJ role cleared. The server default applies.")
		return
	}
	discord.RespondEphemeral(r, i, fmt.Sprintf("DJ role set to <@&%s>.", role))
}

func (sc *SettingsCommands) modify(guildID string, apply func(*store.GuildSettings)) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	gs, err := sc.lib.GuildSettings(ctx, guildID)
	if err != nil {
		return fmt.Errorf("commands: load settings: %w", err)
	}
	gs.GuildID = guildID
	apply(&gs)
	if err := sc.lib.SaveGuildSettings(ctx, gs); err != nil {
		return fmt.Errorf("commands: save settings: %w", err)
	}
	return nil
}
