package discord

import (
	"context"
	"slices"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/encore/pkg/music"
)

// PermissionChecker gates queue-control commands behind the per-guild DJ
// role.
type PermissionChecker struct {
	settings music.Settings
}

// NewPermissionChecker creates a PermissionChecker that reads DJ roles from
// settings.
func NewPermissionChecker(settings music.Settings) *PermissionChecker {
	return &PermissionChecker{settings: settings}
}

// IsAdmin reports whether the interaction author may manage the guild.
func IsAdmin(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	const mask = discordgo.PermissionAdministrator | discordgo.PermissionManageGuild
	return i.Member.Permissions&mask != 0
}

// IsDJ reports whether the interaction author may control playback in the
// guild. Guilds without a configured DJ role allow everyone; administrators
// always pass. Interactions outside a guild never pass.
func (p *PermissionChecker) IsDJ(ctx context.Context, i *discordgo.InteractionCreate) bool {
	if i.Member == nil || i.GuildID == "" {
		return false
	}
	if IsAdmin(i) {
		return true
	}
	roleID, ok := p.settings.DJRoleID(ctx, i.GuildID)
	if !ok || roleID == "" {
		return true
	}
	return slices.Contains(i.Member.Roles, roleID)
}
