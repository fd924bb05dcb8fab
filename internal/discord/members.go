package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// StateMembers answers voice-channel membership questions from the gateway
// state cache. It requires the GuildVoiceStates intent.
type StateMembers struct {
	state *discordgo.State
}

// NewStateMembers wraps a gateway state cache.
func NewStateMembers(state *discordgo.State) *StateMembers {
	return &StateMembers{state: state}
}

// HumanMembers counts the members in channelID that are not bots. The bot's
// own voice state never counts.
func (m *StateMembers) HumanMembers(guildID, channelID string) (int, error) {
	guild, err := m.state.Guild(guildID)
	if err != nil {
		return 0, fmt.Errorf("discord: guild %s: %w", guildID, err)
	}

	selfID := ""
	if m.state.User != nil {
		selfID = m.state.User.ID
	}

	// Collect under the state lock; member lookups take it again.
	type occupant struct {
		userID string
		member *discordgo.Member
	}
	var occupants []occupant
	m.state.RLock()
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == selfID {
			continue
		}
		occupants = append(occupants, occupant{userID: vs.UserID, member: vs.Member})
	}
	m.state.RUnlock()

	humans := 0
	for _, o := range occupants {
		member := o.member
		if member == nil || member.User == nil {
			member, _ = m.state.Member(guildID, o.userID)
		}
		if member != nil && member.User != nil && member.User.Bot {
			continue
		}
		humans++
	}
	return humans, nil
}

// UserVoiceChannel returns the voice channel userID is connected to.
func (m *StateMembers) UserVoiceChannel(guildID, userID string) (string, bool) {
	vs, err := m.state.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}
