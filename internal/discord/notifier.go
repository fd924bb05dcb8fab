package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/encore/pkg/music"
)

// MessageSender is the part of *discordgo.Session used to post channel
// messages.
type MessageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ MessageSender = (*discordgo.Session)(nil)

// ChatNotifier posts playback notices to guild text channels.
type ChatNotifier struct {
	sender MessageSender
}

var _ music.Notifier = (*ChatNotifier)(nil)

// NewChatNotifier returns a notifier that sends through sender.
func NewChatNotifier(sender MessageSender) *ChatNotifier {
	return &ChatNotifier{sender: sender}
}

// Notify implements [music.Notifier]. The request is bound to ctx.
func (n *ChatNotifier) Notify(ctx context.Context, guildID, channelID, message string) error {
	if channelID == "" {
		return errors.New("discord: notify: no text channel")
	}
	if _, err := n.sender.ChannelMessageSend(channelID, message, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: notify guild %s: %w", guildID, err)
	}
	return nil
}
