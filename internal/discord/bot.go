// Package discord provides the Discord bot layer for Encore. It owns the
// discordgo.Session lifecycle, routes slash command interactions to
// registered handlers, gates queue control behind the DJ role and exposes the
// gateway state to the playback engine (voice platform, membership counts and
// chat notifications).
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/encore/pkg/audio"
	discordaudio "github.com/MrWong99/encore/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token without the "Bot " prefix.
	Token string

	// GuildID restricts command registration to one guild. Empty registers
	// commands globally.
	GuildID string
}

// Bot owns the Discord gateway connection and routes interactions
// to registered command handlers.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	members   *StateMembers
	notifier  *ChatNotifier
	router    *CommandRouter
	guildID   string
	commands  []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the interaction handler.
func New(_ context.Context, cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	session.State.TrackVoice = true

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session),
		members:  NewStateMembers(session.State),
		notifier: NewChatNotifier(session),
		router:   NewCommandRouter(),
		guildID:  cfg.GuildID,
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})

	return b, nil
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// Members returns the voice membership view of the gateway state.
func (b *Bot) Members() *StateMembers {
	return b.members
}

// Notifier returns the chat notifier used for playback notices.
func (b *Bot) Notifier() *ChatNotifier {
	return b.notifier
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Connected reports whether the gateway session has received its Ready
// event.
func (b *Bot) Connected() bool {
	b.mu.RLock()
	s := b.session
	b.mu.RUnlock()
	if s == nil {
		return false
	}
	s.RLock()
	defer s.RUnlock()
	return s.DataReady
}

// Run registers slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered), "guild_id", b.guildID)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close disconnects from Discord. Guild-scoped commands are unregistered;
// global commands are left in place since Discord propagates them slowly.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil && b.guildID != "" && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}

		slog.Info("discord bot closed")
	})
	return closeErr
}
