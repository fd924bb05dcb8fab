package discord

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc is the signature for interaction handlers.
type HandlerFunc func(r Responder, i *discordgo.InteractionCreate)

type commandEntry struct {
	command *discordgo.ApplicationCommand
	handler HandlerFunc
}

// CommandRouter dispatches Discord interactions to registered handlers.
type CommandRouter struct {
	mu              sync.RWMutex
	commands        map[string]commandEntry // "command" or "command/subcommand"
	autocomplete    map[string]HandlerFunc  // same keys as commands
	componentPrefix map[string]HandlerFunc  // custom_id prefix
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		commands:        make(map[string]commandEntry),
		autocomplete:    make(map[string]HandlerFunc),
		componentPrefix: make(map[string]HandlerFunc),
	}
}

// RegisterCommand registers a handler for a slash command. The key format is
// "command" or "command/subcommand" (e.g., "settings/dj-role"). cmd is the
// top-level definition sent to Discord; it may be nil for subcommand keys
// whose parent was registered with a definition.
func (r *CommandRouter) RegisterCommand(key string, cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[key] = commandEntry{command: cmd, handler: handler}
}

// RegisterAutocomplete registers an autocomplete handler.
func (r *CommandRouter) RegisterAutocomplete(key string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autocomplete[key] = handler
}

// RegisterComponentPrefix registers a handler for every message component
// whose custom_id starts with prefix (e.g., "queue_page:" matches
// "queue_page:2").
func (r *CommandRouter) RegisterComponentPrefix(prefix string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.componentPrefix[prefix] = handler
}

// ApplicationCommands returns the deduplicated top-level command definitions.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var cmds []*discordgo.ApplicationCommand
	for _, entry := range r.commands {
		if entry.command != nil && !seen[entry.command.Name] {
			seen[entry.command.Name] = true
			cmds = append(cmds, entry.command)
		}
	}
	return cmds
}

// Handle dispatches an interaction to the appropriate handler.
func (r *CommandRouter) Handle(resp Responder, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		r.handleApplicationCommand(resp, i)
	case discordgo.InteractionApplicationCommandAutocomplete:
		r.handleAutocomplete(resp, i)
	case discordgo.InteractionMessageComponent:
		r.handleComponent(resp, i)
	default:
		slog.Warn("discord: unhandled interaction type", "type", i.Type)
	}
}

// interactionKey builds a router key from an ApplicationCommand interaction.
func interactionKey(data discordgo.ApplicationCommandInteractionData) string {
	key := data.Name
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		key += "/" + data.Options[0].Name
	}
	return key
}

func (r *CommandRouter) handleApplicationCommand(resp Responder, i *discordgo.InteractionCreate) {
	key := interactionKey(i.ApplicationCommandData())

	r.mu.RLock()
	entry, ok := r.commands[key]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("discord: unknown command", "key", key)
		RespondEphemeral(resp, i, "Unknown command.")
		return
	}
	entry.handler(resp, i)
}

func (r *CommandRouter) handleAutocomplete(resp Responder, i *discordgo.InteractionCreate) {
	key := interactionKey(i.ApplicationCommandData())

	r.mu.RLock()
	handler, ok := r.autocomplete[key]
	r.mu.RUnlock()

	if !ok {
		slog.Debug("discord: no autocomplete handler", "key", key)
		RespondChoices(resp, i, nil)
		return
	}
	handler(resp, i)
}

func (r *CommandRouter) handleComponent(resp Responder, i *discordgo.InteractionCreate) {
	customID := i.MessageComponentData().CustomID

	r.mu.RLock()
	var handler HandlerFunc
	for prefix, h := range r.componentPrefix {
		if strings.HasPrefix(customID, prefix) {
			handler = h
			break
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		slog.Warn("discord: unknown component", "custom_id", customID)
		RespondEphemeral(resp, i, "Unknown component.")
		return
	}
	handler(resp, i)
}
