package discord

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Responder is the part of *discordgo.Session that interaction handlers use.
// Tests substitute mock.InteractionResponder.
type Responder interface {
	InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(i *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ Responder = (*discordgo.Session)(nil)

// Respond sends a public text response to an interaction.
func Respond(r Responder, i *discordgo.InteractionCreate, content string) {
	respond(r, i, &discordgo.InteractionResponseData{Content: content}, "response")
}

// RespondEphemeral sends an ephemeral text response to an interaction.
func RespondEphemeral(r Responder, i *discordgo.InteractionCreate, content string) {
	respond(r, i, &discordgo.InteractionResponseData{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	}, "ephemeral response")
}

// RespondEmbed sends a public embed response, optionally with button rows.
func RespondEmbed(r Responder, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, components ...discordgo.MessageComponent) {
	respond(r, i, &discordgo.InteractionResponseData{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: components,
	}, "embed response")
}

// UpdateEmbed replaces the message a component interaction originated from.
func UpdateEmbed(r Responder, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, components ...discordgo.MessageComponent) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: components,
		},
	})
	if err != nil {
		slog.Warn("discord: failed to update message", "err", err)
	}
}

// RespondError sends a formatted error response (ephemeral).
func RespondError(r Responder, i *discordgo.InteractionCreate, err error) {
	RespondEphemeral(r, i, fmt.Sprintf("Error: %v", err))
}

// DeferReply acknowledges a long-running command. The reply is public.
func DeferReply(r Responder, i *discordgo.InteractionCreate) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		slog.Warn("discord: failed to defer reply", "err", err)
	}
}

// FollowUp sends a follow-up message after a deferred response.
func FollowUp(r Responder, i *discordgo.InteractionCreate, content string) {
	_, err := r.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{Content: content})
	if err != nil {
		slog.Warn("discord: failed to send follow-up", "err", err)
	}
}

// FollowUpEmbed sends an embed follow-up message after a deferred response.
func FollowUpEmbed(r Responder, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	_, err := r.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	})
	if err != nil {
		slog.Warn("discord: failed to send embed follow-up", "err", err)
	}
}

// RespondChoices answers an autocomplete interaction.
func RespondChoices(r Responder, i *discordgo.InteractionCreate, choices []*discordgo.ApplicationCommandOptionChoice) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: choices},
	})
	if err != nil {
		slog.Warn("discord: failed to send autocomplete choices", "err", err)
	}
}

func respond(r Responder, i *discordgo.InteractionCreate, data *discordgo.InteractionResponseData, what string) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		slog.Warn("discord: failed to send "+what, "err", err)
	}
}
