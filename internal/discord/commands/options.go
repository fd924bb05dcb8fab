package commands

import (
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// interactionUserID returns the invoking user's ID for guild and DM
// interactions alike.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// commandOptions returns the options of the invoked command, descending into
// a subcommand when present.
func commandOptions(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	opts := i.ApplicationCommandData().Options
	if len(opts) == 1 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return opts[0].Options
	}
	return opts
}

func findOption(i *discordgo.InteractionCreate, name string) *discordgo.ApplicationCommandInteractionDataOption {
	for _, opt := range commandOptions(i) {
		if opt.Name == name {
			return opt
		}
	}
	return nil
}

func stringOption(i *discordgo.InteractionCreate, name string) string {
	opt := findOption(i, name)
	if opt == nil {
		return ""
	}
	s, _ := opt.Value.(string)
	return s
}

func intOption(i *discordgo.InteractionCreate, name string) (int64, bool) {
	opt := findOption(i, name)
	if opt == nil {
		return 0, false
	}
	switch v := opt.Value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func boolOption(i *discordgo.InteractionCreate, name string) (bool, bool) {
	opt := findOption(i, name)
	if opt == nil {
		return false, false
	}
	b, ok := opt.Value.(bool)
	return b, ok
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
