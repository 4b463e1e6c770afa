// Package handler routes incoming Telegram fragments to the /imagine flow.
package handler

import (
	"strings"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"
)

// Command is a parsed bot command such as "/imagine@mybot a red fox".
type Command struct {
	Name    string // lower-case, without the slash
	Mention string // bot name after '@', if any
	Args    string
}

// ParseCommand reads a command from the start of text. ok is false when text
// does not begin with a slash command.
func ParseCommand(text string) (cmd Command, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, false
	}
	head, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		rest = head[i:] + " " + rest
		head = head[:i]
	}
	name := strings.TrimPrefix(head, "/")
	name, mention, _ := strings.Cut(name, "@")
	if name == "" {
		return Command{}, false
	}
	return Command{
		Name:    strings.ToLower(name),
		Mention: mention,
		Args:    strings.TrimSpace(rest),
	}, true
}

// Addressed reports whether a command in f is meant for this bot. Private
// chats always are; in groups the command must name the bot, either as
// /cmd@bot or with an @bot mention in the text.
func Addressed(f domain.Fragment, cmd Command, botUsername string) bool {
	if f.IsPrivate() {
		return true
	}
	bot := strings.TrimPrefix(botUsername, "@")
	if bot == "" {
		return false
	}
	if cmd.Mention != "" {
		return strings.EqualFold(cmd.Mention, bot)
	}
	return strings.Contains(strings.ToLower(f.Body()), "@"+strings.ToLower(bot))
}

// StripMention removes "@bot" tokens from a prompt.
func StripMention(prompt, botUsername string) string {
	bot := strings.TrimPrefix(botUsername, "@")
	if bot == "" || !strings.Contains(strings.ToLower(prompt), "@"+strings.ToLower(bot)) {
		return prompt
	}
	fields := strings.Fields(prompt)
	kept := fields[:0]
	for _, f := range fields {
		if strings.EqualFold(f, "@"+bot) {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}
