package moderation

import (
	"strconv"
	"strings"
)

// Command is a parsed "/name[@bot] args..." message.
type Command struct {
	Name    string
	Bot     string
	Args    []string
	Payload string
}

// ParseCommand splits a slash command. ok is false for anything that does not
// start with '/'.
func ParseCommand(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return Command{}, false
	}
	head, payload, _ := strings.Cut(text[1:], " ")
	name, bot, _ := strings.Cut(head, "@")
	if name == "" {
		return Command{}, false
	}
	payload = strings.TrimSpace(payload)
	return Command{
		Name:    strings.ToLower(name),
		Bot:     bot,
		Args:    strings.Fields(payload),
		Payload: payload,
	}, true
}

func parseID(token string) (int64, bool) {
	id, err := strconv.ParseInt(token, 10, 64)
	return id, err == nil && id != 0
}

// resolveTarget picks the user a command acts on: a numeric first argument,
// otherwise the author of the replied-to message. rest is what remains for
// the reason.
func resolveTarget(args []string, replyTo int64) (target int64, rest []string, ok bool) {
	if len(args) > 0 {
		if id, ok := parseID(args[0]); ok {
			return id, args[1:], true
		}
	}
	if replyTo != 0 {
		return replyTo, args, true
	}
	return 0, args, false
}
