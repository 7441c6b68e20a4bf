package router

import (
	"fmt"
	"html"
	"strings"
	"unicode"

	"chatrelay/internal/transport"
)

// sanitizeCommand converts a name into a Telegram-safe bot command.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeCommand(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "/")
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if r == '_' || r == '-' || unicode.IsSpace(r) {
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
			continue
		}
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out == "" {
		return ""
	}
	// Telegram clients expect commands to start with a letter.
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
		if len(out) > 32 {
			out = strings.TrimRight(out[:32], "_")
		}
	}
	return out
}

// buildMenu lists public commands first, then owner-only ones, each in
// registration order.
func buildMenu(cmds []Command) []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(cmds))
	for _, pass := range []Access{AccessEveryone, AccessOwnerOnly} {
		for _, c := range cmds {
			if c.Access != pass {
				continue
			}
			desc := strings.TrimSpace(c.Description)
			if desc == "" {
				desc = c.Name
			}
			out = append(out, transport.BotCommand{Command: c.Name, Description: desc})
		}
	}
	return out
}

// helpText renders the command list in HTML parse mode. Owner-only
// commands are shown to owners only.
func helpText(p Profile, botUsername string, cmds []Command, owner bool) string {
	mention := "@" + botUsername
	if botUsername == "" {
		mention = "my name"
	}
	lines := []string{
		fmt.Sprintf("🤖 <b>%s</b> - Help", html.EscapeString(p.BotName)),
		"",
		"<b>What I can do:</b>",
		"• Have natural conversations with you",
		"• Respond in groups and private chats",
		"• Adapt to your language and tone",
		"• Remember our conversation context",
		"",
		"<b>Commands:</b>",
	}
	var locked []string
	for _, c := range cmds {
		row := "/" + c.Name
		if c.Usage != "" {
			row = "<code>" + html.EscapeString(c.Usage) + "</code>"
		}
		if d := strings.TrimSpace(c.Description); d != "" {
			row += " - " + html.EscapeString(d)
		}
		if c.Access == AccessOwnerOnly {
			locked = append(locked, "• 🔒 "+row)
			continue
		}
		lines = append(lines, "• "+row)
	}
	if owner && len(locked) > 0 {
		lines = append(lines, "", "<b>Owner commands:</b>")
		lines = append(lines, locked...)
	}
	lines = append(lines,
		"",
		"<b>Group usage:</b>",
		"• Mention me with "+html.EscapeString(mention),
		"• Reply to my messages",
		"",
		"Created with ❤️ by "+html.EscapeString(p.OwnerName),
	)
	return strings.Join(lines, "\n")
}
