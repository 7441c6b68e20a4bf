package router

import (
	"context"
	"fmt"
	"strings"

	"chatrelay/internal/transport"
	logx "chatrelay/pkg/logx"
)

func (r *Router) routeChat(ctx context.Context, msg *transport.Message) {
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	m := *msg
	r.enqueue(ctx, nil, func() { r.handleChat(ctx, &m) })
}

func (r *Router) handleChat(ctx context.Context, msg *transport.Message) {
	r.registerSender(ctx, msg)

	opts := r.options()
	if !shouldRespond(msg, r.botUsername(), opts.Profile.BotName, opts.TriggerWords) {
		return
	}
	if r.deps.Responder == nil {
		return
	}
	if !r.limits.Allow(msg.ChatID) {
		r.log.Debug("reply rate limited", logx.Int64("chat_id", msg.ChatID), logx.Int64("from_id", msg.FromID))
		return
	}

	rctx, cancel := context.WithTimeout(ctx, opts.ReplyTimeout)
	defer cancel()
	text := r.deps.Responder.Respond(rctx, msg.FromID, msg.Text, msg.ChatKind, msg.DisplayName())
	if strings.TrimSpace(text) == "" {
		text = "I'm having trouble thinking of a response right now. Can you try rephrasing that? 🤔"
	}
	r.reply(ctx, transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, msg.ID, text, nil)
}

// shouldRespond decides whether a message is addressed to the bot. Private
// chats always are; group messages need an @mention, a reply to the bot,
// the bot's name or a trigger word.
func shouldRespond(msg *transport.Message, botUsername, botName string, triggers []string) bool {
	if msg.ChatKind == transport.ChatPrivate {
		return true
	}
	if msg.ReplyToBot {
		return true
	}
	text := strings.ToLower(msg.Text)
	if botUsername != "" && strings.Contains(text, "@"+strings.ToLower(botUsername)) {
		return true
	}
	if name := strings.ToLower(strings.TrimSpace(botName)); name != "" && strings.Contains(text, name) {
		return true
	}
	for _, w := range triggers {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func (r *Router) handleMember(ctx context.Context, mc transport.MemberChange) {
	if r.deps.Registry == nil {
		return
	}
	if !mc.Joined {
		r.deps.Registry.Deregister(ctx, mc.ChatID)
		r.log.Info("removed from group", logx.Int64("chat_id", mc.ChatID), logx.String("title", mc.ChatTitle))
		return
	}
	r.deps.Registry.Register(ctx, mc.ChatID, mc.ChatKind, mc.ChatTitle)
	r.log.Info("added to group", logx.Int64("chat_id", mc.ChatID), logx.String("title", mc.ChatTitle))

	welcome := fmt.Sprintf("Hey everyone! 👋\n\nThanks for adding me to the group! I'm %s, and I'm here to chat and have fun with you all.\n\nJust mention me or reply to my messages to start a conversation! 😊",
		r.options().Profile.BotName)
	r.reply(ctx, transport.ChatTarget{ChatID: mc.ChatID}, 0, welcome, nil)
}
