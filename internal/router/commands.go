package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"chatrelay/internal/broadcast"
	"chatrelay/internal/inference"
	"chatrelay/internal/registry"
	"chatrelay/internal/transport"
)

const (
	viewChatFetch    = 20
	viewChatShow     = 10
	viewChatPreview  = 100
	viewChatMaxChars = 4000
	viewChatCutAt    = 3900
	activeUsersShow  = 20
)

func (r *Router) builtinCommands() []Command {
	return []Command{
		{Name: "start", Description: "Get started with me", Handle: r.cmdStart},
		{Name: "help", Aliases: []string{"h"}, Description: "Show this help message", Handle: r.cmdHelp},
		{Name: "info", Description: "Learn more about me", Handle: r.cmdInfo},
		{Name: "verify_owner", Description: "Check whether you are the owner", Handle: r.cmdVerifyOwner},

		{Name: "broadcast", Usage: "/broadcast <message>", Description: "Send to all users and groups",
			Access: AccessOwnerOnly, Timeout: -1, Handle: r.broadcastHandler(broadcast.TargetAll)},
		{Name: "broadcast_users", Usage: "/broadcast_users <message>", Description: "Send to private chats only",
			Access: AccessOwnerOnly, Timeout: -1, Handle: r.broadcastHandler(broadcast.TargetUsers)},
		{Name: "broadcast_groups", Usage: "/broadcast_groups <message>", Description: "Send to groups only",
			Access: AccessOwnerOnly, Timeout: -1, Handle: r.broadcastHandler(broadcast.TargetGroups)},
		{Name: "send_to", Usage: "/send_to <chat_id> <message>", Description: "Send to one chat",
			Access: AccessOwnerOnly, Handle: r.cmdSendTo},
		{Name: "stats", Description: "View bot statistics", Access: AccessOwnerOnly, Handle: r.cmdStats},
		{Name: "view_chat", Usage: "/view_chat <user_id>", Description: "View a user's chat history",
			Access: AccessOwnerOnly, Handle: r.cmdViewChat},
		{Name: "active_users", Description: "List users with chat history", Access: AccessOwnerOnly, Handle: r.cmdActiveUsers},
		{Name: "ai_status", Description: "Inference backend status", Access: AccessOwnerOnly, Handle: r.cmdAIStatus},
	}
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	p := r.options().Profile
	var text string
	if req.Message.ChatKind == transport.ChatPrivate {
		name := req.Message.DisplayName()
		if name == "" {
			name = "friend"
		}
		text = fmt.Sprintf("Hey %s! 👋\n\nI'm %s, created by %s. I'm here to chat with you.\n\nAsk me anything, share your thoughts, or just chat! 😊",
			name, p.BotName, p.OwnerName)
	} else {
		text = fmt.Sprintf("Hey everyone! 👋\n\nI'm %s, and I'm excited to be part of this group! Mention me or reply to my messages if you want to chat. 🎉",
			p.BotName)
	}
	r.reply(ctx, req.Chat, req.Message.ID, text, nil)
	return nil
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	opts := r.options()
	text := helpText(opts.Profile, r.botUsername(), r.Commands(), isOwner(req.FromID, opts.Owners))
	r.replyHTML(ctx, req, text)
	return nil
}

func (r *Router) cmdInfo(ctx context.Context, req *Request) error {
	p := r.options().Profile
	lines := []string{
		fmt.Sprintf("ℹ️ <b>About %s</b>", html.EscapeString(p.BotName)),
		"",
		"<b>Name:</b> " + html.EscapeString(p.BotName),
		"<b>Creator:</b> " + html.EscapeString(p.OwnerName),
	}
	if p.GroupName != "" {
		lines = append(lines, "<b>Group:</b> "+html.EscapeString(p.GroupName))
	}
	if p.Personality != "" {
		lines = append(lines, "<b>Personality:</b> "+html.EscapeString(p.Personality))
	}
	if p.Version != "" {
		lines = append(lines, "<b>Version:</b> "+html.EscapeString(p.Version))
	}
	lines = append(lines, "<b>Status:</b> Online and ready! 🟢")
	r.replyHTML(ctx, req, strings.Join(lines, "\n"))
	return nil
}

func (r *Router) cmdVerifyOwner(ctx context.Context, req *Request) error {
	opts := r.options()
	if isOwner(req.FromID, opts.Owners) {
		r.replyHTML(ctx, req, fmt.Sprintf("✅ <b>Owner Verified!</b>\n\n👤 <b>Your ID:</b> %d\n🤖 <b>Bot:</b> %s\n\n🔧 You have full access to all owner commands. Use /help to see them.",
			req.FromID, html.EscapeString(opts.Profile.BotName)))
		return nil
	}
	r.replyHTML(ctx, req, fmt.Sprintf("❌ <b>Access Denied</b>\n\nYour ID: %d\n\nOnly %s can use owner commands.",
		req.FromID, html.EscapeString(opts.Profile.OwnerName)))
	return nil
}

func actorOf(req *Request) broadcast.Actor {
	return broadcast.Actor{ID: req.FromID, Username: req.Message.FromUsername, ChatID: req.Chat.ChatID}
}

func (r *Router) broadcastHandler(tt broadcast.TargetType) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if r.deps.Broadcast == nil {
			r.reply(ctx, req.Chat, req.Message.ID, "Broadcasting is not available.", nil)
			return nil
		}
		if strings.TrimSpace(req.Args) == "" {
			r.replyHTML(ctx, req, fmt.Sprintf("📢 <b>Usage:</b>\n\n<code>/%s Your message here</code>", req.Command))
			return nil
		}
		rec, err := r.deps.Broadcast.Broadcast(ctx, actorOf(req), req.Args, tt)
		if err != nil {
			return err
		}
		r.replyHTML(ctx, req, broadcastSummary(rec))
		return nil
	}
}

func broadcastSummary(rec broadcast.Record) string {
	res := rec.Result
	title := "Broadcast Complete!"
	switch rec.TargetType {
	case broadcast.TargetUsers:
		title = "User Broadcast Complete!"
	case broadcast.TargetGroups:
		title = "Group Broadcast Complete!"
	}
	lines := []string{
		"📢 <b>" + title + "</b>",
		"",
		fmt.Sprintf("✅ Sent to: %d chats", res.Succeeded),
		fmt.Sprintf("❌ Failed: %d chats", res.Failed),
	}
	if rec.TargetType != broadcast.TargetGroups {
		lines = append(lines, fmt.Sprintf("👤 Users reached: %d", res.ByKind[transport.ChatPrivate]))
	}
	if rec.TargetType != broadcast.TargetUsers {
		lines = append(lines, fmt.Sprintf("👥 Groups reached: %d", res.ByKind[transport.ChatGroup]))
	}
	if n := len(res.Deregister); n > 0 {
		lines = append(lines, fmt.Sprintf("🧹 Removed: %d chats", n))
	}
	lines = append(lines, fmt.Sprintf("⏱ Took: %s", rec.Took.Round(time.Millisecond)))
	return strings.Join(lines, "\n")
}

// splitIDArg parses "<id> rest".
func splitIDArg(args string) (int64, string, error) {
	args = strings.TrimSpace(args)
	head, rest := args, ""
	if i := strings.IndexFunc(args, unicode.IsSpace); i >= 0 {
		head, rest = args[:i], strings.TrimSpace(args[i+1:])
	}
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, "", err
	}
	return id, rest, nil
}

func (r *Router) cmdSendTo(ctx context.Context, req *Request) error {
	if r.deps.Broadcast == nil {
		r.reply(ctx, req.Chat, req.Message.ID, "Sending is not available.", nil)
		return nil
	}
	usage := "📤 <b>Send to a specific chat:</b>\n\n<code>/send_to CHAT_ID Your message here</code>\n\nExample: <code>/send_to 123456789 Hello there!</code>"
	if strings.TrimSpace(req.Args) == "" {
		r.replyHTML(ctx, req, usage)
		return nil
	}
	id, text, err := splitIDArg(req.Args)
	if err != nil {
		r.reply(ctx, req.Chat, req.Message.ID, "❌ Invalid chat ID. Please use numbers only.", nil)
		return nil
	}
	if text == "" {
		r.replyHTML(ctx, req, usage)
		return nil
	}

	switch err := r.deps.Broadcast.SendTo(ctx, actorOf(req), id, text); {
	case err == nil:
		r.reply(ctx, req.Chat, req.Message.ID, fmt.Sprintf("✅ Message sent to %d", id), nil)
	case transport.IsGone(err):
		r.reply(ctx, req.Chat, req.Message.ID, fmt.Sprintf("❌ Chat %d is unreachable and was removed from the registry.", id), nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		r.reply(ctx, req.Chat, req.Message.ID, fmt.Sprintf("❌ Timed out sending to %d.", id), nil)
	default:
		r.reply(ctx, req.Chat, req.Message.ID, fmt.Sprintf("❌ Failed to send to %d. Try again later.", id), nil)
	}
	return nil
}

func (r *Router) cmdStats(ctx context.Context, req *Request) error {
	lines := []string{"📊 <b>Bot Statistics</b>", ""}
	if r.deps.Registry != nil {
		s := r.deps.Registry.Stats()
		lines = append(lines,
			fmt.Sprintf("👤 <b>Users:</b> %d", s.TotalUsers),
			fmt.Sprintf("👥 <b>Groups:</b> %d", s.GroupChats),
			fmt.Sprintf("💬 <b>Private Chats:</b> %d", s.PrivateChats),
			fmt.Sprintf("🔥 <b>Active Today:</b> %d", s.ActiveToday),
			fmt.Sprintf("📈 <b>New This Week:</b> %d", s.NewThisWeek),
		)
	}
	if r.deps.History != nil {
		s := r.deps.History.Stats()
		lines = append(lines, "",
			fmt.Sprintf("🧠 <b>Contexts:</b> %d (%d active)", s.TotalContexts, s.ActiveContexts),
			fmt.Sprintf("📝 <b>Messages:</b> %d (avg %.1f)", s.TotalMessages, s.AvgPerContext),
		)
	}
	if r.deps.Broadcast != nil {
		s := r.deps.Broadcast.Stats()
		lines = append(lines, "",
			fmt.Sprintf("📢 <b>Broadcasts:</b> %d", s.TotalBroadcasts),
			fmt.Sprintf("🎯 <b>Avg Success:</b> %.2f%%", s.AvgSuccessRate),
		)
		if !s.LastBroadcast.IsZero() {
			lines = append(lines, "🕒 <b>Last:</b> "+s.LastBroadcast.Format("2006-01-02 15:04"))
		}
	}
	r.replyHTML(ctx, req, strings.Join(lines, "\n"))
	return nil
}

func (r *Router) userLabel(id int64) string {
	if r.deps.Registry == nil {
		return fmt.Sprintf("User %d", id)
	}
	u, ok := r.deps.Registry.User(id)
	if !ok {
		return "Unknown User"
	}
	parts := make([]string, 0, 3)
	if u.FirstName != "" {
		parts = append(parts, u.FirstName)
	}
	if u.LastName != "" {
		parts = append(parts, u.LastName)
	}
	if u.Username != "" {
		parts = append(parts, "(@"+u.Username+")")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("User %d", id)
	}
	return strings.Join(parts, " ")
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func (r *Router) cmdViewChat(ctx context.Context, req *Request) error {
	if r.deps.History == nil {
		return nil
	}
	id, _, err := splitIDArg(req.Args)
	if strings.TrimSpace(req.Args) == "" {
		r.replyHTML(ctx, req, "👁️ <b>View user chat history:</b>\n\n<code>/view_chat USER_ID</code>\n\nUse /active_users to see who has history available.")
		return nil
	}
	if err != nil {
		r.reply(ctx, req.Chat, req.Message.ID, "❌ Invalid user ID. Please use numbers only.", nil)
		return nil
	}

	history := r.deps.History.Snapshot(id, viewChatFetch)
	if len(history) == 0 {
		r.reply(ctx, req.Chat, req.Message.ID, fmt.Sprintf("❌ No chat history found for user %d", id), nil)
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "💬 <b>Chat History: %s</b>\n", html.EscapeString(r.userLabel(id)))
	fmt.Fprintf(&b, "📊 <b>User ID:</b> %d\n", id)
	fmt.Fprintf(&b, "📝 <b>Messages:</b> %d\n\n", len(history))
	shown := history
	if len(shown) > viewChatShow {
		shown = shown[len(shown)-viewChatShow:]
	}
	for _, m := range shown {
		icon := "👤"
		if m.Role == inference.RoleAssistant {
			icon = "🤖"
		}
		fmt.Fprintf(&b, "%s <b>%s</b>\n%s\n\n", icon, m.Timestamp.Format("2006-01-02 15:04"), html.EscapeString(clip(m.Content, viewChatPreview)))
	}

	text := b.String()
	if utf8.RuneCountInString(text) > viewChatMaxChars {
		text = string([]rune(text)[:viewChatCutAt]) + "\n\n✂️ <i>Chat history truncated...</i>"
	}
	r.replyHTML(ctx, req, text)
	return nil
}

func (r *Router) cmdActiveUsers(ctx context.Context, req *Request) error {
	if r.deps.History == nil {
		return nil
	}
	ids := r.deps.History.ActiveUsers()
	if len(ids) == 0 {
		r.reply(ctx, req.Chat, req.Message.ID, "📭 No users have active chat histories.", nil)
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "👥 <b>Active Chat Users (%d)</b>\n\n", len(ids))
	for _, id := range ids[:min(len(ids), activeUsersShow)] {
		fmt.Fprintf(&b, "👤 <code>%d</code> - %s\n", id, html.EscapeString(r.userLabel(id)))
		fmt.Fprintf(&b, "   💬 %d messages\n\n", len(r.deps.History.Snapshot(id, 0)))
	}
	if len(ids) > activeUsersShow {
		fmt.Fprintf(&b, "... and %d more users\n", len(ids)-activeUsersShow)
	}
	b.WriteString("\n💡 Use <code>/view_chat USER_ID</code> to see specific conversations")
	r.replyHTML(ctx, req, b.String())
	return nil
}

func (r *Router) cmdAIStatus(ctx context.Context, req *Request) error {
	if r.deps.AI == nil {
		r.reply(ctx, req.Chat, req.Message.ID, "Inference is not configured.", nil)
		return nil
	}
	s := r.deps.AI.Stats()
	state := "🟢 closed"
	if s.CircuitOpen {
		state = "🔴 open until " + s.ResetAt.Format("15:04:05")
	}
	lines := []string{
		"🧠 <b>AI Status</b>",
		"",
		"<b>Circuit:</b> " + state,
		fmt.Sprintf("<b>Failures:</b> %d/%d", s.FailureCount, s.MaxFailures),
		fmt.Sprintf("<b>Keys:</b> %d (current <code>%s</code>)", s.Keys, html.EscapeString(s.CurrentKey)),
		fmt.Sprintf("<b>Calls:</b> %d", s.Calls),
		fmt.Sprintf("<b>Rejected:</b> %d", s.Rejected),
		fmt.Sprintf("<b>Failed:</b> %d", s.Failures),
		fmt.Sprintf("<b>Key rotations:</b> %d", s.Rotations),
	}
	r.replyHTML(ctx, req, strings.Join(lines, "\n"))
	return nil
}

var _ Registry = (*registry.Registry)(nil)
