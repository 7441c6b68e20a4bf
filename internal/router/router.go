// Package router turns inbound transport updates into operator commands or
// conversational replies. Work runs on a bounded worker pool owned by a
// supervisor.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"chatrelay/internal/broadcast"
	"chatrelay/internal/conversation"
	"chatrelay/internal/inference"
	"chatrelay/internal/registry"
	rtsup "chatrelay/internal/runtime/supervisor"
	"chatrelay/internal/transport"
	logx "chatrelay/pkg/logx"
)

const (
	defaultQueueSize      = 256
	defaultCommandTimeout = 30 * time.Second
	defaultReplyTimeout   = 45 * time.Second
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Timeout overrides the default command deadline. Negative disables it.
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Message *transport.Message
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	// Args is the raw text after the command word.
	Args   string
	ReqID  string
	Logger logx.Logger
}

// Responder produces a conversational reply. It never fails; errors are
// turned into fallback text.
type Responder interface {
	Respond(ctx context.Context, userID int64, text string, kind transport.ChatKind, displayName string) string
}

// HistoryView is the read-only side of the conversation store.
type HistoryView interface {
	Snapshot(userID int64, limit int) []conversation.Message
	ActiveUsers() []int64
	Stats() conversation.Stats
}

type Registry interface {
	Register(ctx context.Context, chatID int64, kind transport.ChatKind, title string)
	RegisterUser(ctx context.Context, info registry.UserInfo)
	Deregister(ctx context.Context, chatID int64) bool
	User(userID int64) (registry.User, bool)
	Stats() registry.Stats
}

type Broadcaster interface {
	Broadcast(ctx context.Context, actor broadcast.Actor, message string, tt broadcast.TargetType) (broadcast.Record, error)
	SendTo(ctx context.Context, actor broadcast.Actor, chatID int64, message string) error
	Stats() broadcast.Stats
}

type AIStatus interface {
	Stats() inference.Stats
}

// Deps are the collaborators a Router calls. Sender is required; the rest
// may be nil in tests, which disables the commands that need them.
type Deps struct {
	Sender    transport.Sender
	Responder Responder
	History   HistoryView
	Registry  Registry
	Broadcast Broadcaster
	AI        AIStatus
}

// Profile is the bot identity shown by /start, /help and /info.
type Profile struct {
	BotName     string
	OwnerName   string
	GroupName   string
	Personality string
	Version     string
}

type Options struct {
	Owners []int64
	// TriggerWords make group messages that contain them addressed to the bot.
	TriggerWords []string
	// BotUsername is used for @mention detection when the sender does not
	// implement transport.Identity.
	BotUsername string
	Workers     int
	QueueSize   int

	CommandTimeout time.Duration
	ReplyTimeout   time.Duration
	// ReplyEvery and ReplyBurst bound conversational replies per chat.
	ReplyEvery time.Duration
	ReplyBurst int

	Profile Profile
}

type Router struct {
	deps Deps
	log  logx.Logger

	mu    sync.RWMutex
	opts  Options
	cmds  []Command
	index map[string]*Command

	limits *chatLimiter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(deps Deps, opts Options, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		deps:   deps,
		log:    log,
		limits: newChatLimiter(),
	}
	r.Apply(opts)
	r.jobs = make(chan func(), r.opts.QueueSize)
	r.SetCommands(r.builtinCommands())
	return r
}

// Apply swaps the hot-reloadable options. Workers and QueueSize only take
// effect on the next start.
func (r *Router) Apply(opts Options) {
	opts.Owners = slices.Clone(opts.Owners)
	words := make([]string, 0, len(opts.TriggerWords))
	for _, w := range opts.TriggerWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	opts.TriggerWords = words
	opts.BotUsername = strings.TrimPrefix(strings.TrimSpace(opts.BotUsername), "@")
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	if opts.Profile.BotName == "" {
		opts.Profile.BotName = "Assistant"
	}
	if opts.Profile.OwnerName == "" {
		opts.Profile.OwnerName = "my creator"
	}
	r.mu.Lock()
	r.opts = opts
	r.mu.Unlock()
	r.limits.apply(opts.ReplyEvery, opts.ReplyBurst)
}

func (r *Router) options() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts
}

// SetCommands replaces the command table. Call UpdateMenu afterwards to
// refresh the platform menu.
func (r *Router) SetCommands(cmds []Command) {
	index := map[string]*Command{}
	kept := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		kept = append(kept, c)
	}
	for i := range kept {
		c := &kept[i]
		index[c.Name] = c
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				if _, exists := index[a]; !exists {
					index[a] = c
				}
			}
		}
	}
	r.mu.Lock()
	r.cmds = kept
	r.index = index
	r.mu.Unlock()
}

// Commands returns the registered commands in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.cmds)
}

// UpdateMenu pushes the command list to the platform when the sender
// supports it.
func (r *Router) UpdateMenu(ctx context.Context) error {
	up, ok := r.deps.Sender.(transport.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, buildMenu(r.Commands()))
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop reads updates until ctx is done or updates is closed. It may
// be called once per Router.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := r.options().Workers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 2)
	}

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "router"))),
		rtsup.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in router job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setSupervisor(nil, false)
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("updates channel closed")
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message == nil {
			return
		}
		if strings.HasPrefix(strings.TrimSpace(up.Message.Text), "/") {
			r.routeCommand(ctx, up.Message)
			return
		}
		r.routeChat(ctx, up.Message)
	case transport.UpdateMember:
		if up.Member != nil {
			mc := *up.Member
			r.enqueue(ctx, nil, func() { r.handleMember(ctx, mc) })
		}
	}
}

// parseCommand splits "/name@bot rest" into its parts.
func parseCommand(text string) (name, bot, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", ""
	}
	head, rest := text[1:], ""
	if i := strings.IndexFunc(head, unicode.IsSpace); i >= 0 {
		head, rest = head[:i], head[i+1:]
	}
	name, bot, _ = strings.Cut(head, "@")
	return strings.ToLower(name), bot, strings.TrimSpace(rest)
}

func (r *Router) routeCommand(ctx context.Context, msg *transport.Message) {
	name, bot, args := parseCommand(msg.Text)
	if name == "" {
		return
	}
	// Commands addressed to another bot in a group.
	if bot != "" && !strings.EqualFold(bot, r.botUsername()) {
		return
	}

	r.mu.RLock()
	cmd, ok := r.index[name]
	var c Command
	if ok {
		c = *cmd
	}
	r.mu.RUnlock()

	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !ok {
		if msg.ChatKind == transport.ChatPrivate {
			r.reply(ctx, to, msg.ID, "Unknown command. Try /help", nil)
		}
		return
	}

	m := *msg
	r.enqueue(ctx, &to, func() {
		// Every message registers its sender, commands included.
		r.registerSender(ctx, &m)
		r.runCommand(ctx, &m, c, args)
	})
}

func (r *Router) runCommand(ctx context.Context, msg *transport.Message, cmd Command, args string) {
	opts := r.options()
	to := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, opts.Owners) {
		r.reply(ctx, to, msg.ID, "🚫 Sorry, only my creator can use this command!", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    to,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = opts.CommandTimeout
	}
	final := wrap(cmd.Handle,
		recoverPanics(),
		logOutcome(),
		withDeadline(timeout),
	)
	if err := final(ctx, req); err != nil {
		r.reply(ctx, to, msg.ID, "❌ Something went wrong running that command.", nil)
	}
}

func (r *Router) enqueue(ctx context.Context, busyTo *transport.ChatTarget, job func()) {
	if r.tryEnqueue(job) {
		return
	}
	r.log.Warn("router queue full; dropping update")
	if busyTo != nil {
		r.reply(ctx, *busyTo, 0, "busy, try again", nil)
	}
}

func (r *Router) registerSender(ctx context.Context, msg *transport.Message) {
	if r.deps.Registry == nil {
		return
	}
	r.deps.Registry.RegisterUser(ctx, registry.UserInfo{
		UserID:       msg.FromID,
		FirstName:    msg.FromFirstName,
		LastName:     msg.FromLastName,
		Username:     msg.FromUsername,
		LanguageCode: msg.LanguageCode,
	})
	r.deps.Registry.Register(ctx, msg.ChatID, msg.ChatKind, msg.ChatTitle)
}

// reply sends text and deregisters the chat when it turns out to be gone.
func (r *Router) reply(ctx context.Context, to transport.ChatTarget, replyTo int, text string, opt *transport.SendOptions) {
	if opt == nil {
		opt = &transport.SendOptions{DisablePreview: true}
	}
	opt.ReplyTo = replyTo
	_, err := r.deps.Sender.SendText(ctx, to, text, opt)
	if err == nil {
		return
	}
	if transport.IsGone(err) {
		r.log.Info("chat gone; deregistering", logx.Int64("chat_id", to.ChatID))
		if r.deps.Registry != nil {
			r.deps.Registry.Deregister(ctx, to.ChatID)
		}
		return
	}
	r.log.Warn("send failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
}

func (r *Router) replyHTML(ctx context.Context, req *Request, text string) {
	r.reply(ctx, req.Chat, req.Message.ID, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

func (r *Router) botUsername() string {
	if id, ok := r.deps.Sender.(transport.Identity); ok {
		if u := id.BotUsername(); u != "" {
			return u
		}
	}
	return r.options().BotUsername
}

func isOwner(id int64, owners []int64) bool {
	return slices.Contains(owners, id)
}

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
