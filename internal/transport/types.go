package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateMember  UpdateKind = "member"
)

// ChatKind is the destination category used for per-kind broadcast counts.
type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
)

// Valid reports whether k is one of the known kinds.
func (k ChatKind) Valid() bool { return k == ChatPrivate || k == ChatGroup }

type Update struct {
	Kind    UpdateKind
	Message *Message
	Member  *MemberChange
}

type Message struct {
	ID       int
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
	ChatKind ChatKind
	// ChatTitle is empty for private chats.
	ChatTitle string

	FromID        int64
	FromUsername  string
	FromFirstName string
	FromLastName  string
	LanguageCode  string

	Text string
	// ReplyToBot is set when the message replies to one of the bot's own messages.
	ReplyToBot bool
}

// DisplayName is the name used to address the sender in replies.
func (m *Message) DisplayName() string {
	if m == nil {
		return ""
	}
	if m.FromFirstName != "" {
		return m.FromFirstName
	}
	return m.FromUsername
}

// MemberChange reports the bot itself being added to or removed from a chat.
type MemberChange struct {
	ChatID    int64
	ChatKind  ChatKind
	ChatTitle string
	ByID      int64
	Joined    bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyTo is the message id to reply to (0 for none).
	ReplyTo int
}

// Sender is the outbound half of an adapter.
//
// Errors returned by SendText should be classified with ErrDeliveryPermanent
// or ErrDeliveryTransient (see Classify) so callers can tell dead
// destinations from temporary failures.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// Identity is an optional interface for adapters that know the bot's own account.
type Identity interface {
	BotID() int64
	BotUsername() string
}
