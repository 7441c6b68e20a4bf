// Package registry tracks the chats and users the bot has seen.
//
// Reads are served from memory; every change is written through to the
// configured storage.Store. Removing a chat never deletes it: the chat is
// marked inactive and stops appearing in AllActiveChats.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/storage"
	"chatrelay/internal/transport"
	logx "chatrelay/pkg/logx"
)

type Chat struct {
	ChatID       int64
	Kind         transport.ChatKind
	Title        string
	Username     string
	FirstAdded   time.Time
	LastActivity time.Time
	Active       bool
	RemovedAt    time.Time
}

type User struct {
	UserID       int64
	FirstName    string
	LastName     string
	Username     string
	LanguageCode string
	FirstSeen    time.Time
	LastSeen     time.Time
	MessageCount int
}

// Stats summarizes the registry for operators.
type Stats struct {
	TotalUsers   int `json:"total_users"`
	TotalChats   int `json:"total_chats"`
	PrivateChats int `json:"private_chats"`
	GroupChats   int `json:"group_chats"`
	ActiveToday  int `json:"active_today"`
	NewThisWeek  int `json:"new_this_week"`
}

type Registry struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu    sync.RWMutex
	chats map[int64]*Chat
	users map[int64]*User
	// rev orders chat snapshots taken under mu.
	rev uint64

	// persistMu serializes chat writes; persisted holds the newest rev
	// written per chat so a late, older snapshot never overwrites it.
	persistMu sync.Mutex
	persisted map[int64]uint64
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(r *Registry) { r.bus = bus } }

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// New returns an empty registry. store may be nil, in which case nothing
// survives a restart.
func New(store storage.Store, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		bus:   eventbus.Nop(),
		now:   time.Now,
		chats:     map[int64]*Chat{},
		users:     map[int64]*User{},
		persisted: map[int64]uint64{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Load replaces the in-memory state with what the store holds.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	chats, err := r.store.LoadChats(ctx)
	if err != nil {
		return err
	}
	users, err := r.store.LoadUsers(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = make(map[int64]*Chat, len(chats))
	for _, c := range chats {
		r.chats[c.ChatID] = chatFromRecord(c)
	}
	r.users = make(map[int64]*User, len(users))
	for _, u := range users {
		r.users[u.UserID] = userFromRecord(u)
	}
	r.log.Info("registry loaded", logx.Int("chats", len(r.chats)), logx.Int("users", len(r.users)))
	return nil
}

// Register adds a chat or reactivates and refreshes a known one.
func (r *Registry) Register(ctx context.Context, chatID int64, kind transport.ChatKind, title string) {
	now := r.now()
	r.mu.Lock()
	c, ok := r.chats[chatID]
	reactivated := ok && !c.Active
	if !ok {
		c = &Chat{ChatID: chatID, FirstAdded: now}
		r.chats[chatID] = c
	}
	if kind.Valid() {
		c.Kind = kind
	}
	if title != "" {
		c.Title = title
	}
	c.LastActivity = now
	c.Active = true
	c.RemovedAt = time.Time{}
	rec, rev := chatRecord(c), r.nextRevLocked()
	r.mu.Unlock()

	r.persistChat(ctx, rec, rev)
	if !ok || reactivated {
		r.log.Debug("chat registered", logx.Int64("chat_id", chatID), logx.String("kind", string(kind)))
		r.bus.Publish(eventbus.Event{Type: eventbus.ChatRegistered, Data: chatID})
	}
}

// Deregister marks a chat inactive. It reports whether the chat was active.
func (r *Registry) Deregister(ctx context.Context, chatID int64) bool {
	r.mu.Lock()
	c, ok := r.chats[chatID]
	if !ok || !c.Active {
		r.mu.Unlock()
		return false
	}
	c.Active = false
	c.RemovedAt = r.now()
	rec, rev := chatRecord(c), r.nextRevLocked()
	r.mu.Unlock()

	r.persistChat(ctx, rec, rev)
	r.log.Info("chat deregistered", logx.Int64("chat_id", chatID))
	r.bus.Publish(eventbus.Event{Type: eventbus.ChatDeregistered, Data: chatID})
	return true
}

// AllActiveChats returns a snapshot of active chats ordered by first contact.
func (r *Registry) AllActiveChats() []Chat {
	r.mu.RLock()
	out := make([]Chat, 0, len(r.chats))
	for _, c := range r.chats {
		if c.Active {
			out = append(out, *c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstAdded.Equal(out[j].FirstAdded) {
			return out[i].FirstAdded.Before(out[j].FirstAdded)
		}
		return out[i].ChatID < out[j].ChatID
	})
	return out
}

func (r *Registry) Chat(chatID int64) (Chat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chats[chatID]
	if !ok {
		return Chat{}, false
	}
	return *c, true
}

// UserInfo is the sender profile carried by an inbound message.
type UserInfo struct {
	UserID       int64
	FirstName    string
	LastName     string
	Username     string
	LanguageCode string
}

// RegisterUser records a message from a user and bumps their counters.
func (r *Registry) RegisterUser(ctx context.Context, info UserInfo) {
	if info.UserID == 0 {
		return
	}
	now := r.now()
	r.mu.Lock()
	u, ok := r.users[info.UserID]
	if !ok {
		u = &User{UserID: info.UserID, FirstSeen: now}
		r.users[info.UserID] = u
	}
	u.FirstName, u.LastName, u.Username = info.FirstName, info.LastName, info.Username
	if info.LanguageCode != "" {
		u.LanguageCode = info.LanguageCode
	}
	u.LastSeen = now
	u.MessageCount++
	rec := userRecord(u)
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	if err := r.store.PutUser(ctx, rec); err != nil {
		r.log.Warn("persist user failed", logx.Int64("user_id", info.UserID), logx.Err(err))
	}
}

func (r *Registry) User(userID int64) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

func (r *Registry) Stats() Stats {
	now := r.now()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	weekAgo := now.Add(-7 * 24 * time.Hour)

	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{TotalUsers: len(r.users)}
	for _, c := range r.chats {
		if !c.Active {
			continue
		}
		st.TotalChats++
		if c.Kind == transport.ChatPrivate {
			st.PrivateChats++
		}
	}
	st.GroupChats = st.TotalChats - st.PrivateChats
	for _, u := range r.users {
		if !u.LastSeen.Before(today) {
			st.ActiveToday++
		}
		if u.FirstSeen.After(weekAgo) {
			st.NewThisWeek++
		}
	}
	return st
}

// CleanupInactive marks active chats idle for longer than maxIdle as
// inactive and returns how many were changed.
func (r *Registry) CleanupInactive(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	now := r.now()
	cutoff := now.Add(-maxIdle)

	type pending struct {
		rec storage.ChatRecord
		rev uint64
	}
	r.mu.Lock()
	var changed []pending
	for _, c := range r.chats {
		if c.Active && !c.LastActivity.IsZero() && c.LastActivity.Before(cutoff) {
			c.Active = false
			c.RemovedAt = now
			changed = append(changed, pending{chatRecord(c), r.nextRevLocked()})
		}
	}
	r.mu.Unlock()

	for _, p := range changed {
		r.persistChat(ctx, p.rec, p.rev)
	}
	if len(changed) > 0 {
		r.log.Info("marked idle chats inactive", logx.Int("count", len(changed)), logx.Duration("max_idle", maxIdle))
	}
	return len(changed)
}

func (r *Registry) nextRevLocked() uint64 {
	r.rev++
	return r.rev
}

// persistChat writes rec unless a newer snapshot of the same chat has
// already been written.
func (r *Registry) persistChat(ctx context.Context, rec storage.ChatRecord, rev uint64) {
	if r.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if rev <= r.persisted[rec.ChatID] {
		return
	}
	r.persisted[rec.ChatID] = rev
	if err := r.store.PutChat(ctx, rec); err != nil {
		r.log.Warn("persist chat failed", logx.Int64("chat_id", rec.ChatID), logx.Err(err))
	}
}

func chatRecord(c *Chat) storage.ChatRecord {
	return storage.ChatRecord{
		ChatID:       c.ChatID,
		Kind:         string(c.Kind),
		Title:        c.Title,
		Username:     c.Username,
		FirstAdded:   c.FirstAdded,
		LastActivity: c.LastActivity,
		Active:       c.Active,
		RemovedAt:    c.RemovedAt,
	}
}

func chatFromRecord(rec storage.ChatRecord) *Chat {
	return &Chat{
		ChatID:       rec.ChatID,
		Kind:         transport.ChatKind(rec.Kind),
		Title:        rec.Title,
		Username:     rec.Username,
		FirstAdded:   rec.FirstAdded,
		LastActivity: rec.LastActivity,
		Active:       rec.Active,
		RemovedAt:    rec.RemovedAt,
	}
}

func userRecord(u *User) storage.UserRecord {
	return storage.UserRecord(*u)
}

func userFromRecord(rec storage.UserRecord) *User {
	u := User(rec)
	return &u
}
