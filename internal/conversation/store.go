// Package conversation keeps short-lived per-user chat context and turns an
// inbound message into a reply.
package conversation

import (
	"slices"
	"sync"
	"time"

	"chatrelay/internal/inference"
)

const (
	DefaultMaxHistory = 20
	DefaultTimeout    = 2 * time.Hour

	defaultLanguage = "en"
	defaultTone     = "casual"
)

type Message struct {
	Role      inference.Role `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// Context is a copy of one user's conversation. Mutating it does not affect
// the store.
type Context struct {
	UserID       int64
	Messages     []Message
	LastActivity time.Time
	Language     string
	Tone         string
}

type StoreOptions struct {
	// MaxHistory caps the number of stored messages; the oldest go first.
	MaxHistory int
	// Timeout is how long a context survives without activity.
	Timeout time.Duration
}

type Stats struct {
	TotalContexts  int     `json:"total_contexts"`
	ActiveContexts int     `json:"active_contexts"`
	TotalMessages  int     `json:"total_messages"`
	AvgPerContext  float64 `json:"avg_messages_per_context"`
}

type entry struct {
	messages     []Message
	lastActivity time.Time
	language     string
	tone         string
}

func newEntry(now time.Time) *entry {
	return &entry{lastActivity: now, language: defaultLanguage, tone: defaultTone}
}

// Store maps user ids to contexts. A single mutex guards the map and every
// entry, so each operation on a user is atomic with respect to Sweep.
type Store struct {
	now func() time.Time

	mu       sync.Mutex
	opts     StoreOptions
	contexts map[int64]*entry
}

type StoreOption func(*Store)

// WithStoreClock replaces time.Now.
func WithStoreClock(now func() time.Time) StoreOption { return func(s *Store) { s.now = now } }

func NewStore(opts StoreOptions, o ...StoreOption) *Store {
	s := &Store{now: time.Now, contexts: map[int64]*entry{}}
	for _, fn := range o {
		fn(s)
	}
	s.Apply(opts)
	return s
}

// Apply changes the limits. Existing histories are trimmed lazily on their
// next append.
func (s *Store) Apply(opts StoreOptions) {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
}

func (s *Store) expiredLocked(e *entry, now time.Time) bool {
	return now.Sub(e.lastActivity) > s.opts.Timeout
}

// getLocked returns the live entry for userID, replacing an expired one
// with a fresh context.
func (s *Store) getLocked(userID int64, now time.Time) *entry {
	e, ok := s.contexts[userID]
	if !ok || s.expiredLocked(e, now) {
		e = newEntry(now)
		s.contexts[userID] = e
	}
	return e
}

// GetOrCreate returns the user's context, or a fresh empty one when none
// exists or the old one expired.
func (s *Store) GetOrCreate(userID int64) Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getLocked(userID, s.now())
	return Context{
		UserID:       userID,
		Messages:     slices.Clone(e.messages),
		LastActivity: e.lastActivity,
		Language:     e.language,
		Tone:         e.tone,
	}
}

// Append adds a turn, dropping the oldest turns beyond MaxHistory.
func (s *Store) Append(userID int64, role inference.Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e := s.getLocked(userID, now)
	e.messages = append(e.messages, Message{Role: role, Content: content, Timestamp: now})
	if n := len(e.messages) - s.opts.MaxHistory; n > 0 {
		e.messages = slices.Delete(e.messages, 0, n)
	}
	e.lastActivity = now
}

// SetProfile records the detected language and tone of the latest message.
func (s *Store) SetProfile(userID int64, language, tone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getLocked(userID, s.now())
	e.language, e.tone = language, tone
}

// Profile returns the stored language and tone without touching expiry.
func (s *Store) Profile(userID int64) (language, tone string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.contexts[userID]
	if !ok {
		return "", "", false
	}
	return e.language, e.tone, true
}

// Window returns up to the last n messages, oldest first.
func (s *Store) Window(userID int64, n int) []Message {
	return s.Snapshot(userID, n)
}

// Snapshot is a read-only copy of the last limit messages (all when
// limit <= 0). It neither renews nor expires the context.
func (s *Store) Snapshot(userID int64, limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.contexts[userID]
	if !ok {
		return nil
	}
	msgs := e.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs)
}

// Sweep removes every expired context and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, e := range s.contexts {
		if s.expiredLocked(e, now) {
			delete(s.contexts, id)
			removed++
		}
	}
	return removed
}

// ActiveUsers lists user ids that currently hold a context, ascending.
func (s *Store) ActiveUsers() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var st Stats
	st.TotalContexts = len(s.contexts)
	for _, e := range s.contexts {
		if !s.expiredLocked(e, now) {
			st.ActiveContexts++
		}
		st.TotalMessages += len(e.messages)
	}
	st.AvgPerContext = float64(st.TotalMessages) / float64(max(st.TotalContexts, 1))
	return st
}
