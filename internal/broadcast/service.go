package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/registry"
	"chatrelay/internal/storage"
	"chatrelay/internal/transport"
	logx "chatrelay/pkg/logx"
)

const (
	DefaultHistorySize = 50
	recentRecords      = 5
	previewChars       = 50
)

// TargetType selects which registered chats receive a broadcast.
type TargetType string

const (
	TargetAll    TargetType = "all"
	TargetUsers  TargetType = "users"
	TargetGroups TargetType = "groups"
)

func (t TargetType) Valid() bool {
	return t == TargetAll || t == TargetUsers || t == TargetGroups
}

func (t TargetType) includes(kind transport.ChatKind) bool {
	switch t {
	case TargetUsers:
		return kind == transport.ChatPrivate
	case TargetGroups:
		return kind != transport.ChatPrivate
	default:
		return true
	}
}

var ErrEmptyMessage = errors.New("broadcast message is empty")

// Registry is the part of the chat registry a broadcast needs.
type Registry interface {
	AllActiveChats() []registry.Chat
	Chat(chatID int64) (registry.Chat, bool)
	Deregister(ctx context.Context, chatID int64) bool
}

// Actor identifies the operator who triggered an action.
type Actor struct {
	ID       int64
	Username string
	ChatID   int64
}

// Record is one finished broadcast.
type Record struct {
	ID         string        `json:"id"`
	At         time.Time     `json:"at"`
	Message    string        `json:"message"`
	TargetType TargetType    `json:"target_type"`
	Result     Result        `json:"result"`
	Took       time.Duration `json:"took"`
}

type Stats struct {
	TotalBroadcasts int       `json:"total_broadcasts"`
	LastBroadcast   time.Time `json:"last_broadcast,omitzero"`
	// AvgSuccessRate is a percentage over every retained attempt.
	AvgSuccessRate float64  `json:"average_success_rate"`
	Recent         []Record `json:"recent_broadcasts,omitempty"`
}

type ServiceOptions struct {
	Concurrency int
	// Timeout bounds a whole broadcast. Zero means no bound.
	Timeout     time.Duration
	HistorySize int
}

// Service is the operator-facing side of broadcasting: it picks targets
// from the registry, runs the Engine, prunes dead chats and keeps history.
type Service struct {
	engine *Engine
	reg    Registry
	store  storage.Store
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu      sync.Mutex
	opts    ServiceOptions
	history []Record
	last    time.Time
}

type ServiceOption func(*Service)

func WithLogger(log logx.Logger) ServiceOption { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) ServiceOption   { return func(s *Service) { s.bus = bus } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

// NewService wires a Service. store may be nil, in which case audit
// entries are only logged.
func NewService(engine *Engine, reg Registry, store storage.Store, opts ServiceOptions, o ...ServiceOption) *Service {
	s := &Service{
		engine: engine,
		reg:    reg,
		store:  store,
		log:    logx.Nop(),
		bus:    eventbus.Nop(),
		now:    time.Now,
	}
	for _, fn := range o {
		fn(s)
	}
	s.Apply(opts)
	return s
}

func (s *Service) Apply(opts ServiceOptions) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	s.mu.Lock()
	s.opts = opts
	if n := len(s.history) - opts.HistorySize; n > 0 {
		s.history = append([]Record(nil), s.history[n:]...)
	}
	s.mu.Unlock()
}

// Targets snapshots the active chats selected by tt.
func (s *Service) Targets(tt TargetType) []Target {
	var out []Target
	for _, c := range s.reg.AllActiveChats() {
		if tt.includes(c.Kind) {
			out = append(out, Target{ChatID: c.ChatID, Kind: c.Kind, Title: c.Title})
		}
	}
	return out
}

// Broadcast sends message to every active chat selected by tt, deregisters
// chats reported gone and records the outcome.
func (s *Service) Broadcast(ctx context.Context, actor Actor, message string, tt TargetType) (Record, error) {
	if strings.TrimSpace(message) == "" {
		return Record{}, ErrEmptyMessage
	}
	if !tt.Valid() {
		return Record{}, fmt.Errorf("unknown broadcast target %q", tt)
	}
	s.mu.Lock()
	opts := s.opts
	s.mu.Unlock()

	targets := s.Targets(tt)
	rec := Record{ID: uuid.NewString(), At: s.now(), Message: message, TargetType: tt}
	log := s.log.With(logx.String("broadcast", rec.ID), logx.String("target_type", string(tt)))
	log.Info("broadcast started", logx.Int("targets", len(targets)), logx.String("preview", preview(message)))

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	rec.Result = s.engine.Send(runCtx, message, targets, opts.Concurrency)
	rec.Took = time.Since(start)

	for _, id := range rec.Result.Deregister {
		s.reg.Deregister(ctx, id)
	}

	s.mu.Lock()
	s.history = append(s.history, rec)
	if n := len(s.history) - opts.HistorySize; n > 0 {
		s.history = append([]Record(nil), s.history[n:]...)
	}
	s.last = rec.At
	s.mu.Unlock()

	fields := []logx.Field{
		logx.Int("succeeded", rec.Result.Succeeded),
		logx.Int("failed", rec.Result.Failed),
		logx.Int("deregistered", len(rec.Result.Deregister)),
		logx.Duration("took", rec.Took),
	}
	if rec.Result.Failed > 0 {
		log.Warn("broadcast finished with failures", fields...)
	} else {
		log.Info("broadcast finished", fields...)
	}

	s.audit(ctx, actor, "broadcast", string(tt), rec.Result.Succeeded, rec.Result.Failed, nil, rec.Took, map[string]any{
		"id":         rec.ID,
		"by_kind":    rec.Result.ByKind,
		"deregister": rec.Result.Deregister,
	})
	s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastFinished, Data: rec})
	return rec, nil
}

// SendTo delivers one message to a single chat on behalf of an operator.
// A chat that turns out to be gone is deregistered.
func (s *Service) SendTo(ctx context.Context, actor Actor, chatID int64, message string) error {
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}
	kind := transport.ChatPrivate
	if c, ok := s.reg.Chat(chatID); ok {
		kind = c.Kind
	} else if chatID < 0 {
		kind = transport.ChatGroup
	}

	start := time.Now()
	res := s.engine.Send(ctx, message, []Target{{ChatID: chatID, Kind: kind}}, 1)
	took := time.Since(start)

	var err error
	if res.Failed > 0 {
		err = fmt.Errorf("send to %d failed", chatID)
		if len(res.Deregister) > 0 {
			s.reg.Deregister(ctx, chatID)
			err = fmt.Errorf("send to %d: %w", chatID, transport.ErrDeliveryPermanent)
		}
	}
	s.audit(ctx, actor, "send_to", fmt.Sprint(chatID), res.Succeeded, res.Failed, err, took, nil)
	return err
}

func (s *Service) audit(ctx context.Context, actor Actor, action, target string, ok, fail int, err error, took time.Duration, meta map[string]any) {
	e := storage.AuditEntry{
		At:            s.now(),
		ActorID:       actor.ID,
		ActorUsername: actor.Username,
		ChatID:        actor.ChatID,
		Action:        action,
		Target:        target,
		OK:            ok,
		Fail:          fail,
		TookMS:        took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if len(meta) > 0 {
		if b, mErr := json.Marshal(meta); mErr == nil {
			e.MetaJSON = string(b)
		}
	}
	if s.store == nil {
		s.log.Debug("audit", logx.String("action", action), logx.String("target", target), logx.Int("ok", ok), logx.Int("fail", fail))
		return
	}
	if aErr := s.store.AppendAudit(ctx, e); aErr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aErr))
	}
}

// History returns the retained records, oldest first.
func (s *Service) History() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.history...)
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{TotalBroadcasts: len(s.history), LastBroadcast: s.last}
	if len(s.history) == 0 {
		return st
	}
	attempts, ok := 0, 0
	for _, r := range s.history {
		attempts += r.Result.Succeeded + r.Result.Failed
		ok += r.Result.Succeeded
	}
	rate := float64(ok) * 100 / float64(max(attempts, 1))
	st.AvgSuccessRate = float64(int(rate*100+0.5)) / 100
	st.Recent = append([]Record(nil), s.history[max(0, len(s.history)-recentRecords):]...)
	return st
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewChars {
		return s
	}
	return string(r[:previewChars]) + "..."
}
