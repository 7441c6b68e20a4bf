package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/inference"
	"chatrelay/internal/transport"
	logx "chatrelay/pkg/logx"
)

const DefaultHistoryWindow = 8

// Generator is the inference client as seen by the orchestrator.
type Generator interface {
	Generate(ctx context.Context, req inference.Request) (string, error)
}

type Persona interface {
	BuildSystemPrompt(kind transport.ChatKind, displayName string) string
	Enhance(text, displayName string) string
}

type Detector interface {
	Detect(text string) (language, tone string)
}

type OrchestratorOptions struct {
	// HistoryWindow is the number of stored turns, counting the new user
	// message, considered for the backend history.
	HistoryWindow int
	// ResponseTimeout bounds one Respond call. Zero means no bound.
	ResponseTimeout time.Duration
}

// Orchestrator turns an inbound message into a reply. It never returns an
// error: failures become a short fallback text.
type Orchestrator struct {
	store    *Store
	gen      Generator
	persona  Persona
	detector Detector
	log      logx.Logger
	rnd      func() float64

	mu   sync.RWMutex
	opts OrchestratorOptions
}

type OrchestratorOption func(*Orchestrator)

func WithLogger(log logx.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = log }
}

// WithRand replaces the source used to pick fallbacks.
func WithRand(rnd func() float64) OrchestratorOption {
	return func(o *Orchestrator) { o.rnd = rnd }
}

func NewOrchestrator(store *Store, gen Generator, persona Persona, detector Detector, opts OrchestratorOptions, o ...OrchestratorOption) *Orchestrator {
	orc := &Orchestrator{
		store:    store,
		gen:      gen,
		persona:  persona,
		detector: detector,
		log:      logx.Nop(),
		rnd:      rand.Float64,
	}
	for _, fn := range o {
		fn(orc)
	}
	orc.Apply(opts)
	return orc
}

func (o *Orchestrator) Apply(opts OrchestratorOptions) {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	o.mu.Lock()
	o.opts = opts
	o.mu.Unlock()
}

// Store exposes the context store for reporting commands.
func (o *Orchestrator) Store() *Store { return o.store }

// Respond produces the reply to text sent by userID.
func (o *Orchestrator) Respond(ctx context.Context, userID int64, text string, kind transport.ChatKind, displayName string) (reply string) {
	o.mu.RLock()
	opts := o.opts
	o.mu.RUnlock()

	log := o.log.With(logx.Int64("user_id", userID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("respond panicked", logx.Any("panic", r))
			reply = ErrorReply(displayName, o.rnd)
		}
	}()

	if opts.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ResponseTimeout)
		defer cancel()
	}

	o.store.GetOrCreate(userID)
	lang, tone := o.detector.Detect(text)
	o.store.SetProfile(userID, lang, tone)
	o.store.Append(userID, inference.RoleUser, text)

	prompt := o.persona.BuildSystemPrompt(kind, displayName)
	history := historyTurns(o.store.Window(userID, opts.HistoryWindow), text)

	start := time.Now()
	out, err := o.gen.Generate(ctx, inference.Request{
		Message:      text,
		SystemPrompt: prompt,
		History:      history,
		Language:     lang,
		Tone:         tone,
	})
	if err != nil {
		switch {
		case errors.Is(err, inference.ErrCircuitOpen):
			log.Debug("circuit open; sending fallback")
		case errors.Is(err, inference.ErrGenerationFailed):
			log.Warn("generation failed; sending fallback", logx.Err(err))
		default:
			log.Error("respond failed", logx.Err(err))
			return ErrorReply(displayName, o.rnd)
		}
		return FallbackReply(tone, displayName, o.rnd)
	}

	enhanced := o.persona.Enhance(out, displayName)
	if strings.TrimSpace(enhanced) == "" {
		log.Warn("empty reply; sending fallback")
		return FallbackReply(tone, displayName, o.rnd)
	}
	o.store.Append(userID, inference.RoleAssistant, enhanced)
	log.Info("reply generated",
		logx.String("lang", lang),
		logx.String("tone", tone),
		logx.Int("history", len(history)),
		logx.Duration("took", time.Since(start)),
	)
	return enhanced
}

// historyTurns converts the stored window into backend turns. The window
// ends with the message being answered, which the backend receives
// separately, so it is left out.
func historyTurns(window []Message, current string) []inference.Turn {
	if n := len(window); n > 0 && window[n-1].Role == inference.RoleUser && window[n-1].Content == current {
		window = window[:n-1]
	}
	turns := make([]inference.Turn, 0, len(window))
	for _, m := range window {
		turns = append(turns, inference.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// String renders a message for operator views.
func (m Message) String() string {
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Format("15:04"), m.Role, m.Content)
}
